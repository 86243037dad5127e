package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier tagged with prefix, e.g. "mem-3f2c...".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
