package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/store"
)

const (
	tokenIssuer      = "kasirinaja"
	userStoreTimeout = 3 * time.Second
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

// AuthManager signs bearer tokens for store accounts and holds the manager
// PIN that gates membership reactivation.
type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	pinHash   []byte
	userStore UserStore
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.RWMutex
	users map[string]credential
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	hash    []byte
	role    string
	active  bool
	created time.Time
}

func (c credential) matches(password string) bool {
	if strings.TrimSpace(password) == "" || !isBcryptHash(c.hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.hash, []byte(password)) == nil
}

type tokenClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// NewAuthManager loads the accounts in userStore. With an empty managerPIN
// every PIN check fails.
func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore, logger *zap.Logger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		logger:    logger.Named("auth"),
		now:       time.Now,
		users:     make(map[string]credential),
	}
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			a.logger.Error("hash manager pin, reactivation disabled", zap.Error(err))
		} else {
			a.pinHash = hash
		}
	}
	a.refresh(context.Background())
	return a
}

// Login reloads accounts from the user store first so cashiers created by
// another instance can sign in.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refresh(ctx)
	username := normalizeUsername(req.Username)

	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || !cred.matches(req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	claims := &tokenClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	pin = strings.TrimSpace(pin)
	if pin == "" || len(a.pinHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.pinHash, []byte(pin)) == nil
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.refresh(ctx)
	username := normalizeUsername(req.Username)
	if err := validateCashierRequest(username, req.Password); err != nil {
		return domain.CashierUser{}, err
	}

	a.mu.RLock()
	_, exists := a.users[username]
	a.mu.RUnlock()
	if exists {
		return domain.CashierUser{}, fmt.Errorf("username %s: %w", username, store.ErrDuplicate)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: a.now().UTC(),
	}
	if a.userStore != nil {
		if err := a.userStore.CreateUser(ctx, account); err != nil {
			return domain.CashierUser{}, err
		}
	}

	a.mu.Lock()
	a.users[username] = credential{hash: hash, role: account.Role, active: true, created: account.CreatedAt}
	a.mu.Unlock()

	a.logger.Info("cashier created", zap.String("username", username))
	return domain.CashierUser{
		Username:  username,
		Role:      account.Role,
		Active:    true,
		CreatedAt: account.CreatedAt,
	}, nil
}

func (a *AuthManager) ListCashiers(ctx context.Context) ([]domain.CashierUser, error) {
	a.refresh(ctx)

	a.mu.RLock()
	result := make([]domain.CashierUser, 0, len(a.users))
	for username, cred := range a.users {
		if cred.role != domain.RoleCashier {
			continue
		}
		result = append(result, domain.CashierUser{
			Username:  username,
			Role:      cred.role,
			Active:    cred.active,
			CreatedAt: cred.created,
		})
	}
	a.mu.RUnlock()

	slices.SortFunc(result, func(x, y domain.CashierUser) int {
		return strings.Compare(x.Username, y.Username)
	})
	return result, nil
}

// refresh merges the user store into the credential cache. Plain-text
// passwords left by older deployments are hashed and written back. A store
// failure keeps whatever is cached.
func (a *AuthManager) refresh(ctx context.Context) {
	if a.userStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()

	accounts, err := a.userStore.ListUsers(ctx)
	if err != nil {
		a.logger.Warn("load users", zap.Error(err))
		return
	}

	loaded := make(map[string]credential, len(accounts))
	for _, account := range accounts {
		username := normalizeUsername(account.Username)
		if username == "" {
			continue
		}
		hash := []byte(account.Password)
		if !isBcryptHash(hash) {
			upgraded, err := bcrypt.GenerateFromPassword(hash, bcrypt.DefaultCost)
			if err != nil {
				a.logger.Warn("hash legacy password", zap.String("username", username), zap.Error(err))
				continue
			}
			hash = upgraded
			if err := a.userStore.UpdateUserPassword(ctx, username, string(hash)); err != nil {
				a.logger.Warn("upgrade legacy password", zap.String("username", username), zap.Error(err))
			}
		}
		loaded[username] = credential{
			hash:    hash,
			role:    account.Role,
			active:  account.Active,
			created: account.CreatedAt,
		}
	}

	a.mu.Lock()
	for username, cred := range loaded {
		a.users[username] = cred
	}
	a.mu.Unlock()
}

func validateCashierRequest(username, password string) error {
	switch {
	case len(username) < 4:
		return fmt.Errorf("%w: username must be at least 4 characters", store.ErrInvalidInput)
	case strings.ContainsAny(username, " \t\r\n"):
		return fmt.Errorf("%w: username must not contain spaces", store.ErrInvalidInput)
	case len(strings.TrimSpace(password)) < 6:
		return fmt.Errorf("%w: password must be at least 6 characters", store.ErrInvalidInput)
	}
	return nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func isBcryptHash(hash []byte) bool {
	_, err := bcrypt.Cost(hash)
	return err == nil
}
