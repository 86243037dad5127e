package membership

import (
	"fmt"
	"time"
)

type Event string

const (
	EventRenew            Event = "renew"
	EventEndTrial         Event = "end_trial"
	EventPaymentFailed    Event = "payment_failed"
	EventPaymentRecovered Event = "payment_recovered"
	EventCancel           Event = "cancel"
	EventExpire           Event = "expire"
	EventReactivate       Event = "reactivate"
)

// TransitionError is returned for an event that is not allowed from the
// membership's current billing status.
type TransitionError struct {
	From  BillingStatus
	Event Event
	To    BillingStatus
}

func (e *TransitionError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("membership cannot move from %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("membership cannot %s while %s", e.Event, e.From)
}

var transitions = map[BillingStatus]map[Event]BillingStatus{
	BillingTrial: {
		EventRenew:         BillingActive,
		EventEndTrial:      BillingActive,
		EventPaymentFailed: BillingPastDue,
		EventCancel:        BillingCancelled,
	},
	BillingActive: {
		EventRenew:         BillingActive,
		EventPaymentFailed: BillingPastDue,
		EventCancel:        BillingCancelled,
	},
	BillingPastDue: {
		EventPaymentRecovered: BillingActive,
		EventCancel:           BillingCancelled,
		EventExpire:           BillingExpired,
	},
	BillingCancelled: {
		EventExpire:     BillingExpired,
		EventReactivate: BillingActive,
	},
	BillingExpired: {
		EventReactivate: BillingActive,
	},
}

// Allowed reports the billing status ev leads to from from.
func Allowed(from BillingStatus, ev Event) (BillingStatus, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// Transition applies ev to m and returns the updated copy. m itself is not
// modified. Version is left for the store to bump on write.
func Transition(m Membership, ev Event, now time.Time) (Membership, error) {
	to, ok := Allowed(m.BillingStatus, ev)
	if !ok {
		return m, &TransitionError{From: m.BillingStatus, Event: ev}
	}

	now = now.UTC()
	next := m
	next.BillingStatus = to
	next.Status = statusFor(to)
	next.UpdatedAt = now

	switch ev {
	case EventRenew:
		next.NextBillingDate = AddInterval(m.NextBillingDate, m.BillingInterval)
	case EventEndTrial:
		today := NormalizeBillingDate(now)
		next.TrialEndDate = &today
		next.NextBillingDate = today
	case EventCancel:
		next.CancelledAt = &now
		next.CancelAtPeriodEnd = true
	case EventReactivate:
		next.CancelledAt = nil
		next.CancelAtPeriodEnd = false
		next.NextBillingDate = AddInterval(NormalizeBillingDate(now), m.BillingInterval)
	}
	return next, nil
}

// EventFor maps an administrative status change onto the event that
// produces it. Moving out of cancelled or expired is only possible with
// reactivate set.
func EventFor(from BillingStatus, to BillingStatus, reactivate bool) (Event, error) {
	if reactivate {
		if to != BillingActive {
			return "", &TransitionError{From: from, To: to}
		}
		if _, ok := Allowed(from, EventReactivate); !ok {
			return "", &TransitionError{From: from, Event: EventReactivate}
		}
		return EventReactivate, nil
	}

	for _, ev := range []Event{EventCancel, EventExpire, EventPaymentFailed, EventPaymentRecovered, EventEndTrial} {
		if target, ok := Allowed(from, ev); ok && target == to {
			return ev, nil
		}
	}
	return "", &TransitionError{From: from, To: to}
}

// BillingStatusFor returns the billing status matching an administrative
// membership status. Active keeps the current billing status.
func BillingStatusFor(current BillingStatus, status Status) BillingStatus {
	switch status {
	case StatusCancelled:
		return BillingCancelled
	case StatusExpired:
		return BillingExpired
	default:
		if current == BillingCancelled || current == BillingExpired {
			return BillingActive
		}
		return current
	}
}

func statusFor(b BillingStatus) Status {
	switch b {
	case BillingCancelled:
		return StatusCancelled
	case BillingExpired:
		return StatusExpired
	default:
		return StatusActive
	}
}
