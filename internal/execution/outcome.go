package execution

import (
	"strconv"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// OutcomeKind classifies what the worker must do with the delivery after
// the executor returns.
type OutcomeKind int

const (
	// OutcomeSuccess: result stored; ack.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFailure: terminal failure stored; ack.
	OutcomeFailure
	// OutcomeRetry: republish a fresh attempt (possibly delayed), then ack.
	OutcomeRetry
	// OutcomeRequeue: reject with requeue after RequeueDelay; the attempt
	// never counts.
	OutcomeRequeue
	// OutcomeRevoked: revocation honored; ack.
	OutcomeRevoked
	// OutcomeRejected: refused without execution (expired, unknown,
	// security); ack.
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRetry:
		return "retry"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeRevoked:
		return "revoked"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome is the executor's classification of one delivery. The result
// backend is already updated by the time the worker sees it; only the
// broker operation remains.
type Outcome struct {
	Kind OutcomeKind

	// RetryCountdown delays the retry redelivery; zero retries immediately.
	RetryCountdown time.Duration
	// DoNotIncrementRetries keeps the retry counter unchanged on the
	// republished message (rate-limit deferrals).
	DoNotIncrementRetries bool

	// RequeueDelay holds the reject-requeue back off for OutcomeRequeue.
	RequeueDelay time.Duration

	// Err carries the failure for logging and kill-switch accounting.
	Err error
}

// Failed reports whether the outcome counts as a failure for the kill
// switch. Retries and requeues are back-pressure, not failures.
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeFailure || o.Kind == OutcomeRejected
}

// HeaderDeferrals counts rate-limit deferrals on a message so an endless
// stream of DoNotIncrementRetries retries cannot recirculate forever.
const HeaderDeferrals = "x-deferrals"

// deferralCapFactor bounds free deferrals at maxRetries times this factor;
// past the cap a deferral starts counting as a normal retry.
const deferralCapFactor = 10

// RetryMessage derives the message to republish for an OutcomeRetry. The
// task ID stays stable across attempts; only the retry counter, the
// deferral counter, and the ETA change.
func (o Outcome) RetryMessage(msg domain.TaskMessage, now time.Time) domain.TaskMessage {
	if o.DoNotIncrementRetries {
		n, _ := strconv.Atoi(msg.Header(HeaderDeferrals))
		n++
		msg = msg.WithHeader(HeaderDeferrals, strconv.Itoa(n))
		if msg.MaxRetries > 0 && n > msg.MaxRetries*deferralCapFactor {
			msg.Retries++
		}
	} else {
		msg.Retries++
	}
	if o.RetryCountdown > 0 {
		eta := now.Add(o.RetryCountdown).UTC()
		msg.ETA = &eta
	} else {
		msg.ETA = nil
	}
	return msg
}
