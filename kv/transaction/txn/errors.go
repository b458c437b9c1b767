package txn

import (
	"fmt"

	"github.com/pingcap/errors"
)

// AbortReason tells why a transaction was aborted.
type AbortReason string

const (
	AbortStaleVersion AbortReason = "stale version"
	AbortGuard        AbortReason = "guard failed"
	AbortVerify       AbortReason = "verify failed"
	AbortEvaluator    AbortReason = "evaluator error"
	AbortTimeout      AbortReason = "timeout"
	AbortSchedule     AbortReason = "schedule fault"
	AbortCanceled     AbortReason = "canceled"
)

// AbortError is returned when a transaction cannot commit. The whole batch it belongs to is rolled back.
type AbortError struct {
	TxID    string
	Reason  AbortReason
	Account string
	Detail  string
}

func (e *AbortError) Error() string {
	msg := fmt.Sprintf("transaction %s aborted: %s", e.TxID, e.Reason)
	if e.Account != "" {
		msg += fmt.Sprintf(", account: %s", e.Account)
	}
	if e.Detail != "" {
		msg += fmt.Sprintf(", %s", e.Detail)
	}
	return msg
}

// IsTimeout reports whether err is an abort caused by the per-transaction deadline.
func IsTimeout(err error) bool {
	abort, ok := errors.Cause(err).(*AbortError)
	return ok && abort.Reason == AbortTimeout
}
