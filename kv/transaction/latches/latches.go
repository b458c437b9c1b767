package latches

import (
	"sync"
)

// Latching protects the working snapshot of a batch while an independent set executes. Transactions of one set
// are provably independent, so none of them should ever find an account latched by another. The executor treats
// such a collision as a scheduling fault instead of waiting.
//
// A latch is a per-account lock. Only one transaction can hold a latch at a time and all accounts a transaction
// might write must be latched at once.
//
// Latching is implemented using a single map which maps accounts to the id of the transaction holding them. Access
// to this map is guarded by a mutex to ensure that latching is atomic and consistent.

type Latches struct {
	// Before writing an account, a transaction must hold the latch for that account. `latchMap` maps each latched
	// account to its holder.
	latchMap map[string]string
	// Mutex to guard latchMap. A thread must hold this mutex while it makes any change to latchMap.
	latchGuard sync.Mutex
	// An optional validation function, only used for testing.
	Validation func(txID string, accounts []string)
}

// NewLatches creates a new Latches object. One object is shared between all workers of a batch.
func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[string]string)
	return l
}

// AcquireLatches tries to lock all latches specified by accounts on behalf of txID. If this succeeds, true is
// returned. If any of the accounts are locked, nothing is latched and AcquireLatches returns false together with
// the holder of the first locked account.
func (l *Latches) AcquireLatches(txID string, accounts []string) (bool, string) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, acct := range accounts {
		if holder, ok := l.latchMap[acct]; ok {
			return false, holder
		}
	}
	for _, acct := range accounts {
		l.latchMap[acct] = txID
	}
	return true, ""
}

// ReleaseLatches releases the latches for all accounts. All accounts must have been locked together in one call to
// AcquireLatches.
func (l *Latches) ReleaseLatches(accounts []string) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, acct := range accounts {
		delete(l.latchMap, acct)
	}
}

// Validate calls the function in Validation, if it exists.
func (l *Latches) Validate(txID string, latched []string) {
	if l.Validation != nil {
		l.Validation(txID, latched)
	}
}
