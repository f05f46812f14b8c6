package envelope

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStepOrdering means a commit would break the dense step sequence of a
// scope. The scope is halted until an operator resets it.
var ErrStepOrdering = errors.New("envelope: step ordering violated")

// ScopeKey identifies one step sequence.
type ScopeKey struct {
	RepoID    string
	BranchID  string
	ScopeType string
}

func (k ScopeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.RepoID, k.BranchID, k.ScopeType)
}

// StepOrderingError carries the scope and the offending step.
type StepOrderingError struct {
	Scope    ScopeKey
	Last     int64
	Attempt  int64
	Expected int64
}

func (e *StepOrderingError) Error() string {
	return fmt.Sprintf("%v: scope %s last=%d attempted=%d expected=%d",
		ErrStepOrdering, e.Scope, e.Last, e.Attempt, e.Expected)
}

func (e *StepOrderingError) Unwrap() error { return ErrStepOrdering }

// StepCounter is the client-side cache of the last confirmed step per
// scope. Next only peeks; the cache moves forward in Commit, after the
// anchoring write for that step is confirmed. A failed write therefore
// leaves the same step available for the retry.
type StepCounter struct {
	mu     sync.Mutex
	last   map[ScopeKey]int64
	halted map[ScopeKey]*StepOrderingError
	locks  map[ScopeKey]*sync.Mutex
}

func NewStepCounter() *StepCounter {
	return &StepCounter{
		last:   make(map[ScopeKey]int64),
		halted: make(map[ScopeKey]*StepOrderingError),
		locks:  make(map[ScopeKey]*sync.Mutex),
	}
}

// Lock serializes build -> anchor -> commit for one scope. The returned
// function releases it.
func (c *StepCounter) Lock(key ScopeKey) func() {
	c.mu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	c.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Next returns the step the next envelope for key should carry.
func (c *StepCounter) Next(key ScopeKey) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.halted[key]; err != nil {
		return 0, err
	}
	return c.last[key] + 1, nil
}

// Commit confirms that step was durably anchored. Anything other than
// last+1 halts the scope.
func (c *StepCounter) Commit(key ScopeKey, step int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.halted[key]; err != nil {
		return err
	}
	expected := c.last[key] + 1
	if step != expected {
		err := &StepOrderingError{Scope: key, Last: c.last[key], Attempt: step, Expected: expected}
		c.halted[key] = err
		return err
	}
	c.last[key] = step
	return nil
}

// Sync primes the cache from the store's view (current_step query). It
// only moves forward: a store reporting an older step than what this
// process already committed is a corruption signal and halts the scope.
func (c *StepCounter) Sync(key ScopeKey, nextStep int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.halted[key]; err != nil {
		return err
	}
	last := nextStep - 1
	if last < c.last[key] {
		err := &StepOrderingError{Scope: key, Last: c.last[key], Attempt: nextStep, Expected: c.last[key] + 1}
		c.halted[key] = err
		return err
	}
	c.last[key] = last
	return nil
}

// Last returns the last committed step (0 when none).
func (c *StepCounter) Last(key ScopeKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[key]
}

// Halted returns the error that halted key, or nil.
func (c *StepCounter) Halted(key ScopeKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.halted[key]; err != nil {
		return err
	}
	return nil
}

// Reset is the operator escape hatch: it clears a halt and sets the last
// committed step.
func (c *StepCounter) Reset(key ScopeKey, last int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.halted, key)
	c.last[key] = last
}

// Snapshot returns a copy of all confirmed steps.
func (c *StepCounter) Snapshot() map[ScopeKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ScopeKey]int64, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}
