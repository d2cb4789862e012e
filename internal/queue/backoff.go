package queue

import (
	"fmt"
	"time"

	"github.com/uesteibar/ralphd/internal/store"
)

// Breaker is the per-repo label-write circuit breaker. Label writes are the
// most rate-limit-prone path, so they get their own cutoff persisted in the
// store, separate from the global rate-limit plan.
type Breaker struct {
	store *store.Store
}

// NewBreaker builds a breaker over the store.
func NewBreaker(st *store.Store) *Breaker {
	return &Breaker{store: st}
}

// CanAttempt reports whether label writes to the repo are allowed at now.
func (b *Breaker) CanAttempt(repo string, now time.Time) (bool, error) {
	st, err := b.store.GetLabelWriteState(repo)
	if err != nil {
		return false, err
	}
	return now.UnixMilli() >= st.BlockedUntilMs, nil
}

// BlockedUntil returns when writes to the repo unblock; zero when open.
func (b *Breaker) BlockedUntil(repo string) (time.Time, error) {
	st, err := b.store.GetLabelWriteState(repo)
	if err != nil {
		return time.Time{}, err
	}
	if st.BlockedUntilMs == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(st.BlockedUntilMs), nil
}

// Trip blocks label writes to the repo until the given time.
func (b *Breaker) Trip(repo string, until time.Time, cause error) error {
	st := store.LabelWriteState{BlockedUntilMs: until.UnixMilli()}
	if cause != nil {
		st.LastError = cause.Error()
	}
	if err := b.store.SetLabelWriteState(repo, st); err != nil {
		return fmt.Errorf("tripping label-write breaker for %s: %w", repo, err)
	}
	return nil
}

// Clear reopens the circuit after a successful write.
func (b *Breaker) Clear(repo string) error {
	if err := b.store.SetLabelWriteState(repo, store.LabelWriteState{}); err != nil {
		return fmt.Errorf("clearing label-write breaker for %s: %w", repo, err)
	}
	return nil
}
