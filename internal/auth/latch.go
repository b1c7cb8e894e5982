// Package auth implements the server-side authentication latch: a
// single-shot observable that gates relayed traffic on a TUIC connection
// until the peer's AUTHENTICATE command has been accepted.
//
// The latch is an atomic uuid cell plus a channel closed exactly once on
// first Set, Go's idiom for broadcasting a one-time event: every waiter
// that read the channel reference before the close wakes up, and every
// waiter arriving after the close observes it as already-closed and never
// blocks. That avoids any window where a concurrent Set and Wait could
// race such that Set completes but Wait parks forever.
package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Latch is one per inbound QUIC connection on the server. Its zero value is
// not usable; construct with New.
type Latch struct {
	log *slog.Logger

	mu     sync.Mutex
	uuid   uuid.UUID
	isSet  bool
	notify chan struct{}
}

// New creates an unset Latch. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Latch {
	if log == nil {
		log = slog.Default()
	}
	return &Latch{
		log:    log,
		notify: make(chan struct{}),
	}
}

// Set installs the uuid and wakes every current and future Wait caller.
// Per spec §4.6, a second Set is a logged protocol violation, not an error:
// the first uuid wins and is never overwritten.
func (l *Latch) Set(u uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isSet {
		l.log.Warn("duplicate AUTHENTICATE received after auth already succeeded",
			"existing_uuid", l.uuid, "duplicate_uuid", u)
		return
	}

	l.uuid = u
	l.isSet = true
	close(l.notify)
}

// Wait blocks until Set has been called at least once, or ctx is done.
// Returns immediately, without blocking, if already set.
func (l *Latch) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.isSet {
		l.mu.Unlock()
		return nil
	}
	ch := l.notify
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a nonblocking snapshot: the uuid and true if Set has already
// been called, or the zero uuid and false otherwise.
func (l *Latch) Get() (uuid.UUID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uuid, l.isSet
}

// String renders the uuid, or "unauthenticated" before the first Set.
func (l *Latch) String() string {
	u, ok := l.Get()
	if !ok {
		return "unauthenticated"
	}
	return u.String()
}
