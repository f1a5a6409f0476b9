package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBusy = errors.New("call already in progress between these users")

type CallState int

const (
	CallRequested CallState = iota
	CallAccepted
	CallRejected
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallRequested:
		return "requested"
	case CallAccepted:
		return "accepted"
	case CallRejected:
		return "rejected"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CallAttempt is one call negotiation between two users.
type CallAttempt struct {
	ID         string
	CallerID   string
	ReceiverID string
	State      CallState
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero when ringing never times out
}

// Peer returns the other party of the attempt.
func (a CallAttempt) Peer(userID string) string {
	if userID == a.CallerID {
		return a.ReceiverID
	}
	return a.CallerID
}

type pairKey struct{ lo, hi string }

func makePair(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// CallTable tracks at most one active attempt per unordered user pair.
// Rejected and ended attempts are removed immediately.
type CallTable struct {
	mu      sync.Mutex
	calls   map[pairKey]*CallAttempt
	timeout time.Duration
	now     func() time.Time
}

// NewCallTable creates a table whose Requested attempts expire after
// ringTimeout; zero disables expiry.
func NewCallTable(ringTimeout time.Duration) *CallTable {
	return &CallTable{
		calls:   make(map[pairKey]*CallAttempt),
		timeout: ringTimeout,
		now:     time.Now,
	}
}

// Request opens an attempt from caller to receiver. It fails with ErrBusy while
// another attempt for the pair is requested or accepted.
func (t *CallTable) Request(callerID, receiverID string) (CallAttempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := makePair(callerID, receiverID)
	if cur, ok := t.calls[key]; ok {
		return *cur, ErrBusy
	}

	now := t.now()
	attempt := &CallAttempt{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		State:      CallRequested,
		CreatedAt:  now,
	}
	if t.timeout > 0 {
		attempt.ExpiresAt = now.Add(t.timeout)
	}
	t.calls[key] = attempt
	return *attempt, nil
}

// Respond records the receiver's answer. The returned attempt carries the new
// state; ok is false when no requested attempt existed for the pair.
func (t *CallTable) Respond(callerID, receiverID string, accepted bool) (CallAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := makePair(callerID, receiverID)
	cur, ok := t.calls[key]
	if !ok || cur.State != CallRequested {
		return CallAttempt{}, false
	}
	if accepted {
		cur.State = CallAccepted
		cur.ExpiresAt = time.Time{}
		return *cur, true
	}
	cur.State = CallRejected
	delete(t.calls, key)
	return *cur, true
}

// End discards the pair's attempt, if any.
func (t *CallTable) End(a, b string) (CallAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := makePair(a, b)
	cur, ok := t.calls[key]
	if !ok {
		return CallAttempt{}, false
	}
	delete(t.calls, key)
	cur.State = CallEnded
	return *cur, true
}

// EndUser discards every attempt involving userID.
func (t *CallTable) EndUser(userID string) []CallAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ended []CallAttempt
	for key, cur := range t.calls {
		if key.lo != userID && key.hi != userID {
			continue
		}
		delete(t.calls, key)
		cur.State = CallEnded
		ended = append(ended, *cur)
	}
	return ended
}

func (t *CallTable) Get(a, b string) (CallAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.calls[makePair(a, b)]
	if !ok {
		return CallAttempt{}, false
	}
	return *cur, true
}

// Active returns the open attempts ordered by creation time.
func (t *CallTable) Active() []CallAttempt {
	t.mu.Lock()
	out := make([]CallAttempt, 0, len(t.calls))
	for _, cur := range t.calls {
		out = append(out, *cur)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// CleanExpired ends every requested attempt whose ring timeout passed.
func (t *CallTable) CleanExpired(now time.Time) []CallAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []CallAttempt
	for key, cur := range t.calls {
		if cur.State != CallRequested || cur.ExpiresAt.IsZero() || now.Before(cur.ExpiresAt) {
			continue
		}
		delete(t.calls, key)
		cur.State = CallEnded
		expired = append(expired, *cur)
	}
	return expired
}

// RunCleanup calls CleanExpired every interval and hands expired attempts to fn
// until ctx is done.
func (t *CallTable) RunCleanup(ctx context.Context, interval time.Duration, fn func(CallAttempt)) {
	if t.timeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, attempt := range t.CleanExpired(now) {
				fn(attempt)
			}
		}
	}
}

// CleanupInterval picks a sweep period fine enough for the ring timeout.
func CleanupInterval(ringTimeout time.Duration) time.Duration {
	interval := ringTimeout / 10
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}
