// Package ledger tracks in-flight commitments against the faucet's shared, finite resources so that concurrent
// requests cannot overcommit the on-chain balance, lightning liquidity or channel slots.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a shared resource pool guarded by the ledger.
type Kind string

// Resource kinds.
const (
	Onchain       Kind = "onchain"        // spendable on-chain sats
	LightningSend Kind = "lightning-send" // outbound lightning liquidity, sats
	LightningRecv Kind = "lightning-recv" // outstanding invoiced sats
	ChannelSlot   Kind = "channel-slot"   // channel-open slots, counted
)

// State of a reservation. A reservation starts Held and ends in exactly one of Committed or Released.
type State int

const (
	Held State = iota
	Committed
	Released
)

func (s State) String() string {
	switch s {
	case Held:
		return "held"
	case Committed:
		return "committed"
	case Released:
		return "released"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Errors returned.
var (
	ErrInsufficientCapacity = errors.New("insufficient capacity for resource kind")
	ErrUnknownKind          = errors.New("unknown resource kind")
	ErrNotFound             = errors.New("reservation not found")
	ErrResolved             = errors.New("reservation already resolved to the opposite state")
)

// Reservation is a ledger entry: a provisional (Held) or final (Committed/Released) claim of Amount units of Kind,
// made on behalf of the request identified by RequestID.
type Reservation struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Kind      Kind      `json:"kind"`
	Amount    uint64    `json:"amount"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger holds the capacity caps and all reservations. All mutations take the ledger mutex, so concurrent Reserve
// calls are totally ordered and the sum of Held+Committed amounts per kind never exceeds the cap at any point in
// that order. Callers must not hold the ledger across a backend call; every operation here returns immediately.
type Ledger struct {
	mu   sync.Mutex
	caps map[Kind]uint64
	res  map[string]*Reservation
	now  func() time.Time
}

// New returns a ledger enforcing the given caps. Kinds missing from the map cannot be reserved at all.
func New(caps map[Kind]uint64) *Ledger {
	c := make(map[Kind]uint64, len(caps))
	for k, v := range caps {
		c[k] = v
	}

	return &Ledger{
		caps: c,
		res:  make(map[string]*Reservation),
		now:  time.Now,
	}
}

// Reserve atomically claims amount units of kind for the given request. It fails fast with
// ErrInsufficientCapacity when the claim would push the Held+Committed sum over the cap; it never blocks waiting
// for capacity.
func (l *Ledger) Reserve(kind Kind, amount uint64, requestID string) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.caps[kind]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if l.outstanding(kind)+amount > limit {
		return Reservation{}, fmt.Errorf("%w: %s", ErrInsufficientCapacity, kind)
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Kind:      kind,
		Amount:    amount,
		State:     Held,
		CreatedAt: l.now(),
	}
	l.res[r.ID] = r

	return *r, nil
}

// Commit moves a Held reservation to Committed, permanently consuming its capacity. Committing an already
// committed reservation is a no-op; committing a released one returns ErrResolved.
func (l *Ledger) Commit(id string) error {
	return l.finish(id, Committed)
}

// Release moves a Held reservation to Released, returning its capacity to the pool. Releasing an already released
// reservation is a no-op; releasing a committed one returns ErrResolved.
func (l *Ledger) Release(id string) error {
	return l.finish(id, Released)
}

func (l *Ledger) finish(id string, target State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.res[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch r.State {
	case Held:
		r.State = target

		return nil
	case target:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrResolved, id, r.State)
	}
}

// Resolve applies a reconciliation verdict: commit when the backend confirms the operation happened, release when
// it confirms it did not. Resolving a reservation that is no longer Held is a no-op, so repeated reconciliation
// passes are harmless. It reports whether this call performed the transition.
func (l *Ledger) Resolve(id string, committed bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.res[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if r.State != Held {
		return false, nil
	}

	if committed {
		r.State = Committed
	} else {
		r.State = Released
	}

	return true, nil
}

// Get returns a copy of the reservation with the given id.
func (l *Ledger) Get(id string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.res[id]
	if !ok {
		return Reservation{}, false
	}

	return *r, true
}

// Outstanding returns the Held+Committed sum for the kind.
func (l *Ledger) Outstanding(kind Kind) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.outstanding(kind)
}

// outstanding must be called with the ledger locked.
func (l *Ledger) outstanding(kind Kind) (sum uint64) {
	for _, r := range l.res {
		if r.Kind == kind && r.State != Released {
			sum += r.Amount
		}
	}

	return sum
}

// HeldSince returns copies of all reservations that have been Held for at least age. The reconciliation sweeper
// uses it to find reservations stuck by ambiguous backend outcomes.
func (l *Ledger) HeldSince(age time.Duration) []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-age)

	var stale []Reservation

	for _, r := range l.res {
		if r.State == Held && !r.CreatedAt.After(cutoff) {
			stale = append(stale, *r)
		}
	}

	return stale
}

// Restore re-registers a reservation loaded from the journal at startup. It bypasses the cap check: the
// reservation reflects capacity that is already claimed in the outside world, whether we like the sum or not.
func (l *Ledger) Restore(r Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.caps[r.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, r.Kind)
	}

	cp := r
	l.res[r.ID] = &cp

	return nil
}
