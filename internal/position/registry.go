// internal/position/registry.go
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Archiver persists positions that reached a terminal state. The
// registry keeps working when no archiver is configured.
type Archiver interface {
	SaveClosed(ctx context.Context, pos *Position) error
}

// Registry is the single source of truth for all positions. Every
// mutation funnels through it so the quantity invariant is enforced in
// one place; direct map access from other packages is never exposed.
//
// Lock order is strictly r.mu before entry.mu. No method acquires r.mu
// while holding an entry lock.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*entry
	reserved int
	closed   []*Position
	logger   *zap.Logger
	store    Archiver
}

// entry pairs a position with its own mutex. Per-position locking gives
// the single-writer discipline: a manual sell and a monitor tick can
// never race on the same position.
type entry struct {
	mu  sync.Mutex
	pos *Position
}

func NewRegistry(logger *zap.Logger, store Archiver) *Registry {
	return &Registry{
		active: make(map[string]*entry),
		logger: logger.Named("registry"),
		store:  store,
	}
}

// Reserve claims an admission slot against the position cap, counting
// open positions and in-flight buys together so concurrent admissions
// cannot overshoot the cap. A successful reservation is consumed by
// Open or returned with Release.
func (r *Registry) Reserve(maxActive int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active)+r.reserved >= maxActive {
		return false
	}
	r.reserved++
	return true
}

// Release returns an unconsumed reservation after a rejected candidate
// or a failed buy.
func (r *Registry) Release() {
	r.mu.Lock()
	if r.reserved > 0 {
		r.reserved--
	}
	r.mu.Unlock()
}

// Open creates a position from a confirmed buy, consuming the caller's
// capacity reservation if one is held. The position enters Active
// immediately; Opening only exists between buy confirmation and
// registration, which happens inside this call.
func (r *Registry) Open(tokenMint string, entryPriceUSD, quantity, investedSOL float64) (*Position, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("cannot open position with quantity %f", quantity)
	}
	if entryPriceUSD <= 0 {
		return nil, fmt.Errorf("cannot open position with entry price %f", entryPriceUSD)
	}

	pos := &Position{
		ID:                uuid.New().String(),
		TokenMint:         tokenMint,
		EntryPriceUSD:     entryPriceUSD,
		OriginalQuantity:  quantity,
		RemainingQuantity: quantity,
		InvestedAmountSOL: investedSOL,
		ExecutedTiers:     make(map[int]bool),
		Status:            StatusActive,
		CreatedAt:         time.Now(),
	}

	r.mu.Lock()
	if r.reserved > 0 {
		r.reserved--
	}
	r.active[pos.ID] = &entry{pos: pos}
	r.mu.Unlock()

	r.logger.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("mint", tokenMint),
		zap.Float64("entry_price_usd", entryPriceUSD),
		zap.Float64("quantity", quantity),
		zap.Float64("invested_sol", investedSOL))

	return pos.clone(), nil
}

// ApplySell records a confirmed sell against a position. tierIndex is
// nil for stop-loss and manual sells. On any validation failure the
// position is left unchanged.
func (r *Registry) ApplySell(id string, quantity, proceedsSOL float64, tierIndex *int, reason, txSignature string) (*Position, error) {
	r.mu.RLock()
	e, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("position %s not found", id)
	}

	updated, err := e.applySell(quantity, proceedsSOL, tierIndex, reason, txSignature)
	if err != nil {
		return nil, err
	}

	r.logger.Info("sell applied",
		zap.String("position_id", id),
		zap.String("reason", reason),
		zap.Float64("quantity", quantity),
		zap.Float64("proceeds_sol", proceedsSOL),
		zap.Float64("remaining", updated.RemainingQuantity),
		zap.String("status", string(updated.Status)))

	// retire runs after the entry lock is dropped, so r.mu is never
	// acquired while an entry lock is held. The terminal-status check
	// inside applySell guarantees exactly one caller reaches this point
	// per position.
	if updated.Status.Terminal() {
		r.retire(e.pos)
	}

	return updated, nil
}

// applySell validates and applies one sell under the entry lock,
// returning a copy of the updated position.
func (e *entry) applySell(quantity, proceedsSOL float64, tierIndex *int, reason, txSignature string) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	if pos.Status.Terminal() {
		return nil, fmt.Errorf("position %s is already %s", pos.ID, pos.Status)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("position %s: sell quantity %f is not positive", pos.ID, quantity)
	}
	if quantity > pos.RemainingQuantity+pos.Epsilon() {
		return nil, fmt.Errorf("position %s: sell quantity %f exceeds remaining %f", pos.ID, quantity, pos.RemainingQuantity)
	}
	if tierIndex != nil && pos.ExecutedTiers[*tierIndex] {
		return nil, fmt.Errorf("position %s: tier %d already executed", pos.ID, *tierIndex)
	}

	pos.RemainingQuantity -= quantity
	if pos.RemainingQuantity < 0 {
		pos.RemainingQuantity = 0
	}
	pos.Sells = append(pos.Sells, Sell{
		Timestamp:   time.Now(),
		Quantity:    quantity,
		ProceedsSOL: proceedsSOL,
		TierIndex:   tierIndex,
		Reason:      reason,
		TxSignature: txSignature,
	})
	if tierIndex != nil {
		pos.ExecutedTiers[*tierIndex] = true
	}

	if pos.RemainingQuantity <= pos.Epsilon() {
		pos.RemainingQuantity = 0
		if reason == ReasonStopLoss {
			pos.Status = StatusStoppedOut
		} else {
			pos.Status = StatusClosed
		}
		pos.ClosedAt = time.Now()
	} else {
		pos.Status = StatusPartiallyClosed
	}

	if err := pos.CheckInvariant(); err != nil {
		// Should be unreachable given the checks above.
		return nil, err
	}

	return pos.clone(), nil
}

// retire moves a terminal position from the active set to the closed
// log and hands it to the archiver. Called without any entry lock held;
// the position is terminal by now and no longer mutated.
func (r *Registry) retire(pos *Position) {
	r.mu.Lock()
	delete(r.active, pos.ID)
	r.closed = append(r.closed, pos)
	r.mu.Unlock()

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.SaveClosed(ctx, pos.clone()); err != nil {
			r.logger.Error("failed to archive closed position",
				zap.String("position_id", pos.ID),
				zap.Error(err))
		}
	}
}

// Get returns a copy of the position, searching active then closed.
func (r *Registry) Get(id string) (*Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.active[id]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.pos.clone(), true
	}
	for _, pos := range r.closed {
		if pos.ID == id {
			return pos.clone(), true
		}
	}
	return nil, false
}

// ListActive returns copies of all non-terminal positions.
func (r *Registry) ListActive() []*Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Position, 0, len(r.active))
	for _, e := range r.active {
		e.mu.Lock()
		out = append(out, e.pos.clone())
		e.mu.Unlock()
	}
	return out
}

// ListClosed returns copies of all terminal positions.
func (r *Registry) ListClosed() []*Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Position, 0, len(r.closed))
	for _, pos := range r.closed {
		out = append(out, pos.clone())
	}
	return out
}

// ActiveCount returns the number of open positions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
