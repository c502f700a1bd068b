// internal/position/position.go
package position

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a position. Exactly one holds at any time.
type Status string

const (
	StatusOpening         Status = "opening"
	StatusActive          Status = "active"
	StatusPartiallyClosed Status = "partially_closed"
	StatusClosed          Status = "closed"
	StatusStoppedOut      Status = "stopped_out"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusStoppedOut
}

// Sell reasons recorded on the sell log.
const (
	ReasonTier     = "tier"
	ReasonStopLoss = "stop_loss"
	ReasonManual   = "manual"
)

// quantityEpsilonFrac bounds rounding drift when reconciling quantities.
// A position whose remainder falls below this fraction of the original
// quantity is considered fully closed.
const quantityEpsilonFrac = 1e-6

// Tier is one rung of the profit-taking ladder.
type Tier struct {
	PriceMultiplier        float64
	CumulativeSellFraction float64
}

// Ladder is the profit-taking schedule plus the stop-loss bound. It is
// configuration and never mutated at runtime.
type Ladder struct {
	Tiers              []Tier
	StopLossMultiplier float64
}

// Sell is one executed sale out of a position. TierIndex is nil for
// stop-loss and manual sells.
type Sell struct {
	Timestamp   time.Time
	Quantity    float64
	ProceedsSOL float64
	TierIndex   *int
	Reason      string
	TxSignature string
}

// Position is the registry's record of an open or closed holding.
type Position struct {
	ID                string
	TokenMint         string
	EntryPriceUSD     float64
	OriginalQuantity  float64
	RemainingQuantity float64
	InvestedAmountSOL float64
	Sells             []Sell
	ExecutedTiers     map[int]bool
	Status            Status
	CreatedAt         time.Time
	ClosedAt          time.Time
}

// Epsilon returns the quantity below which the position counts as empty.
func (p *Position) Epsilon() float64 {
	return p.OriginalQuantity * quantityEpsilonFrac
}

// MaxExecutedCumulativeFraction returns the highest cumulative sell
// fraction already realized through the ladder.
func (p *Position) MaxExecutedCumulativeFraction(ladder *Ladder) float64 {
	maxFrac := 0.0
	for idx := range p.ExecutedTiers {
		if idx >= 0 && idx < len(ladder.Tiers) {
			if frac := ladder.Tiers[idx].CumulativeSellFraction; frac > maxFrac {
				maxFrac = frac
			}
		}
	}
	return maxFrac
}

// NextPendingTier returns the lowest ladder tier not yet executed, or -1
// when the ladder is exhausted. Tiers are always serviced in ascending
// order so a single price jump never skips a rung.
func (p *Position) NextPendingTier(ladder *Ladder) int {
	for i := range ladder.Tiers {
		if !p.ExecutedTiers[i] {
			return i
		}
	}
	return -1
}

// CheckInvariant verifies remaining + sold == original within epsilon.
func (p *Position) CheckInvariant() error {
	sold := 0.0
	for _, s := range p.Sells {
		sold += s.Quantity
	}
	diff := p.OriginalQuantity - (p.RemainingQuantity + sold)
	if diff < 0 {
		diff = -diff
	}
	if diff > p.Epsilon() {
		return fmt.Errorf("position %s: quantity mismatch: original=%f remaining=%f sold=%f",
			p.ID, p.OriginalQuantity, p.RemainingQuantity, sold)
	}
	if p.RemainingQuantity < -p.Epsilon() {
		return fmt.Errorf("position %s: negative remaining quantity %f", p.ID, p.RemainingQuantity)
	}
	return nil
}

// clone returns a deep copy safe to hand to callers outside the
// registry's lock.
func (p *Position) clone() *Position {
	cp := *p
	cp.Sells = make([]Sell, len(p.Sells))
	copy(cp.Sells, p.Sells)
	cp.ExecutedTiers = make(map[int]bool, len(p.ExecutedTiers))
	for k, v := range p.ExecutedTiers {
		cp.ExecutedTiers[k] = v
	}
	return &cp
}

// ExecutedTierIndices returns the executed tier indices in ascending order.
func (p *Position) ExecutedTierIndices() []int {
	indices := make([]int, 0, len(p.ExecutedTiers))
	for idx := range p.ExecutedTiers {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}
