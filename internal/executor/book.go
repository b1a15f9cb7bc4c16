package executor

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyharvest/internal/store"
	"polyharvest/pkg/types"
)

// PositionBook is the in-memory set of open positions with write-through
// persistence. It is the risk gate's PositionView and the sole mutator
// of position rows: adds recompute the size-weighted entry, reductions
// realize P&L, a position leaves the book the moment it closes.
type PositionBook struct {
	st     *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	byID  map[string]*types.Position
	byKey map[string]string // strategy|market|token -> position id
}

func NewPositionBook(st *store.Store, logger *slog.Logger) *PositionBook {
	return &PositionBook{
		st:     st,
		logger: logger.With("component", "positions"),
		byID:   make(map[string]*types.Position),
		byKey:  make(map[string]string),
	}
}

// Load restores open positions after a restart.
func (b *PositionBook) Load() error {
	rows, err := b.st.OpenPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range rows {
		cp := *p
		b.byID[p.ID] = &cp
		b.byKey[posKey(p.Strategy, p.ConditionID, p.TokenID)] = p.ID
	}
	b.logger.Info("positions restored", "count", len(rows))
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// risk.PositionView
// ————————————————————————————————————————————————————————————————————————

func (b *PositionBook) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

func (b *PositionBook) TotalExposure() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, p := range b.byID {
		total = total.Add(p.CostBasis)
	}
	return total
}

func (b *PositionBook) HasOpen(strategy, conditionID, tokenID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byKey[posKey(strategy, conditionID, tokenID)]
	return ok
}

// ————————————————————————————————————————————————————————————————————————
// Mutations
// ————————————————————————————————————————————————————————————————————————

// ApplyFill opens a position from an entry fill, or adds to the existing
// one on the same (strategy, market, token): cost basis accumulates and
// the entry price becomes the size-weighted mean.
func (b *PositionBook) ApplyFill(strategy string, side types.TokenSide, fill *types.Fill) (*types.Position, error) {
	if !fill.Shares.IsPositive() {
		return nil, fmt.Errorf("fill %s has no shares", fill.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := posKey(strategy, fill.ConditionID, fill.TokenID)
	if id, ok := b.byKey[key]; ok {
		p := b.byID[id]
		p.SizeShares = p.SizeShares.Add(fill.Shares)
		p.CostBasis = p.CostBasis.Add(fill.Cost)
		p.AvgEntryPrice = p.CostBasis.Div(p.SizeShares)
		b.persistLocked(p)
		cp := *p
		return &cp, nil
	}

	p := &types.Position{
		ID:            uuid.New().String(),
		Strategy:      strategy,
		ConditionID:   fill.ConditionID,
		TokenID:       fill.TokenID,
		TokenSide:     side,
		AvgEntryPrice: fill.Price,
		SizeShares:    fill.Shares,
		CostBasis:     fill.Cost,
		CurrentPrice:  fill.Price,
		Status:        types.PositionOpen,
		OpenedAt:      fill.Timestamp,
		Paper:         fill.Paper,
	}
	b.byID[p.ID] = p
	b.byKey[key] = p.ID
	b.persistLocked(p)
	cp := *p
	return &cp, nil
}

// Reduce sells shares out of a position and realizes P&L on the portion
// sold: proceeds − fees − the proportional slice of cost basis. A full
// reduction closes the position and drops it from the book.
func (b *PositionBook) Reduce(positionID string, shares, proceeds, fees decimal.Decimal, at time.Time) (*types.Position, decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byID[positionID]
	if !ok {
		return nil, decimal.Zero, fmt.Errorf("position %s not open", positionID)
	}
	if shares.GreaterThan(p.SizeShares) {
		return nil, decimal.Zero, fmt.Errorf("position %s: reduce %s exceeds size %s",
			positionID, shares, p.SizeShares)
	}

	costSlice := p.CostBasis.Mul(shares).Div(p.SizeShares)
	realized := proceeds.Sub(fees).Sub(costSlice)

	p.SizeShares = p.SizeShares.Sub(shares)
	p.CostBasis = p.CostBasis.Sub(costSlice)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	if p.SizeShares.IsZero() {
		p.Status = types.PositionClosed
		p.ClosedAt = at
		p.UnrealizedPnL = decimal.Zero
		delete(b.byID, p.ID)
		delete(b.byKey, posKey(p.Strategy, p.ConditionID, p.TokenID))
	} else {
		p.Status = types.PositionPartial
	}
	b.persistLocked(p)
	cp := *p
	return &cp, realized, nil
}

// Mark refreshes the side-adjusted mark and unrealized P&L for every
// position in a market. yesPrice is the market's current YES price.
func (b *PositionBook) Mark(conditionID string, yesPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.byID {
		if p.ConditionID != conditionID {
			continue
		}
		mark := yesPrice
		if p.TokenSide == types.TokenNO {
			mark = 1 - yesPrice
		}
		p.CurrentPrice = decimal.NewFromFloat(mark)
		p.UnrealizedPnL = p.CurrentPrice.Mul(p.SizeShares).Sub(p.CostBasis)
	}
}

// Get returns a copy of one open position.
func (b *PositionBook) Get(id string) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byID[id]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Open returns copies of all open positions, ordered by open time.
func (b *PositionBook) Open() []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Position, 0, len(b.byID))
	for _, p := range b.byID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ForMarket returns copies of a market's open positions.
func (b *PositionBook) ForMarket(conditionID string) []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Position
	for _, p := range b.byID {
		if p.ConditionID == conditionID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// UnrealizedByStrategy sums open mark-to-market P&L per strategy for the
// wallet refresh.
func (b *PositionBook) UnrealizedByStrategy() map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, p := range b.byID {
		out[p.Strategy] = out[p.Strategy].Add(p.UnrealizedPnL)
	}
	return out
}

func (b *PositionBook) persistLocked(p *types.Position) {
	if err := b.st.SavePosition(p); err != nil {
		b.logger.Error("position persist failed", "position", p.ID, "error", err)
	}
}

func posKey(strategy, conditionID, tokenID string) string {
	return strategy + "|" + conditionID + "|" + tokenID
}
