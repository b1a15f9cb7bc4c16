package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"polyharvest/pkg/types"
)

// Trading-side tables: positions, the signal/decision/fill audit trail,
// and wallet balances. Signals, decisions and fills are append-only;
// positions and balances are upserted as their state evolves.

// SavePosition upserts a position row keyed by its id.
func (s *Store) SavePosition(p *types.Position) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(positionRow(p)).Error
}

// GetPosition loads one position by id.
func (s *Store) GetPosition(id string) (*types.Position, error) {
	var row Position
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.domain(), nil
}

// OpenPositions returns every position not yet closed, the executor's
// boot set.
func (s *Store) OpenPositions() ([]*types.Position, error) {
	var rows []Position
	err := s.db.Where("status <> ?", string(types.PositionClosed)).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Position, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, nil
}

// PositionsForMarket returns a market's open positions, used at
// settlement.
func (s *Store) PositionsForMarket(conditionID string) ([]*types.Position, error) {
	var rows []Position
	err := s.db.
		Where("condition_id = ? AND status <> ?", conditionID, string(types.PositionClosed)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Position, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, nil
}

// InsertSignal appends one strategy signal.
func (s *Store) InsertSignal(sig *types.Signal) error {
	return s.db.Create(signalRow(sig)).Error
}

// InsertDecision appends one risk-gate verdict.
func (s *Store) InsertDecision(d *types.TradeDecision) error {
	return s.db.Create(decisionRow(d)).Error
}

// InsertFill appends one executed fill bound to its strategy and position.
func (s *Store) InsertFill(f *types.Fill, strategy, positionID string) error {
	return s.db.Create(fillRow(f, strategy, positionID)).Error
}

// SaveWallet upserts one strategy's balance row.
func (s *Store) SaveWallet(w *types.Wallet) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(walletRow(w)).Error
}

// LoadWallets returns all persisted strategy balances.
func (s *Store) LoadWallets() ([]*types.Wallet, error) {
	var rows []StrategyBalance
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Wallet, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, nil
}

// InsertPaperBalance appends one equity-curve point.
func (s *Store) InsertPaperBalance(b *PaperBalance) error {
	return s.db.Create(b).Error
}

// LastPaperBalance returns the newest equity-curve point, ErrNotFound
// before the first snapshot.
func (s *Store) LastPaperBalance() (*PaperBalance, error) {
	var b PaperBalance
	err := s.db.Order("snapshot_at DESC").First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
