// Package store is the durable layer under the collection pipeline and
// the trading engine. One relational database holds all tables; the
// backend is chosen by DSN prefix, sqlite for single-node deployments and
// postgres for anything shared. Callers pass and receive pkg/types
// structs; the row models never leak past this package except for
// TaskRun and PaperBalance, which have no domain twin.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// ErrNotFound is returned by point lookups for absent rows.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle. Methods are safe for concurrent use;
// gorm pools connections underneath.
type Store struct {
	db     *gorm.DB
	cfg    config.StoreConfig
	logger *slog.Logger
}

// Open connects per the DSN prefix and migrates the schema.
// "sqlite:path/to.db" opens (and creates) a local file; "postgres://…"
// connects to a server. Anything else is rejected.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	var dial gorm.Dialector
	switch {
	case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "postgresql://"):
		dial = postgres.Open(cfg.DSN)
	case strings.HasPrefix(cfg.DSN, "sqlite:"):
		path := strings.TrimPrefix(cfg.DSN, "sqlite:")
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dial = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported dsn %q: want sqlite: or postgres:// prefix", cfg.DSN)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Market{}, &Snapshot{}, &Trade{}, &OrderbookSnapshot{},
		&TierTransition{}, &WhaleEvent{}, &TaskRun{},
		&Position{}, &Signal{}, &TradeDecision{}, &ExecutorTrade{},
		&PaperBalance{}, &StrategyBalance{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger = logger.With("component", "store")
	logger.Info("store opened", "backend", backendName(cfg.DSN))
	return &Store{db: db, cfg: cfg, logger: logger}, nil
}

func backendName(dsn string) string {
	if strings.HasPrefix(dsn, "sqlite:") {
		return "sqlite"
	}
	return "postgres"
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// SaveMarket upserts the full market row keyed by condition id. The
// registry owns field-level merge logic; this persists whatever it holds.
func (s *Store) SaveMarket(m *types.Market) error {
	row := marketRow(m)
	return s.db.Save(row).Error
}

// GetMarket loads one market by condition id.
func (s *Store) GetMarket(conditionID string) (*types.Market, error) {
	var row Market
	err := s.db.First(&row, "condition_id = ?", conditionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.domain(), nil
}

// LoadActiveMarkets returns every active market, the registry's boot set.
func (s *Store) LoadActiveMarkets() ([]*types.Market, error) {
	var rows []Market
	if err := s.db.Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Market, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// InsertSnapshot appends one observation. Snapshots are immutable; there
// is no update path.
func (s *Store) InsertSnapshot(snap *types.Snapshot) error {
	return s.db.Create(snapshotRow(snap)).Error
}

// LatestSnapshots returns each active market's most recent snapshot,
// keyed by condition id. IDs with no snapshots are simply absent.
func (s *Store) LatestSnapshots(conditionIDs []string) (map[string]*types.Snapshot, error) {
	if len(conditionIDs) == 0 {
		return map[string]*types.Snapshot{}, nil
	}
	sub := s.db.Model(&Snapshot{}).
		Select("MAX(id)").
		Where("condition_id IN ?", conditionIDs).
		Group("condition_id")

	var rows []Snapshot
	if err := s.db.Where("id IN (?)", sub).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*types.Snapshot, len(rows))
	for i := range rows {
		out[rows[i].ConditionID] = rows[i].domain()
	}
	return out, nil
}

// PriceHistory returns the market's last n snapshot prices, oldest first.
func (s *Store) PriceHistory(conditionID string, n int) ([]float64, error) {
	var rows []Snapshot
	err := s.db.Select("price").
		Where("condition_id = ?", conditionID).
		Order("timestamp DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = rows[i].Price
	}
	return out, nil
}

// SnapshotCount reports how many snapshots a market has accumulated.
func (s *Store) SnapshotCount(conditionID string) (int64, error) {
	var n int64
	err := s.db.Model(&Snapshot{}).Where("condition_id = ?", conditionID).Count(&n).Error
	return n, err
}

// ————————————————————————————————————————————————————————————————————————
// Trades, books, whale events
// ————————————————————————————————————————————————————————————————————————

// InsertTrades batch-appends streamed trades. The stream manager flushes
// its persistence queue through here.
func (s *Store) InsertTrades(trades []types.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([]*Trade, len(trades))
	for i := range trades {
		rows[i] = tradeRow(&trades[i])
	}
	return s.db.CreateInBatches(rows, 200).Error
}

// InsertWhaleEvent appends one whale-tier trade to the dedicated table.
func (s *Store) InsertWhaleEvent(t *types.Trade) error {
	return s.db.Create(&WhaleEvent{
		ConditionID: t.ConditionID,
		TokenID:     t.TokenID,
		Timestamp:   t.Timestamp,
		Side:        string(t.Side),
		Price:       t.Price,
		Size:        t.Size,
		WhaleTier:   t.WhaleTier,
	}).Error
}

// InsertBookSnapshot persists a fetched order book with its ladder.
func (s *Store) InsertBookSnapshot(conditionID string, book *types.OrderBook) error {
	return s.db.Create(bookRow(conditionID, book)).Error
}

// InsertTransition appends one tier-change audit row.
func (s *Store) InsertTransition(t *types.TierTransition) error {
	return s.db.Create(transitionRow(t)).Error
}

// Transitions returns a market's tier history, oldest first.
func (s *Store) Transitions(conditionID string) ([]types.TierTransition, error) {
	var rows []TierTransition
	err := s.db.Where("condition_id = ?", conditionID).Order("at ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.TierTransition, len(rows))
	for i, r := range rows {
		out[i] = types.TierTransition{
			ConditionID:  r.ConditionID,
			FromTier:     types.Tier(r.FromTier),
			ToTier:       types.Tier(r.ToTier),
			At:           r.At,
			HoursToClose: r.HoursToClose,
			Reason:       types.TransitionReason(r.Reason),
		}
	}
	return out, nil
}

// RecordTaskRun appends one collection-loop execution record.
func (s *Store) RecordTaskRun(run *TaskRun) error {
	return s.db.Create(run).Error
}

// LastTaskRun returns the most recent execution record for the named
// task, or ErrNotFound if it has never run.
func (s *Store) LastTaskRun(task string) (*TaskRun, error) {
	var run TaskRun
	err := s.db.Where("task = ?", task).Order("started_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ————————————————————————————————————————————————————————————————————————
// Retention
// ————————————————————————————————————————————————————————————————————————

// Prune deletes rows past their retention horizons. Books age with
// snapshots, whale events with trades. Markets, positions and the
// decision trail are never pruned.
func (s *Store) Prune(now time.Time) error {
	type job struct {
		model any
		col   string
		days  int
	}
	jobs := []job{
		{&Snapshot{}, "timestamp", s.cfg.SnapshotRetentionDays},
		{&OrderbookSnapshot{}, "timestamp", s.cfg.SnapshotRetentionDays},
		{&Trade{}, "timestamp", s.cfg.TradeRetentionDays},
		{&WhaleEvent{}, "timestamp", s.cfg.TradeRetentionDays},
		{&TaskRun{}, "started_at", s.cfg.TaskRunRetentionDays},
	}
	for _, j := range jobs {
		if j.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -j.days)
		res := s.db.Where(j.col+" < ?", cutoff).Delete(j.model)
		if res.Error != nil {
			return fmt.Errorf("prune %T: %w", j.model, res.Error)
		}
		if res.RowsAffected > 0 {
			s.logger.Info("pruned rows", "table", fmt.Sprintf("%T", j.model), "rows", res.RowsAffected, "cutoff", cutoff)
		}
	}
	return nil
}
