package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"polyharvest/pkg/types"
)

// Row models, one per persisted table. Columns mirror the domain structs
// in pkg/types; conversions live next to each model so the mapping stays
// in one place. Money columns are decimals, never floats.

// Market is the registry's durable copy of one tracked market.
type Market struct {
	ConditionID string `gorm:"primaryKey"`
	Slug        string
	Question    string
	YesTokenID  string
	NoTokenID   string
	EndDate     time.Time
	Category    string

	FirstPrice     *float64
	FirstVolume    *float64
	FirstLiquidity *float64

	Active   bool `gorm:"index:idx_markets_tier_active,priority:2"`
	Resolved bool
	Closed   bool
	Outcome  string

	Tier         int `gorm:"index:idx_markets_tier_active,priority:1"`
	TrackedSince time.Time

	SnapshotCount  int64
	LastSnapshotAt time.Time
	LastTradeAt    time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func marketRow(m *types.Market) *Market {
	return &Market{
		ConditionID:    m.ConditionID,
		Slug:           m.Slug,
		Question:       m.Question,
		YesTokenID:     m.YesTokenID,
		NoTokenID:      m.NoTokenID,
		EndDate:        m.EndDate,
		Category:       m.Category,
		FirstPrice:     m.FirstPrice,
		FirstVolume:    m.FirstVolume,
		FirstLiquidity: m.FirstLiquidity,
		Active:         m.Active,
		Resolved:       m.Resolved,
		Closed:         m.Closed,
		Outcome:        string(m.Outcome),
		Tier:           int(m.Tier),
		TrackedSince:   m.TrackedSince,
		SnapshotCount:  m.SnapshotCount,
		LastSnapshotAt: m.LastSnapshotAt,
		LastTradeAt:    m.LastTradeAt,
	}
}

func (r *Market) domain() *types.Market {
	return &types.Market{
		ConditionID:    r.ConditionID,
		Slug:           r.Slug,
		Question:       r.Question,
		YesTokenID:     r.YesTokenID,
		NoTokenID:      r.NoTokenID,
		EndDate:        r.EndDate,
		Category:       r.Category,
		FirstPrice:     r.FirstPrice,
		FirstVolume:    r.FirstVolume,
		FirstLiquidity: r.FirstLiquidity,
		Active:         r.Active,
		Resolved:       r.Resolved,
		Closed:         r.Closed,
		Outcome:        types.Outcome(r.Outcome),
		Tier:           types.Tier(r.Tier),
		TrackedSince:   r.TrackedSince,
		SnapshotCount:  r.SnapshotCount,
		LastSnapshotAt: r.LastSnapshotAt,
		LastTradeAt:    r.LastTradeAt,
	}
}

// Snapshot is the append-only per-tick observation row. Nullable pointer
// columns stay NULL when the tier or data source did not provide them.
type Snapshot struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ConditionID string    `gorm:"index:idx_snapshots_market_ts,priority:1"`
	Timestamp   time.Time `gorm:"index:idx_snapshots_market_ts,priority:2"`
	Tier        int

	Price          float64
	BestBid        *float64
	BestAsk        *float64
	Spread         *float64
	LastTradePrice *float64

	PriceChange1d *float64
	PriceChange1w *float64
	PriceChange1m *float64

	VolumeTotal *float64
	Volume24h   *float64
	Volume1w    *float64
	Liquidity   *float64

	BidDepth5     *float64
	BidDepth10    *float64
	BidDepth20    *float64
	BidDepth50    *float64
	AskDepth5     *float64
	AskDepth10    *float64
	AskDepth20    *float64
	AskDepth50    *float64
	BidLevels     *int
	AskLevels     *int
	BookImbalance *float64
	BidWallPrice  *float64
	BidWallSize   *float64
	AskWallPrice  *float64
	AskWallSize   *float64

	TradeCount1h *int
	BuyCount1h   *int
	SellCount1h  *int
	Volume1h     *float64
	BuyVolume1h  *float64
	SellVolume1h *float64
	AvgSize1h    *float64
	MaxSize1h    *float64
	VWAP1h       *float64

	WhaleCount1h     *int
	WhaleVolume1h    *float64
	WhaleBuyVolume1h *float64
	WhaleSellVol1h   *float64
	WhaleNetFlow1h   *float64
	WhaleBuyRatio1h  *float64
	TimeSinceWhaleS  *float64
	PctVolumeWhales  *float64

	HoursToClose float64
	DayOfWeek    int
	HourOfDay    int

	CreatedAt time.Time
}

func snapshotRow(s *types.Snapshot) *Snapshot {
	return &Snapshot{
		ConditionID:      s.ConditionID,
		Timestamp:        s.Timestamp,
		Tier:             int(s.Tier),
		Price:            s.Price,
		BestBid:          s.BestBid,
		BestAsk:          s.BestAsk,
		Spread:           s.Spread,
		LastTradePrice:   s.LastTradePrice,
		PriceChange1d:    s.PriceChange1d,
		PriceChange1w:    s.PriceChange1w,
		PriceChange1m:    s.PriceChange1m,
		VolumeTotal:      s.VolumeTotal,
		Volume24h:        s.Volume24h,
		Volume1w:         s.Volume1w,
		Liquidity:        s.Liquidity,
		BidDepth5:        s.BidDepth5,
		BidDepth10:       s.BidDepth10,
		BidDepth20:       s.BidDepth20,
		BidDepth50:       s.BidDepth50,
		AskDepth5:        s.AskDepth5,
		AskDepth10:       s.AskDepth10,
		AskDepth20:       s.AskDepth20,
		AskDepth50:       s.AskDepth50,
		BidLevels:        s.BidLevels,
		AskLevels:        s.AskLevels,
		BookImbalance:    s.BookImbalance,
		BidWallPrice:     s.BidWallPrice,
		BidWallSize:      s.BidWallSize,
		AskWallPrice:     s.AskWallPrice,
		AskWallSize:      s.AskWallSize,
		TradeCount1h:     s.TradeCount1h,
		BuyCount1h:       s.BuyCount1h,
		SellCount1h:      s.SellCount1h,
		Volume1h:         s.Volume1h,
		BuyVolume1h:      s.BuyVolume1h,
		SellVolume1h:     s.SellVolume1h,
		AvgSize1h:        s.AvgSize1h,
		MaxSize1h:        s.MaxSize1h,
		VWAP1h:           s.VWAP1h,
		WhaleCount1h:     s.WhaleCount1h,
		WhaleVolume1h:    s.WhaleVolume1h,
		WhaleBuyVolume1h: s.WhaleBuyVolume1h,
		WhaleSellVol1h:   s.WhaleSellVol1h,
		WhaleNetFlow1h:   s.WhaleNetFlow1h,
		WhaleBuyRatio1h:  s.WhaleBuyRatio1h,
		TimeSinceWhaleS:  s.TimeSinceWhaleS,
		PctVolumeWhales:  s.PctVolumeWhales,
		HoursToClose:     s.HoursToClose,
		DayOfWeek:        s.DayOfWeek,
		HourOfDay:        s.HourOfDay,
	}
}

func (r *Snapshot) domain() *types.Snapshot {
	return &types.Snapshot{
		ConditionID:      r.ConditionID,
		Timestamp:        r.Timestamp,
		Tier:             types.Tier(r.Tier),
		Price:            r.Price,
		BestBid:          r.BestBid,
		BestAsk:          r.BestAsk,
		Spread:           r.Spread,
		LastTradePrice:   r.LastTradePrice,
		PriceChange1d:    r.PriceChange1d,
		PriceChange1w:    r.PriceChange1w,
		PriceChange1m:    r.PriceChange1m,
		VolumeTotal:      r.VolumeTotal,
		Volume24h:        r.Volume24h,
		Volume1w:         r.Volume1w,
		Liquidity:        r.Liquidity,
		BidDepth5:        r.BidDepth5,
		BidDepth10:       r.BidDepth10,
		BidDepth20:       r.BidDepth20,
		BidDepth50:       r.BidDepth50,
		AskDepth5:        r.AskDepth5,
		AskDepth10:       r.AskDepth10,
		AskDepth20:       r.AskDepth20,
		AskDepth50:       r.AskDepth50,
		BidLevels:        r.BidLevels,
		AskLevels:        r.AskLevels,
		BookImbalance:    r.BookImbalance,
		BidWallPrice:     r.BidWallPrice,
		BidWallSize:      r.BidWallSize,
		AskWallPrice:     r.AskWallPrice,
		AskWallSize:      r.AskWallSize,
		TradeCount1h:     r.TradeCount1h,
		BuyCount1h:       r.BuyCount1h,
		SellCount1h:      r.SellCount1h,
		Volume1h:         r.Volume1h,
		BuyVolume1h:      r.BuyVolume1h,
		SellVolume1h:     r.SellVolume1h,
		AvgSize1h:        r.AvgSize1h,
		MaxSize1h:        r.MaxSize1h,
		VWAP1h:           r.VWAP1h,
		WhaleCount1h:     r.WhaleCount1h,
		WhaleVolume1h:    r.WhaleVolume1h,
		WhaleBuyVolume1h: r.WhaleBuyVolume1h,
		WhaleSellVol1h:   r.WhaleSellVol1h,
		WhaleNetFlow1h:   r.WhaleNetFlow1h,
		WhaleBuyRatio1h:  r.WhaleBuyRatio1h,
		TimeSinceWhaleS:  r.TimeSinceWhaleS,
		PctVolumeWhales:  r.PctVolumeWhales,
		HoursToClose:     r.HoursToClose,
		DayOfWeek:        r.DayOfWeek,
		HourOfDay:        r.HourOfDay,
	}
}

// Trade is the durable copy of one streamed execution event.
type Trade struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ConditionID string    `gorm:"index:idx_trades_market_ts,priority:1"`
	TokenID     string
	Timestamp   time.Time `gorm:"index:idx_trades_market_ts,priority:2"`
	Price       float64
	Size        float64
	Side        string
	WhaleTier   int
	BestBid     *float64
	BestAsk     *float64
	Mid         *float64
	CreatedAt   time.Time
}

func tradeRow(t *types.Trade) *Trade {
	return &Trade{
		ConditionID: t.ConditionID,
		TokenID:     t.TokenID,
		Timestamp:   t.Timestamp,
		Price:       t.Price,
		Size:        t.Size,
		Side:        string(t.Side),
		WhaleTier:   t.WhaleTier,
		BestBid:     t.BestBid,
		BestAsk:     t.BestAsk,
		Mid:         t.Mid,
	}
}

// OrderbookSnapshot keeps the raw ladder alongside summary columns. The
// full top-50 ladders are JSON so deep book research stays possible
// without exploding the schema.
type OrderbookSnapshot struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ConditionID string    `gorm:"index:idx_books_market_ts,priority:1"`
	TokenID     string
	Timestamp   time.Time `gorm:"index:idx_books_market_ts,priority:2"`
	BestBid     *float64
	BestAsk     *float64
	Mid         *float64
	Spread      *float64
	BidLevels   int
	AskLevels   int
	Bids        string // JSON [[price,size],...] best-first
	Asks        string // JSON [[price,size],...] best-first
	Hash        string
	CreatedAt   time.Time
}

const bookLadderDepth = 50

func bookRow(conditionID string, book *types.OrderBook) *OrderbookSnapshot {
	row := &OrderbookSnapshot{
		ConditionID: conditionID,
		TokenID:     book.TokenID,
		Timestamp:   book.FetchedAt,
		BidLevels:   len(book.Bids),
		AskLevels:   len(book.Asks),
		Bids:        encodeLadder(book.Bids),
		Asks:        encodeLadder(book.Asks),
		Hash:        book.Hash,
	}
	if bid, ok := book.BestBid(); ok {
		row.BestBid = &bid.Price
	}
	if ask, ok := book.BestAsk(); ok {
		row.BestAsk = &ask.Price
	}
	if row.BestBid != nil && row.BestAsk != nil {
		mid := (*row.BestBid + *row.BestAsk) / 2
		spread := *row.BestAsk - *row.BestBid
		if spread < 0 {
			spread = 0
		}
		row.Mid = &mid
		row.Spread = &spread
	}
	return row
}

func encodeLadder(levels []types.Level) string {
	if len(levels) > bookLadderDepth {
		levels = levels[:bookLadderDepth]
	}
	pairs := make([][2]float64, len(levels))
	for i, l := range levels {
		pairs[i] = [2]float64{l.Price, l.Size}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// TierTransition is the audit row for every tier change.
type TierTransition struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ConditionID  string `gorm:"index"`
	FromTier     int
	ToTier       int
	At           time.Time
	HoursToClose float64
	Reason       string
	CreatedAt    time.Time
}

func transitionRow(t *types.TierTransition) *TierTransition {
	return &TierTransition{
		ConditionID:  t.ConditionID,
		FromTier:     int(t.FromTier),
		ToTier:       int(t.ToTier),
		At:           t.At,
		HoursToClose: t.HoursToClose,
		Reason:       string(t.Reason),
	}
}

// WhaleEvent is the whale-tier subset of the trade stream, kept separately
// so whale queries never scan the full trade log.
type WhaleEvent struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ConditionID string    `gorm:"index"`
	TokenID     string
	Timestamp   time.Time `gorm:"index"`
	Side        string
	Price       float64
	Size        float64
	WhaleTier   int
	CreatedAt   time.Time
}

// TaskRun is one collection loop execution, for cadence auditing.
type TaskRun struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Task        string `gorm:"index"`
	StartedAt   time.Time
	FinishedAt  time.Time
	DurationMS  int64
	MarketsSeen int
	Snapshots   int
	Errors      int
	Note        string
	CreatedAt   time.Time
}

// Position is a strategy's open or closed exposure.
type Position struct {
	ID            string `gorm:"primaryKey"`
	Strategy      string `gorm:"index:idx_positions_strategy_status,priority:1"`
	ConditionID   string `gorm:"index"`
	TokenID       string
	TokenSide     string
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(20,6)"`
	SizeShares    decimal.Decimal `gorm:"type:decimal(20,6)"`
	CostBasis     decimal.Decimal `gorm:"type:decimal(20,6)"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(20,6)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status        string          `gorm:"index:idx_positions_strategy_status,priority:2"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	Paper         bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func positionRow(p *types.Position) *Position {
	row := &Position{
		ID:            p.ID,
		Strategy:      p.Strategy,
		ConditionID:   p.ConditionID,
		TokenID:       p.TokenID,
		TokenSide:     string(p.TokenSide),
		AvgEntryPrice: p.AvgEntryPrice,
		SizeShares:    p.SizeShares,
		CostBasis:     p.CostBasis,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		Status:        string(p.Status),
		OpenedAt:      p.OpenedAt,
		Paper:         p.Paper,
	}
	if !p.ClosedAt.IsZero() {
		closed := p.ClosedAt
		row.ClosedAt = &closed
	}
	return row
}

func (r *Position) domain() *types.Position {
	p := &types.Position{
		ID:            r.ID,
		Strategy:      r.Strategy,
		ConditionID:   r.ConditionID,
		TokenID:       r.TokenID,
		TokenSide:     types.TokenSide(r.TokenSide),
		AvgEntryPrice: r.AvgEntryPrice,
		SizeShares:    r.SizeShares,
		CostBasis:     r.CostBasis,
		CurrentPrice:  r.CurrentPrice,
		UnrealizedPnL: r.UnrealizedPnL,
		RealizedPnL:   r.RealizedPnL,
		Status:        types.PositionStatus(r.Status),
		OpenedAt:      r.OpenedAt,
		Paper:         r.Paper,
	}
	if r.ClosedAt != nil {
		p.ClosedAt = *r.ClosedAt
	}
	return p
}

// Signal is a strategy's emitted thesis, immutable once written.
type Signal struct {
	ID              string `gorm:"primaryKey"`
	Strategy        string `gorm:"index"`
	StrategyVersion string
	ConditionID     string `gorm:"index"`
	TokenID         string
	TokenSide       string
	Side            string
	Reason          string
	Edge            float64
	Confidence      float64
	SuggestedUSD    float64
	Timestamp       time.Time
	Metadata        string // JSON object
	CreatedAt       time.Time
}

func signalRow(s *types.Signal) *Signal {
	meta := ""
	if len(s.Metadata) > 0 {
		if b, err := json.Marshal(s.Metadata); err == nil {
			meta = string(b)
		}
	}
	return &Signal{
		ID:              s.ID,
		Strategy:        s.Strategy,
		StrategyVersion: s.StrategyVersion,
		ConditionID:     s.ConditionID,
		TokenID:         s.TokenID,
		TokenSide:       string(s.TokenSide),
		Side:            string(s.Side),
		Reason:          s.Reason,
		Edge:            s.Edge,
		Confidence:      s.Confidence,
		SuggestedUSD:    s.SuggestedUSD,
		Timestamp:       s.Timestamp,
		Metadata:        meta,
	}
}

// TradeDecision is the risk gate's verdict on one signal.
type TradeDecision struct {
	ID           string `gorm:"primaryKey"`
	SignalID     string `gorm:"index"`
	Strategy     string `gorm:"index"`
	ConditionID  string
	Approved     bool
	RejectReason string
	SizedUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	OrderID      string
	FillID       string
	Timestamp    time.Time
	CreatedAt    time.Time
}

func decisionRow(d *types.TradeDecision) *TradeDecision {
	return &TradeDecision{
		ID:           d.ID,
		SignalID:     d.SignalID,
		Strategy:     d.Strategy,
		ConditionID:  d.ConditionID,
		Approved:     d.Approved,
		RejectReason: string(d.RejectReason),
		SizedUSD:     d.SizedUSD,
		OrderID:      d.OrderID,
		FillID:       d.FillID,
		Timestamp:    d.Timestamp,
	}
}

// ExecutorTrade is one fill, paper or live.
type ExecutorTrade struct {
	ID            string `gorm:"primaryKey"`
	ClientOrderID string `gorm:"index"`
	PositionID    string `gorm:"index"`
	Strategy      string
	ConditionID   string `gorm:"index"`
	TokenID       string
	Side          string
	Price         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Shares        decimal.Decimal `gorm:"type:decimal(20,6)"`
	Cost          decimal.Decimal `gorm:"type:decimal(20,6)"`
	Fees          decimal.Decimal `gorm:"type:decimal(20,6)"`
	Slippage      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Paper         bool
	Timestamp     time.Time
	CreatedAt     time.Time
}

func fillRow(f *types.Fill, strategy, positionID string) *ExecutorTrade {
	return &ExecutorTrade{
		ID:            f.ID,
		ClientOrderID: f.ClientOrderID,
		PositionID:    positionID,
		Strategy:      strategy,
		ConditionID:   f.ConditionID,
		TokenID:       f.TokenID,
		Side:          string(f.Side),
		Price:         f.Price,
		Shares:        f.Shares,
		Cost:          f.Cost,
		Fees:          f.Fees,
		Slippage:      f.Slippage,
		Paper:         f.Paper,
		Timestamp:     f.Timestamp,
	}
}

// PaperBalance is a point on the simulated equity curve, written daily and
// at shutdown.
type PaperBalance struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	SnapshotAt    time.Time       `gorm:"index"`
	BalanceUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	EquityUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenPositions int
	CreatedAt     time.Time
}

// StrategyBalance is the durable per-strategy wallet.
type StrategyBalance struct {
	Strategy      string          `gorm:"primaryKey"`
	AllocatedUSD  decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvailableUSD  decimal.Decimal `gorm:"type:decimal(20,6)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(20,6)"`
	TradeCount    int
	Wins          int
	Losses        int
	MaxDrawdown   decimal.Decimal `gorm:"type:decimal(20,6)"`
	UpdatedAt     time.Time
}

func walletRow(w *types.Wallet) *StrategyBalance {
	return &StrategyBalance{
		Strategy:      w.Strategy,
		AllocatedUSD:  w.AllocatedUSD,
		AvailableUSD:  w.AvailableUSD,
		RealizedPnL:   w.RealizedPnL,
		UnrealizedPnL: w.UnrealizedPnL,
		TradeCount:    w.TradeCount,
		Wins:          w.Wins,
		Losses:        w.Losses,
		MaxDrawdown:   w.MaxDrawdown,
	}
}

func (r *StrategyBalance) domain() *types.Wallet {
	return &types.Wallet{
		Strategy:      r.Strategy,
		AllocatedUSD:  r.AllocatedUSD,
		AvailableUSD:  r.AvailableUSD,
		RealizedPnL:   r.RealizedPnL,
		UnrealizedPnL: r.UnrealizedPnL,
		TradeCount:    r.TradeCount,
		Wins:          r.Wins,
		Losses:        r.Losses,
		MaxDrawdown:   r.MaxDrawdown,
	}
}
