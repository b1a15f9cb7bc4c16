// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the harvester and the trading
// engine — market metadata, tiering, snapshots, trades, order book views,
// and the venue's WebSocket event payloads. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade or order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TokenSide identifies which leg of a binary market a position holds.
type TokenSide string

const (
	TokenYES TokenSide = "YES"
	TokenNO  TokenSide = "NO"
)

// Outcome is the terminal result of a resolved market. Empty until the
// venue reports an unambiguous resolution.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeInvalid Outcome = "INVALID"
)

// Tier classifies a market's collection urgency by time-to-resolution.
// Higher tiers resolve sooner and are sampled more often.
type Tier int

const (
	Tier0 Tier = 0 // ≥ 48h to close — hourly snapshots
	Tier1 Tier = 1 // 12–48h
	Tier2 Tier = 2 // 4–12h — orderbook collection starts here
	Tier3 Tier = 3 // 1–4h
	Tier4 Tier = 4 // < 1h — hottest cadence
)

// TierFromHours maps hours-to-close onto a collection tier.
func TierFromHours(h float64) Tier {
	switch {
	case h < 1:
		return Tier4
	case h < 4:
		return Tier3
	case h < 12:
		return Tier2
	case h < 48:
		return Tier1
	default:
		return Tier0
	}
}

// TransitionReason explains why a market changed tier or was deactivated.
type TransitionReason string

const (
	ReasonPromotion TransitionReason = "promotion"
	ReasonDemotion  TransitionReason = "demotion"
	ReasonResolved  TransitionReason = "deactivation:resolved"
	ReasonExpired   TransitionReason = "deactivation:expired"
	ReasonNoTrades  TransitionReason = "deactivation:no_trades"
	ReasonDelisted  TransitionReason = "deactivation:delisted"
)

// DeactivatedTier is the to_tier recorded on deactivation transitions.
const DeactivatedTier Tier = -1

// ————————————————————————————————————————————————————————————————————————
// Market
// ————————————————————————————————————————————————————————————————————————

// Market is the canonical tradeable contract tracked by the registry.
// A binary market has exactly two tokens (YES and NO) whose prices always
// sum to ~$1. Cross-references to snapshots and positions are by id only;
// no object-graph back-pointers are kept.
type Market struct {
	ConditionID string // CTF condition ID — the natural key, unique
	Slug        string // human-readable URL slug
	Question    string // the prediction question, e.g. "Will X happen by Y?"

	YesTokenID string // CLOB token ID for the YES outcome
	NoTokenID  string // CLOB token ID for the NO outcome

	EndDate  time.Time // when the market is scheduled to resolve
	Category string    // venue category tag, e.g. "politics"

	// State captured the first time the market was seen, used as the
	// baseline for new-market signals.
	FirstPrice     *float64
	FirstVolume    *float64
	FirstLiquidity *float64

	Active   bool
	Resolved bool
	Closed   bool
	Outcome  Outcome // set exactly once, together with Resolved

	Tier         Tier
	TrackedSince time.Time

	SnapshotCount  int64
	LastSnapshotAt time.Time
	LastTradeAt    time.Time
}

// HoursToClose returns the market's remaining lifetime at now, in hours.
// Negative once the end date has passed.
func (m *Market) HoursToClose(now time.Time) float64 {
	return m.EndDate.Sub(now).Hours()
}

// TierTransition records a single tier change for audit.
type TierTransition struct {
	ConditionID  string
	FromTier     Tier
	ToTier       Tier
	At           time.Time
	HoursToClose float64
	Reason       TransitionReason
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot
// ————————————————————————————————————————————————————————————————————————

// Snapshot is one immutable observation of a market. Pointer fields are
// nullable: a nil means the source was unavailable at this tick, which is
// semantically distinct from zero. Only Price is mandatory — a snapshot
// without a price is dropped rather than persisted.
type Snapshot struct {
	ConditionID string
	Timestamp   time.Time
	Tier        Tier

	// Price section (from the discovery client).
	Price          float64
	BestBid        *float64
	BestAsk        *float64
	Spread         *float64
	LastTradePrice *float64

	// Momentum section.
	PriceChange1d *float64
	PriceChange1w *float64
	PriceChange1m *float64

	// Volume section.
	VolumeTotal *float64
	Volume24h   *float64
	Volume1w    *float64
	Liquidity   *float64

	// Orderbook depth section (tiers 2+ only).
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

	// Trade flow over the trailing hour (ring buffer, subscribed markets only).
	TradeCount1h *int
	BuyCount1h   *int
	SellCount1h  *int
	Volume1h     *float64
	BuyVolume1h  *float64
	SellVolume1h *float64
	AvgSize1h    *float64
	MaxSize1h    *float64
	VWAP1h       *float64

	// Whale flow over the trailing hour (whale_tier ≥ 2 trades).
	WhaleCount1h     *int
	WhaleVolume1h    *float64
	WhaleBuyVolume1h *float64
	WhaleSellVol1h   *float64
	WhaleNetFlow1h   *float64
	WhaleBuyRatio1h  *float64
	TimeSinceWhaleS  *float64
	PctVolumeWhales  *float64

	// Context.
	HoursToClose float64
	DayOfWeek    int // 0 = Sunday
	HourOfDay    int
}

// ————————————————————————————————————————————————————————————————————————
// Trades and order books
// ————————————————————————————————————————————————————————————————————————

// Trade is a single execution event observed on the public trade stream.
type Trade struct {
	ConditionID string
	TokenID     string
	Timestamp   time.Time
	Price       float64 // in [0, 1]
	Size        float64 // base units
	Side        Side
	WhaleTier   int // 0..3 by size thresholds

	// Top-of-book context at event time, when the book cache had it.
	BestBid *float64
	BestAsk *float64
	Mid     *float64
}

// Level is a parsed order book level.
type Level struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time view of one token's book with parsed
// ladders. Bids are sorted descending by price, asks ascending.
type OrderBook struct {
	TokenID   string
	Bids      []Level
	Asks      []Level
	Hash      string
	FetchedAt time.Time
}

// BestBid returns the top bid, or false when the side is empty.
func (b *OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, or false when the side is empty.
func (b *OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// FlowMetrics aggregates the trades of one window by side.
// Derived on demand from the ring buffer; never stored directly.
type FlowMetrics struct {
	TradeCount int
	BuyCount   int
	SellCount  int
	Volume     float64
	BuyVolume  float64
	SellVolume float64
	AvgSize    float64
	MaxSize    float64
	VWAP       float64
}

// WhaleMetrics aggregates the whale-tier subset (tier ≥ 2) of one window.
type WhaleMetrics struct {
	Count           int
	Volume          float64
	BuyVolume       float64
	SellVolume      float64
	NetFlow         float64 // buy volume − sell volume
	BuyRatio        float64 // buy volume / whale volume
	TimeSinceWhaleS float64 // seconds since the most recent whale trade
	PctOfVolume     float64 // whale volume / total window volume
}

// ————————————————————————————————————————————————————————————————————————
// Scanner views
// ————————————————————————————————————————————————————————————————————————

// MarketData is the read-only view strategies scan. It is materialized
// from the registry joined with the market's latest snapshot; strategies
// never read the database directly.
type MarketData struct {
	ConditionID string
	Slug        string
	Question    string
	YesTokenID  string
	NoTokenID   string
	Category    string

	Price     float64
	BestBid   *float64
	BestAsk   *float64
	Spread    *float64
	Volume24h *float64
	VolumeTot *float64
	Liquidity *float64

	HoursToClose float64
	EndDate      time.Time
	TrackedSince time.Time

	// PriceHistory is populated only when an enabled strategy asks for it
	// (oldest first). Most strategies never need it.
	PriceHistory []float64

	// Snapshot carries the full latest snapshot for audit metadata.
	Snapshot *Snapshot
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events (market channel)
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the venue WebSocket
// market channel. Numeric fields arrive as strings; timestamps are epoch
// milliseconds encoded as strings.

// WSLastTradeEvent is a public trade notification ("last_trade_price").
type WSLastTradeEvent struct {
	EventType  string `json:"event_type"` // always "last_trade_price"
	AssetID    string `json:"asset_id"`   // token ID that traded
	Market     string `json:"market"`     // condition ID
	Price      string `json:"price"`
	Size       string `json:"size"`
	Side       string `json:"side"` // "BUY" or "SELL"
	FeeRateBps string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"` // epoch ms
}

// WSPriceLevel is a single bid or ask level as it appears on the wire.
// Price and Size are strings because the venue returns them as strings to
// preserve decimal precision.
type WSPriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// WSBookEvent is a full order book snapshot from the market channel.
// Replaces the entire cached book for the given asset.
type WSBookEvent struct {
	EventType string         `json:"event_type"` // always "book"
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"` // condition ID
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"` // book version hash
	Buys      []WSPriceLevel `json:"buys"`
	Sells     []WSPriceLevel `json:"sells"`
}

// WSPriceChange is a single level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // 0 = level removed
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental book update from the market channel.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSSubscribeMsg is the initial subscription message sent when a market
// channel connection is established.
type WSSubscribeMsg struct {
	Type     string   `json:"type"`       // always "market"
	AssetIDs []string `json:"assets_ids"` // token IDs to stream
}

// WSUpdateMsg is sent to subscribe or unsubscribe token ids on an
// established connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
