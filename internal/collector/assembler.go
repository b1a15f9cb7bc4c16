package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"polyharvest/internal/buffer"
	"polyharvest/internal/venue"
	"polyharvest/pkg/types"
)

// ErrNoPrice marks a snapshot that could not obtain its mandatory price
// field. Such snapshots are dropped, never persisted.
var ErrNoPrice = errors.New("collector: no price available")

// MarketFetcher is the slice of the discovery client the assembler needs.
type MarketFetcher interface {
	GetMarket(ctx context.Context, conditionID string) (*venue.MarketDescriptor, error)
}

// BookFetcher is the slice of the orderbook client the assembler needs.
type BookFetcher interface {
	GetBook(ctx context.Context, tokenID string) (*types.OrderBook, error)
}

// flowWindow is the trailing window for the snapshot's flow and whale
// sections.
const flowWindow = time.Hour

// Assembler builds one snapshot for one market at one instant. Sections
// degrade independently: a failing source nulls its own fields and the
// snapshot still persists, except for a missing price which drops it.
type Assembler struct {
	markets MarketFetcher
	books   BookFetcher
	buf     *buffer.Buffer

	// subscribed reports whether the market's trades are streamed; flow
	// and whale sections stay null for unstreamed markets.
	subscribed func(conditionID string) bool

	logger *slog.Logger
}

// NewAssembler wires the assembler's three data sources.
func NewAssembler(markets MarketFetcher, books BookFetcher, buf *buffer.Buffer, subscribed func(string) bool, logger *slog.Logger) *Assembler {
	if subscribed == nil {
		subscribed = func(string) bool { return false }
	}
	return &Assembler{
		markets:    markets,
		books:      books,
		buf:        buf,
		subscribed: subscribed,
		logger:     logger.With("component", "assembler"),
	}
}

// Assemble produces the market's snapshot at now, along with the fetched
// order book when the tier collects one (for separate persistence). The
// returned book is nil for tiers below 2 or when the fetch failed.
func (a *Assembler) Assemble(ctx context.Context, m *types.Market, now time.Time) (*types.Snapshot, *types.OrderBook, error) {
	snap := &types.Snapshot{
		ConditionID: m.ConditionID,
		Timestamp:   now,
		Tier:        m.Tier,
	}

	desc, err := a.markets.GetMarket(ctx, m.ConditionID)
	if err != nil {
		return nil, nil, err
	}
	if err := a.fillFromDescriptor(snap, desc); err != nil {
		return nil, nil, err
	}

	var book *types.OrderBook
	if m.Tier >= types.Tier2 && m.YesTokenID != "" {
		book, err = a.books.GetBook(ctx, m.YesTokenID)
		if err != nil {
			// Book section degrades to null; everything else stands.
			a.logger.Warn("book fetch failed, nulling depth fields",
				"condition_id", m.ConditionID, "error", err)
			book = nil
		} else {
			fillBookSection(snap, book)
		}
	}

	if a.subscribed(m.ConditionID) {
		a.fillFlowSection(snap, m.ConditionID, now)
	}

	end := m.EndDate
	if !desc.EndDate.IsZero() {
		end = desc.EndDate
	}
	snap.HoursToClose = end.Sub(now).Hours()
	snap.DayOfWeek = int(now.UTC().Weekday())
	snap.HourOfDay = now.UTC().Hour()

	return snap, book, nil
}

// fillFromDescriptor populates the price, momentum and volume sections.
// Only the price itself is mandatory.
func (a *Assembler) fillFromDescriptor(snap *types.Snapshot, d *venue.MarketDescriptor) error {
	switch {
	case d.YesPrice != nil:
		snap.Price = *d.YesPrice
	case d.LastTradePrice != nil:
		snap.Price = *d.LastTradePrice
	case d.BestBid != nil && d.BestAsk != nil:
		snap.Price = (*d.BestBid + *d.BestAsk) / 2
	default:
		return ErrNoPrice
	}

	snap.BestBid = d.BestBid
	snap.BestAsk = d.BestAsk
	snap.LastTradePrice = d.LastTradePrice
	if d.BestBid != nil && d.BestAsk != nil {
		spread := *d.BestAsk - *d.BestBid
		if spread < 0 {
			spread = 0
		}
		snap.Spread = &spread
	} else {
		snap.Spread = d.Spread
	}

	snap.PriceChange1d = d.OneDayPriceChange
	snap.PriceChange1w = d.OneWeekPriceChange
	snap.PriceChange1m = d.OneMonthPriceChange

	snap.VolumeTotal = d.Volume
	snap.Volume24h = d.Volume24h
	snap.Volume1w = d.Volume1wk
	snap.Liquidity = d.Liquidity
	return nil
}

// fillBookSection computes ladder depths, level counts, imbalance and the
// largest resting order per side.
func fillBookSection(snap *types.Snapshot, book *types.OrderBook) {
	snap.BidDepth5 = depthAt(book.Bids, 5)
	snap.BidDepth10 = depthAt(book.Bids, 10)
	snap.BidDepth20 = depthAt(book.Bids, 20)
	snap.BidDepth50 = depthAt(book.Bids, 50)
	snap.AskDepth5 = depthAt(book.Asks, 5)
	snap.AskDepth10 = depthAt(book.Asks, 10)
	snap.AskDepth20 = depthAt(book.Asks, 20)
	snap.AskDepth50 = depthAt(book.Asks, 50)

	bidLevels, askLevels := len(book.Bids), len(book.Asks)
	snap.BidLevels = &bidLevels
	snap.AskLevels = &askLevels

	// Imbalance over the whole ladder, zero when both sides are empty.
	bidTotal := sumDepth(book.Bids)
	askTotal := sumDepth(book.Asks)
	imb := 0.0
	if bidTotal+askTotal > 0 {
		imb = (bidTotal - askTotal) / (bidTotal + askTotal)
	}
	snap.BookImbalance = &imb

	if wall, ok := largestLevel(book.Bids); ok {
		snap.BidWallPrice = &wall.Price
		snap.BidWallSize = &wall.Size
	}
	if wall, ok := largestLevel(book.Asks); ok {
		snap.AskWallPrice = &wall.Price
		snap.AskWallSize = &wall.Size
	}
}

// fillFlowSection copies the ring-buffer aggregates. Zero counts are a
// real observation for a subscribed market; only TimeSinceWhale stays nil
// while the ring has never seen a whale.
func (a *Assembler) fillFlowSection(snap *types.Snapshot, conditionID string, now time.Time) {
	flow, _ := a.buf.Flow(conditionID, flowWindow, now)
	snap.TradeCount1h = &flow.TradeCount
	snap.BuyCount1h = &flow.BuyCount
	snap.SellCount1h = &flow.SellCount
	snap.Volume1h = &flow.Volume
	snap.BuyVolume1h = &flow.BuyVolume
	snap.SellVolume1h = &flow.SellVolume
	snap.AvgSize1h = &flow.AvgSize
	snap.MaxSize1h = &flow.MaxSize
	snap.VWAP1h = &flow.VWAP

	whale, _ := a.buf.Whale(conditionID, flowWindow, now)
	snap.WhaleCount1h = &whale.Count
	snap.WhaleVolume1h = &whale.Volume
	snap.WhaleBuyVolume1h = &whale.BuyVolume
	snap.WhaleSellVol1h = &whale.SellVolume
	snap.WhaleNetFlow1h = &whale.NetFlow
	snap.WhaleBuyRatio1h = &whale.BuyRatio
	snap.PctVolumeWhales = &whale.PctOfVolume
	if whale.TimeSinceWhaleS >= 0 {
		since := whale.TimeSinceWhaleS
		snap.TimeSinceWhaleS = &since
	}
}

func depthAt(levels []types.Level, n int) *float64 {
	if len(levels) > n {
		levels = levels[:n]
	}
	d := sumDepth(levels)
	return &d
}

func sumDepth(levels []types.Level) float64 {
	total := 0.0
	for _, l := range levels {
		total += l.Size
	}
	return total
}

func largestLevel(levels []types.Level) (types.Level, bool) {
	if len(levels) == 0 {
		return types.Level{}, false
	}
	best := levels[0]
	for _, l := range levels[1:] {
		if l.Size > best.Size {
			best = l
		}
	}
	return best, true
}
