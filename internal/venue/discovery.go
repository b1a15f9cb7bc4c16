package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polyharvest/internal/config"
)

// gammaMarket is the raw JSON shape returned by the Gamma API. Numeric
// fields are kept as json.RawMessage because the API mixes numbers and
// quoted strings for the same field across markets.
type gammaMarket struct {
	ID              string          `json:"id"`
	Question        string          `json:"question"`
	ConditionID     string          `json:"conditionId"`
	Slug            string          `json:"slug"`
	Category        string          `json:"category"`
	EndDate         string          `json:"endDate"`
	StartDate       string          `json:"startDate"`
	Outcomes        json.RawMessage `json:"outcomes"`
	OutcomePrices   json.RawMessage `json:"outcomePrices"`
	ClobTokenIds    json.RawMessage `json:"clobTokenIds"`
	Active          bool            `json:"active"`
	Closed          bool            `json:"closed"`
	Archived        bool            `json:"archived"`
	AcceptingOrders bool            `json:"acceptingOrders"`
	EnableOrderBook bool            `json:"enableOrderBook"`
	NegRisk         bool            `json:"negRisk"`
	UMAStatus       string          `json:"umaResolutionStatus"`

	Liquidity      json.RawMessage `json:"liquidity"`
	Volume         json.RawMessage `json:"volume"`
	Volume24hr     json.RawMessage `json:"volume24hr"`
	Volume1wk      json.RawMessage `json:"volume1wk"`
	BestBid        json.RawMessage `json:"bestBid"`
	BestAsk        json.RawMessage `json:"bestAsk"`
	Spread         json.RawMessage `json:"spread"`
	LastTradePrice json.RawMessage `json:"lastTradePrice"`
	OneDayChange   json.RawMessage `json:"oneDayPriceChange"`
	OneWeekChange  json.RawMessage `json:"oneWeekPriceChange"`
	OneMonthChange json.RawMessage `json:"oneMonthPriceChange"`
	MinTickSize    json.RawMessage `json:"orderPriceMinTickSize"`
}

// MarketDescriptor is the cleaned-up per-market view of one Gamma response.
// Pointer fields are nil when the venue omitted or mangled the value.
type MarketDescriptor struct {
	ConditionID string
	Question    string
	Slug        string
	Category    string
	YesTokenID  string
	NoTokenID   string
	EndDate     time.Time // zero when absent or unparsable
	StartDate   time.Time

	Active          bool
	Closed          bool
	Archived        bool
	AcceptingOrders bool
	EnableOrderBook bool
	NegRisk         bool
	UMAStatus       string

	YesPrice            *float64 // first entry of outcomePrices
	NoPrice             *float64
	BestBid             *float64
	BestAsk             *float64
	Spread              *float64
	LastTradePrice      *float64
	OneDayPriceChange   *float64
	OneWeekPriceChange  *float64
	OneMonthPriceChange *float64
	Volume              *float64
	Volume24h           *float64
	Volume1wk           *float64
	Liquidity           *float64
	TickSize            *float64
}

// HoursToClose returns hours until the end date, negative once past.
// Markets without a parseable end date report +Inf-like far-future via ok=false.
func (d *MarketDescriptor) HoursToClose(now time.Time) (float64, bool) {
	if d.EndDate.IsZero() {
		return 0, false
	}
	return d.EndDate.Sub(now).Hours(), true
}

// toDescriptor converts a raw Gamma market into the typed descriptor,
// applying the tolerant parsers to every numeric field.
func toDescriptor(gm gammaMarket) MarketDescriptor {
	d := MarketDescriptor{
		ConditionID:     gm.ConditionID,
		Question:        gm.Question,
		Slug:            gm.Slug,
		Category:        gm.Category,
		EndDate:         TimeRFC3339(gm.EndDate),
		StartDate:       TimeRFC3339(gm.StartDate),
		Active:          gm.Active,
		Closed:          gm.Closed,
		Archived:        gm.Archived,
		AcceptingOrders: gm.AcceptingOrders,
		EnableOrderBook: gm.EnableOrderBook,
		NegRisk:         gm.NegRisk,
		UMAStatus:       gm.UMAStatus,

		BestBid:             FloatPtr(gm.BestBid),
		BestAsk:             FloatPtr(gm.BestAsk),
		Spread:              FloatPtr(gm.Spread),
		LastTradePrice:      FloatPtr(gm.LastTradePrice),
		OneDayPriceChange:   FloatPtr(gm.OneDayChange),
		OneWeekPriceChange:  FloatPtr(gm.OneWeekChange),
		OneMonthPriceChange: FloatPtr(gm.OneMonthChange),
		Volume:              FloatPtr(gm.Volume),
		Volume24h:           FloatPtr(gm.Volume24hr),
		Volume1wk:           FloatPtr(gm.Volume1wk),
		Liquidity:           FloatPtr(gm.Liquidity),
		TickSize:            FloatPtr(gm.MinTickSize),
	}

	if ids := StringList(gm.ClobTokenIds); len(ids) >= 2 {
		d.YesTokenID = ids[0]
		d.NoTokenID = ids[1]
	}
	if prices := StringList(gm.OutcomePrices); len(prices) >= 2 {
		if yes, ok := FloatFromString(prices[0]); ok {
			d.YesPrice = &yes
		}
		if no, ok := FloatFromString(prices[1]); ok {
			d.NoPrice = &no
		}
	}
	return d
}

// DiscoveryClient talks to the Gamma API for market discovery, per-market
// refresh during snapshot assembly, and resolution checks.
type DiscoveryClient struct {
	http      *resty.Client
	limiter   *TokenBucket
	breaker   *Breaker
	pageLimit int
	logger    *slog.Logger
}

// NewDiscoveryClient creates a Gamma API client with rate limiting and a
// circuit breaker.
func NewDiscoveryClient(cfg config.Config, logger *slog.Logger) *DiscoveryClient {
	log := logger.With("component", "discovery_client")
	limit := cfg.Discovery.PageLimit
	if limit <= 0 {
		limit = 100
	}
	return &DiscoveryClient{
		http:      newHTTPClient(cfg.API.GammaBaseURL, cfg.API),
		limiter:   newReadBucket(cfg.API),
		breaker:   NewBreaker(cfg.API.BreakerThreshold, cfg.API.BreakerCooldown, log),
		pageLimit: limit,
		logger:    log,
	}
}

// ListActiveMarkets pages through /markets (active, not closed) until a
// short page signals the end. Markets that fail descriptor conversion are
// still returned; the registry applies its own filters.
func (c *DiscoveryClient) ListActiveMarkets(ctx context.Context) ([]MarketDescriptor, error) {
	var all []MarketDescriptor
	offset := 0

	for {
		page, err := c.fetchPage(ctx, map[string]string{
			"limit":  strconv.Itoa(c.pageLimit),
			"offset": strconv.Itoa(offset),
			"active": "true",
			"closed": "false",
		})
		if err != nil {
			return nil, fmt.Errorf("list markets at offset %d: %w", offset, err)
		}
		for _, gm := range page {
			all = append(all, toDescriptor(gm))
		}
		if len(page) < c.pageLimit {
			break
		}
		offset += c.pageLimit
	}
	return all, nil
}

// GetMarket fetches a single market by condition id. Returns ErrNotFound
// when the venue no longer lists it.
func (c *DiscoveryClient) GetMarket(ctx context.Context, conditionID string) (*MarketDescriptor, error) {
	page, err := c.fetchPage(ctx, map[string]string{
		"condition_ids": conditionID,
	})
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", conditionID, err)
	}
	if len(page) == 0 {
		return nil, ErrNotFound
	}
	d := toDescriptor(page[0])
	return &d, nil
}

func (c *DiscoveryClient) fetchPage(ctx context.Context, params map[string]string) ([]gammaMarket, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	var page []gammaMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&page).
		Get("/markets")
	if failed := c.breaker.Observe(resp, err); failed {
		if err != nil {
			return nil, fmt.Errorf("fetch markets: %w", err)
		}
		return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return page, nil
}
