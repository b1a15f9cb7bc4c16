package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// rawBookLevel is one price level as the CLOB returns it: strings to
// preserve decimal precision.
type rawBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// rawBook is the wire shape of GET /book.
type rawBook struct {
	Market    string         `json:"market"` // condition id
	AssetID   string         `json:"asset_id"`
	Hash      string         `json:"hash"`
	Timestamp string         `json:"timestamp"`
	Bids      []rawBookLevel `json:"bids"`
	Asks      []rawBookLevel `json:"asks"`
}

// BookClient reads order books, midpoints and spreads from the CLOB API.
// Reads are unauthenticated.
type BookClient struct {
	http    *resty.Client
	limiter *TokenBucket
	breaker *Breaker
	logger  *slog.Logger
}

// NewBookClient creates a CLOB read client with rate limiting and a
// circuit breaker.
func NewBookClient(cfg config.Config, logger *slog.Logger) *BookClient {
	log := logger.With("component", "book_client")
	return &BookClient{
		http:    newHTTPClient(cfg.API.CLOBBaseURL, cfg.API),
		limiter: newReadBucket(cfg.API),
		breaker: NewBreaker(cfg.API.BreakerThreshold, cfg.API.BreakerCooldown, log),
		logger:  log,
	}
}

// GetBook fetches and parses the order book for one token. Levels with
// unparsable price or size are dropped; bids come back sorted descending
// by price, asks ascending.
func (c *BookClient) GetBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	var raw rawBook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&raw).
		Get("/book")
	if failed := c.breaker.Observe(resp, err); failed {
		if err != nil {
			return nil, fmt.Errorf("get book: %w", err)
		}
		return nil, fmt.Errorf("get book: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := &types.OrderBook{
		TokenID:   tokenID,
		Hash:      raw.Hash,
		Bids:      parseLevels(raw.Bids),
		Asks:      parseLevels(raw.Asks),
		FetchedAt: time.Now(),
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book, nil
}

// GetMidpoint fetches the mid price for one token. Nil when the venue
// reports none (empty book).
func (c *BookClient) GetMidpoint(ctx context.Context, tokenID string) (*float64, error) {
	var result struct {
		Mid string `json:"mid"`
	}
	if err := c.getSimple(ctx, "/midpoint", tokenID, &result); err != nil {
		return nil, err
	}
	if mid, ok := FloatFromString(result.Mid); ok {
		return &mid, nil
	}
	return nil, nil
}

// GetSpread fetches the bid/ask spread for one token.
func (c *BookClient) GetSpread(ctx context.Context, tokenID string) (*float64, error) {
	var result struct {
		Spread string `json:"spread"`
	}
	if err := c.getSimple(ctx, "/spread", tokenID, &result); err != nil {
		return nil, err
	}
	if spread, ok := FloatFromString(result.Spread); ok {
		return &spread, nil
	}
	return nil, nil
}

func (c *BookClient) getSimple(ctx context.Context, path, tokenID string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(out).
		Get(path)
	if failed := c.breaker.Observe(resp, err); failed {
		if err != nil {
			return fmt.Errorf("get %s: %w", path, err)
		}
		return fmt.Errorf("get %s: status %d", path, resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// parseLevels converts raw string levels to typed ones, dropping any level
// that fails numeric parsing.
func parseLevels(raw []rawBookLevel) []types.Level {
	out := make([]types.Level, 0, len(raw))
	for _, lvl := range raw {
		price, okP := FloatFromString(lvl.Price)
		size, okS := FloatFromString(lvl.Size)
		if !okP || !okS {
			continue
		}
		out = append(out, types.Level{Price: price, Size: size})
	}
	return out
}
