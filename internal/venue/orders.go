package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"

	"polyharvest/internal/config"
	"polyharvest/pkg/types"
)

// OrderSpec is what the live executor asks the venue to place: a priced,
// sized, single-token order. ClientID is the idempotency key; re-posting
// the same ClientID never creates a second order.
type OrderSpec struct {
	TokenID    string
	Price      float64
	Size       float64 // shares
	Side       types.Side
	OrderType  types.WireOrderType
	TickSize   types.TickSize
	NegRisk    bool
	ClientID   string
	Expiration int64 // unix seconds; 0 = no expiration
	FeeRateBps int
}

// OrderStatus is the venue's view of a resting order, used to poll GTC
// orders for fills.
type OrderStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // "live", "matched", "cancelled"
	Market       string `json:"market"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Side         string `json:"side"`
}

// OrderClient places and cancels signed orders on the CLOB API. All calls
// require L2 credentials; order placement additionally EIP-712 signs each
// order against the CTF exchange.
type OrderClient struct {
	http    *resty.Client
	auth    *Auth
	rl      *TradingLimiter
	breaker *Breaker
	logger  *slog.Logger
}

// NewOrderClient creates the trading client.
func NewOrderClient(cfg config.Config, auth *Auth, logger *slog.Logger) *OrderClient {
	log := logger.With("component", "order_client")
	return &OrderClient{
		http:    newHTTPClient(cfg.API.CLOBBaseURL, cfg.API),
		auth:    auth,
		rl:      NewTradingLimiter(),
		breaker: NewBreaker(cfg.API.BreakerThreshold, cfg.API.BreakerCooldown, log),
		logger:  log,
	}
}

// buildPayload converts an OrderSpec into the signed on-chain order plus
// metadata the REST API expects. Price/size become big.Int maker/taker
// amounts at the market's tick precision; the maker is the funder wallet
// (proxy), the signer the EOA, the taker the zero address (open order).
func (c *OrderClient) buildPayload(spec OrderSpec) (*types.OrderPayload, error) {
	tickSize := spec.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(spec.Price, spec.Size, spec.Side, tickSize)

	order := types.SignedOrder{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       spec.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          spec.Side,
		Expiration:    strconv.FormatInt(spec.Expiration, 10),
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(spec.FeeRateBps),
		SignatureType: c.auth.SignatureType(),
	}
	if err := c.auth.SignOrder(&order, spec.NegRisk); err != nil {
		return nil, err
	}

	return &types.OrderPayload{
		Order:     order,
		Owner:     c.auth.APIKey(),
		OrderType: spec.OrderType,
		ClientID:  spec.ClientID,
	}, nil
}

// PostOrder signs and submits one order.
func (c *OrderClient) PostOrder(ctx context.Context, spec OrderSpec) (*types.OrderResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	payload, err := c.buildPayload(spec)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if failed := c.breaker.Observe(resp, err); failed {
		if err != nil {
			return nil, fmt.Errorf("post order: %w", err)
		}
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("order posted",
		"order_id", result.OrderID,
		"status", result.Status,
		"token", spec.TokenID,
		"side", spec.Side,
		"price", spec.Price,
		"size", spec.Size,
	)
	return &result, nil
}

// GetOrder fetches the current status of a resting order.
func (c *OrderClient) GetOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result OrderStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if failed := c.breaker.Observe(resp, err); failed {
		if err != nil {
			return nil, fmt.Errorf("get order: %w", err)
		}
		return nil, fmt.Errorf("get order: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels a single order by ID.
func (c *OrderClient) CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error) {
	if orderID == "" {
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"orderID":"%s"}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if failed := c.breaker.Observe(resp, err); failed {
		if err != nil {
			return nil, fmt.Errorf("cancel order: %w", err)
		}
		return nil, fmt.Errorf("cancel order: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelAll cancels every open order across all markets. Used as the
// shutdown safety net in live mode.
func (c *OrderClient) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if failed := c.breaker.Observe(resp, err); failed {
		if err != nil {
			return nil, fmt.Errorf("cancel all: %w", err)
		}
		return nil, fmt.Errorf("cancel all: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *OrderClient) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
