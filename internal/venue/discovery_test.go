package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func newTestDiscovery(url string, pageLimit int) *DiscoveryClient {
	return &DiscoveryClient{
		http:      resty.New().SetBaseURL(url),
		limiter:   NewTokenBucket(1000, 1000),
		breaker:   NewBreaker(5, time.Minute, testLogger()),
		pageLimit: pageLimit,
		logger:    testLogger(),
	}
}

func TestListActiveMarketsPaginates(t *testing.T) {
	t.Parallel()

	// 5 markets at page limit 2 → offsets 0, 2, 4, with the last page short.
	total := 5
	limit := 2
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "application/json")

		out := "["
		n := 0
		for i := offset; i < total && n < limit; i++ {
			if n > 0 {
				out += ","
			}
			out += fmt.Sprintf(`{"conditionId":"0xc%d","question":"q%d","active":true}`, i, i)
			n++
		}
		out += "]"
		w.Write([]byte(out))
	}))
	defer srv.Close()

	c := newTestDiscovery(srv.URL, limit)
	markets, err := c.ListActiveMarkets(context.Background())
	if err != nil {
		t.Fatalf("ListActiveMarkets: %v", err)
	}

	if len(markets) != total {
		t.Errorf("got %d markets, want %d", len(markets), total)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3 (two full pages + one short)", got)
	}
	if markets[0].ConditionID != "0xc0" || markets[4].ConditionID != "0xc4" {
		t.Errorf("unexpected ordering: first=%s last=%s", markets[0].ConditionID, markets[4].ConditionID)
	}
}

func TestGetMarketTolerantParsing(t *testing.T) {
	t.Parallel()

	// Mixed encodings as Gamma actually sends them: liquidity quoted,
	// volume24hr numeric, bestBid null, spread absent, arrays double-encoded.
	body := `[{
		"conditionId": "0xabc",
		"question": "Will it rain?",
		"slug": "will-it-rain",
		"category": "weather",
		"endDate": "2026-09-01T12:00:00Z",
		"active": true,
		"closed": false,
		"enableOrderBook": true,
		"liquidity": "12345.67",
		"volume24hr": 890.12,
		"bestBid": null,
		"outcomePrices": "[\"0.35\", \"0.65\"]",
		"clobTokenIds": "[\"tok-yes\", \"tok-no\"]"
	}]`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("condition_ids"); got != "0xabc" {
			t.Errorf("condition_ids = %q, want 0xabc", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestDiscovery(srv.URL, 100)
	d, err := c.GetMarket(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}

	if d.ConditionID != "0xabc" {
		t.Errorf("ConditionID = %q", d.ConditionID)
	}
	if d.YesTokenID != "tok-yes" || d.NoTokenID != "tok-no" {
		t.Errorf("tokens = %q/%q", d.YesTokenID, d.NoTokenID)
	}
	if d.YesPrice == nil || *d.YesPrice != 0.35 {
		t.Errorf("YesPrice = %v, want 0.35", d.YesPrice)
	}
	if d.NoPrice == nil || *d.NoPrice != 0.65 {
		t.Errorf("NoPrice = %v, want 0.65", d.NoPrice)
	}
	if d.Liquidity == nil || *d.Liquidity != 12345.67 {
		t.Errorf("Liquidity = %v, want 12345.67", d.Liquidity)
	}
	if d.Volume24h == nil || *d.Volume24h != 890.12 {
		t.Errorf("Volume24h = %v, want 890.12", d.Volume24h)
	}
	if d.BestBid != nil {
		t.Errorf("BestBid = %v, want nil for null", *d.BestBid)
	}
	if d.Spread != nil {
		t.Errorf("Spread = %v, want nil for absent", *d.Spread)
	}
	if d.EndDate.IsZero() {
		t.Error("EndDate should have parsed")
	}
	if h, ok := d.HoursToClose(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)); !ok || h != 12 {
		t.Errorf("HoursToClose = %v, %v, want 12, true", h, ok)
	}
}

func TestGetMarketNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := newTestDiscovery(srv.URL, 100)
	_, err := c.GetMarket(context.Background(), "0xmissing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDiscoveryBreakerFailsFast(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestDiscovery(srv.URL, 100)
	c.breaker = NewBreaker(2, time.Minute, testLogger())

	for i := 0; i < 2; i++ {
		if _, err := c.ListActiveMarkets(context.Background()); err == nil {
			t.Fatal("expected error from 500")
		}
	}

	// Third call must fail fast without reaching the server.
	_, err := c.ListActiveMarkets(context.Background())
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}
