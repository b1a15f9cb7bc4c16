package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Signals and decisions
// ————————————————————————————————————————————————————————————————————————

// Signal is a strategy's immutable trade thesis. Edge is the estimated
// expected return per unit of price in [0, 1]; Confidence is the
// strategy's self-reported probability for its thesis.
type Signal struct {
	ID              string
	Strategy        string
	StrategyVersion string
	ConditionID     string
	TokenID         string
	TokenSide       TokenSide
	Side            Side
	Reason          string
	Edge            float64
	Confidence      float64
	SuggestedUSD    float64
	Timestamp       time.Time
	Metadata        map[string]string
}

// RejectReason enumerates why the risk gate refused a signal.
type RejectReason string

const (
	RejectDrawdown        RejectReason = "drawdown_exceeded"
	RejectStrategyBalance RejectReason = "insufficient_strategy_balance"
	RejectMaxPositions    RejectReason = "max_positions"
	RejectTotalExposure   RejectReason = "max_total_exposure"
	RejectPositionSize    RejectReason = "max_position_size"
	RejectDuplicate       RejectReason = "duplicate_position"
)

// TradeDecision is the risk gate's append-only verdict paired with a
// signal. Approved decisions reference the resulting order and, once
// executed, the fill.
type TradeDecision struct {
	ID           string
	SignalID     string
	Strategy     string
	ConditionID  string
	Approved     bool
	RejectReason RejectReason
	SizedUSD     decimal.Decimal
	OrderID      string
	FillID       string
	Timestamp    time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// ExecOrderType selects the execution style for an approved signal.
type ExecOrderType string

const (
	OrderMarket ExecOrderType = "market" // cross the spread immediately
	OrderLimit  ExecOrderType = "limit"  // post at mid ± offset, wait for fill
	OrderSpread ExecOrderType = "spread" // post passively, escalate after timeout
)

// Order is the executor's unit of work: an approved, sized signal bound to
// a client order id. ClientOrderID is the idempotency key for the live
// venue; the paper backend carries it for parity. Buys are budgeted in
// USD; sells are share-denominated (close what is held).
type Order struct {
	ClientOrderID string
	SignalID      string
	Strategy      string
	ConditionID   string
	TokenID       string
	TokenSide     TokenSide
	Side          Side
	Type          ExecOrderType
	LimitPrice    float64 // only for limit orders
	SizeUSD       decimal.Decimal
	SizeShares    decimal.Decimal
	SignalPrice   float64 // price the strategy saw, for slippage accounting
	TickSize      TickSize
	NegRisk       bool
	CreatedAt     time.Time
}

// Fill is the executor's record of a completed (or partially completed)
// order. Cost excludes fees; Slippage is fill price minus signal price,
// signed so positive always means worse than the signal assumed.
type Fill struct {
	ID            string
	ClientOrderID string
	ConditionID   string
	TokenID       string
	Side          Side
	Price         decimal.Decimal
	Shares        decimal.Decimal
	Cost          decimal.Decimal
	Fees          decimal.Decimal
	Slippage      decimal.Decimal
	Timestamp     time.Time
	Paper         bool
}

// PositionStatus tracks the lifecycle of an exposure.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionPartial PositionStatus = "partial"
	PositionClosed  PositionStatus = "closed"
)

// Position is an open or closed exposure owned by one strategy.
// CostBasis equals AvgEntryPrice·SizeShares at open; RealizedPnL is final
// once Status is closed.
type Position struct {
	ID            string
	Strategy      string
	ConditionID   string
	TokenID       string
	TokenSide     TokenSide
	AvgEntryPrice decimal.Decimal
	SizeShares    decimal.Decimal
	CostBasis     decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      time.Time
	Paper         bool
}

// Wallet is per-strategy capital accounting. Available never exceeds
// Allocated plus realized gains; the global paper balance is the sum of
// all wallets.
type Wallet struct {
	Strategy      string
	AllocatedUSD  decimal.Decimal
	AvailableUSD  decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TradeCount    int
	Wins          int
	Losses        int
	MaxDrawdown   decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Live venue wire formats
// ————————————————————————————————————————————————————————————————————————

// WireOrderType enumerates the venue's order lifecycles. The executor maps
// its own order types onto these: limit/spread → GTC, market → FAK.
type WireOrderType string

const (
	WireGTC WireOrderType = "GTC" // Good-Til-Cancelled
	WireFAK WireOrderType = "FAK" // Fill-And-Kill (marketable)
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // venue proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. The venue
// supports four tick sizes; each market has a fixed tick size that
// determines the minimum price increment and amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	}
	return 4
}

// SignedOrder is the on-chain order format the venue's order API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder   `json:"order"`
	Owner     string        `json:"owner"` // API key of the order owner
	OrderType WireOrderType `json:"orderType"`
	ClientID  string        `json:"client_id,omitempty"` // idempotency key
}

// OrderResponse is the venue's reply to an order submission.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"` // e.g. "live", "matched"
	ExecPrice    string `json:"exec_price,omitempty"`
	MatchedSize  string `json:"matched_size,omitempty"`
	FeesPaid     string `json:"fees_paid,omitempty"`
	TransactHash string `json:"transaction_hash,omitempty"`
}

// CancelResponse is returned by DELETE /order and /cancel-all.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}
