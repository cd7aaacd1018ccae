package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is a known direction.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType selects the matching/submission semantics.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit || t == OrderTypeStop
}

// ProductType is the settlement product the order trades under.
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductDelivery ProductType = "DELIVERY"
	ProductBTST     ProductType = "BTST"
)

// Priority routes queue items across the three dispatch streams.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Valid reports whether the priority maps to a dispatch stream.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// Label is the human name used in logs and metric attributes.
func (p Priority) Label() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Signal is a strategy's intent to trade. Immutable once created;
// identical fingerprints inside the rate window collapse to one Order.
type Signal struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	StrategyID   string            `json:"strategy_id,omitempty"`
	CredentialID string            `json:"credential_id,omitempty"`
	Symbol       string            `json:"symbol"`
	Side         Side              `json:"side"`
	OrderType    OrderType         `json:"order_type"`
	ProductType  ProductType       `json:"product_type"`
	Quantity     decimal.Decimal   `json:"quantity"`
	Price        decimal.Decimal   `json:"price,omitempty"`
	TriggerPrice decimal.Decimal   `json:"trigger_price,omitempty"`
	Priority     Priority          `json:"priority,omitempty"`
	PaperTrade   bool              `json:"paper_trade"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Order is the canonical trade record. State moves only along the
// transitions encoded in OrderState.CanTransitionTo.
type Order struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	StrategyID    string            `json:"strategy_id,omitempty"`
	SignalID      string            `json:"signal_id,omitempty"`
	CredentialID  string            `json:"credential_id,omitempty"`
	Symbol        string            `json:"symbol"`
	Side          Side              `json:"side"`
	OrderType     OrderType         `json:"order_type"`
	ProductType   ProductType       `json:"product_type"`
	Quantity      decimal.Decimal   `json:"qty"`
	Price         decimal.Decimal   `json:"price"`
	TriggerPrice  decimal.Decimal   `json:"trigger_price,omitempty"`
	FilledQty     decimal.Decimal   `json:"filled_qty"`
	FilledPrice   decimal.Decimal   `json:"filled_price"`
	State         OrderState        `json:"state"`
	Priority      Priority          `json:"priority"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	ErrorMsg      string            `json:"error,omitempty"`
	RetryCount    int               `json:"retry_count"`
	PaperTrade    bool              `json:"paper_trade"`
	TxSeq         int64             `json:"tx_seq"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	c := *o
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Transition is one attempted state change, successful or not. The
// sequence is per-order and strictly increasing for applied transitions.
type Transition struct {
	OrderID string     `json:"order_id"`
	Seq     int64      `json:"seq"`
	From    OrderState `json:"from"`
	To      OrderState `json:"to"`
	Reason  string     `json:"reason,omitempty"`
	Actor   string     `json:"actor"`
	Ts      time.Time  `json:"ts"`
}

// LoggedTransition is a Transition as read back from the global
// transition log, carrying its stream position for replay bookkeeping.
type LoggedTransition struct {
	Transition
	StreamID string `json:"stream_id"`
}

// QueueItem is the unit of work between enqueue and worker claim.
type QueueItem struct {
	OrderID    string    `json:"order_id"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	StreamID   string    `json:"-"`
}

// Tick is a point-in-time market data record for one symbol.
type Tick struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Ts     time.Time       `json:"ts"`
}

// Position is the derived per-(user, symbol) net exposure. Fully
// reconstructable from the FILLED order log.
type Position struct {
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	NetQty        decimal.Decimal `json:"net_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Open          bool            `json:"open"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
}

// SessionHealth is the broker session lifecycle state.
type SessionHealth string

const (
	SessionNew            SessionHealth = "NEW"
	SessionAuthenticating SessionHealth = "AUTHENTICATING"
	SessionHealthy        SessionHealth = "HEALTHY"
	SessionDegraded       SessionHealth = "DEGRADED"
	SessionError          SessionHealth = "ERROR"
	SessionExpired        SessionHealth = "EXPIRED"
)

// Credentials hold one broker credential set. Encrypted before any write
// outside process memory.
type Credentials struct {
	APIKey   string `json:"api_key"`
	ClientID string `json:"client_id"`
	Password string `json:"password"`
	TOTPSeed string `json:"totp_seed"`
}

// Tokens are the auth material returned by a broker binding.
type Tokens struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionInfo is an immutable snapshot of one broker session for
// read-only listing.
type SessionInfo struct {
	UserID       string        `json:"user_id"`
	CredentialID string        `json:"credential_id"`
	BrokerType   string        `json:"broker_type"`
	Health       SessionHealth `json:"health"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SessionRecord is one cached broker session as stored, with its
// sealed secrets. The sync worker persists these; secrets stay
// encrypted end to end.
type SessionRecord struct {
	Info       SessionInfo `json:"info"`
	EncSecrets []byte      `json:"enc_secrets"`
}

// BrokerEventType classifies events on the broker stream.
type BrokerEventType string

const (
	BrokerEventAck         BrokerEventType = "ACK"
	BrokerEventFill        BrokerEventType = "FILL"
	BrokerEventPartialFill BrokerEventType = "PARTIAL_FILL"
	BrokerEventReject      BrokerEventType = "REJECT"
	BrokerEventCancel      BrokerEventType = "CANCEL"
)

// BrokerEvent is one async notification from a broker binding or the
// paper matcher (both produce the same shape).
type BrokerEvent struct {
	Type          BrokerEventType `json:"type"`
	UserID        string          `json:"user_id"`
	OrderID       string          `json:"order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	FilledQty     decimal.Decimal `json:"filled_qty,omitempty"`
	FillPrice     decimal.Decimal `json:"fill_price,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Ts            time.Time       `json:"ts"`
}

// OrderStateChanged is published on the bus after every applied
// transition; Order is a snapshot taken under the order lock.
type OrderStateChanged struct {
	Order      *Order     `json:"order"`
	Transition Transition `json:"transition"`
}

// OrderFilter narrows ListByUser results. Zero values match everything.
type OrderFilter struct {
	Symbol string
	State  OrderState
	Since  time.Time
}

// Match reports whether the order passes the filter.
func (f OrderFilter) Match(o *Order) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.State != "" && o.State != f.State {
		return false
	}
	if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
