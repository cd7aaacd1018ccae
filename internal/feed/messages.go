package feed

import (
	"time"

	"order_pipeline/internal/core"

	"github.com/shopspring/decimal"
)

// Message is one frame pushed to connected clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	TypeOrderUpdate = "order_update"
	TypeBrokerEvent = "broker_event"
)

// OrderUpdate is the broadcast view of an applied transition. It
// carries the fields a dashboard needs and leaves order metadata and
// internal error detail out of the frame.
type OrderUpdate struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        core.Side       `json:"side"`
	State       core.OrderState `json:"state"`
	Seq         int64           `json:"seq"`
	Reason      string          `json:"reason,omitempty"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	PaperTrade  bool            `json:"paper_trade"`
	Ts          time.Time       `json:"ts"`
}

func NewOrderUpdateMessage(ev core.OrderStateChanged) Message {
	u := OrderUpdate{
		OrderID: ev.Transition.OrderID,
		State:   ev.Transition.To,
		Seq:     ev.Transition.Seq,
		Reason:  ev.Transition.Reason,
		Ts:      ev.Transition.Ts,
	}
	if ev.Order != nil {
		u.UserID = ev.Order.UserID
		u.Symbol = ev.Order.Symbol
		u.Side = ev.Order.Side
		u.FilledQty = ev.Order.FilledQty
		u.FilledPrice = ev.Order.FilledPrice
		u.PaperTrade = ev.Order.PaperTrade
	}
	return Message{Type: TypeOrderUpdate, Data: u}
}

func NewBrokerEventMessage(ev core.BrokerEvent) Message {
	return Message{Type: TypeBrokerEvent, Data: ev}
}
