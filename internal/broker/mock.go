package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockBroker implements core.IBroker for tests and local development.
// Outcomes can be scripted per call; placements are idempotent on the
// submission key like a real broker dedup window.
type MockBroker struct {
	mu             sync.Mutex
	name           string
	tokenTTL       time.Duration
	orderIDCounter int64
	orders         map[string]*core.Order // broker order id -> snapshot
	clientOrderMap map[string]string      // idempotency key -> broker order id
	placeScript    []error
	authScript     []error
	lastTOTP       string
	authCalls      int
	refreshCalls   int
	silentAcks     bool
	events         chan core.BrokerEvent
	closeOnce      sync.Once
}

// NewMockBroker creates a mock with an hour-long token lifetime.
func NewMockBroker(name string) *MockBroker {
	return &MockBroker{
		name:           name,
		tokenTTL:       time.Hour,
		orderIDCounter: 1000,
		orders:         make(map[string]*core.Order),
		clientOrderMap: make(map[string]string),
		events:         make(chan core.BrokerEvent, 64),
	}
}

// SetTokenTTL overrides the minted token lifetime.
func (m *MockBroker) SetTokenTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenTTL = ttl
}

// SilenceAcks suppresses ACK events so tests can hold an order in its
// submission state.
func (m *MockBroker) SilenceAcks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silentAcks = true
}

// ScriptPlacements preloads per-call outcomes for PlaceOrder. A nil
// entry succeeds; the script consumes one entry per attempt.
func (m *MockBroker) ScriptPlacements(outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeScript = append(m.placeScript, outcomes...)
}

// ScriptAuth preloads per-call outcomes for Authenticate.
func (m *MockBroker) ScriptAuth(outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authScript = append(m.authScript, outcomes...)
}

// LastTOTP returns the one-time code seen by the latest Authenticate.
func (m *MockBroker) LastTOTP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTOTP
}

// AuthCalls returns how many Authenticate calls the mock served.
func (m *MockBroker) AuthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authCalls
}

// RefreshCalls returns how many RefreshTokens calls the mock served.
func (m *MockBroker) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// PlacedOrders returns the broker-side order snapshots.
func (m *MockBroker) PlacedOrders() []*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

func (m *MockBroker) Authenticate(ctx context.Context, creds core.Credentials, totpCode string) (core.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	m.lastTOTP = totpCode
	if len(m.authScript) > 0 {
		err := m.authScript[0]
		m.authScript = m.authScript[1:]
		if err != nil {
			return core.Tokens{}, err
		}
	}
	if creds.APIKey == "" {
		return core.Tokens{}, apperrors.E(apperrors.ErrValidation, "api key is required")
	}
	now := time.Now()
	return core.Tokens{
		Access:    fmt.Sprintf("mock-access-%d", now.UnixNano()),
		Refresh:   fmt.Sprintf("mock-refresh-%d", now.UnixNano()),
		ExpiresAt: now.Add(m.tokenTTL),
	}, nil
}

func (m *MockBroker) RefreshTokens(ctx context.Context, tokens core.Tokens) (core.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if tokens.Refresh == "" {
		return core.Tokens{}, apperrors.E(apperrors.ErrTransient, "refresh token missing")
	}
	now := time.Now()
	return core.Tokens{
		Access:    fmt.Sprintf("mock-access-%d", now.UnixNano()),
		Refresh:   tokens.Refresh,
		ExpiresAt: now.Add(m.tokenTTL),
	}, nil
}

// PlaceOrder accepts an order, consuming one scripted outcome when any
// are queued. A repeated idempotency key returns the original broker
// order id without consuming the script.
func (m *MockBroker) PlaceOrder(ctx context.Context, order *core.Order, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if existing, ok := m.clientOrderMap[idempotencyKey]; ok {
			return existing, nil
		}
	}

	if len(m.placeScript) > 0 {
		err := m.placeScript[0]
		m.placeScript = m.placeScript[1:]
		if err != nil {
			return "", err
		}
	}

	m.orderIDCounter++
	brokerID := fmt.Sprintf("%s-%d", m.name, m.orderIDCounter)
	m.orders[brokerID] = order.Clone()
	if idempotencyKey != "" {
		m.clientOrderMap[idempotencyKey] = brokerID
	}

	if !m.silentAcks {
		m.emit(core.BrokerEvent{
			Type:          core.BrokerEventAck,
			UserID:        order.UserID,
			OrderID:       order.ID,
			BrokerOrderID: brokerID,
			Ts:            time.Now(),
		})
	}
	return brokerID, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return apperrors.E(apperrors.ErrNotFound, "broker order %s", brokerOrderID)
	}
	m.emit(core.BrokerEvent{
		Type:          core.BrokerEventCancel,
		UserID:        o.UserID,
		OrderID:       o.ID,
		BrokerOrderID: brokerOrderID,
		Reason:        "cancelled at broker",
		Ts:            time.Now(),
	})
	return nil
}

func (m *MockBroker) Events() <-chan core.BrokerEvent {
	return m.events
}

func (m *MockBroker) Close() error {
	m.closeOnce.Do(func() { close(m.events) })
	return nil
}

// emit pushes without blocking; callers hold m.mu.
func (m *MockBroker) emit(ev core.BrokerEvent) {
	select {
	case m.events <- ev:
	default:
	}
}

// SimulateFill pushes a full fill for a placed order onto the event
// stream.
func (m *MockBroker) SimulateFill(brokerOrderID string, qty, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return
	}
	m.emit(core.BrokerEvent{
		Type:          core.BrokerEventFill,
		UserID:        o.UserID,
		OrderID:       o.ID,
		BrokerOrderID: brokerOrderID,
		FilledQty:     qty,
		FillPrice:     price,
		Ts:            time.Now(),
	})
}

// SimulatePartialFill pushes one execution slice.
func (m *MockBroker) SimulatePartialFill(brokerOrderID string, qty, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return
	}
	m.emit(core.BrokerEvent{
		Type:          core.BrokerEventPartialFill,
		UserID:        o.UserID,
		OrderID:       o.ID,
		BrokerOrderID: brokerOrderID,
		FilledQty:     qty,
		FillPrice:     price,
		Ts:            time.Now(),
	})
}

// SimulateReject pushes a post-placement rejection.
func (m *MockBroker) SimulateReject(brokerOrderID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return
	}
	m.emit(core.BrokerEvent{
		Type:          core.BrokerEventReject,
		UserID:        o.UserID,
		OrderID:       o.ID,
		BrokerOrderID: brokerOrderID,
		Reason:        reason,
		Ts:            time.Now(),
	})
}
