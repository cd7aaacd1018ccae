package core

import (
	"context"
	"time"
)

// ILogger defines the logging interface used across the pipeline
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBroker is the outbound broker binding contract. Implementations are
// per-session: each authenticated session owns one binding instance and
// its event stream. PlaceOrder must honor the idempotency key — repeated
// submissions with the same key return the original broker order id.
type IBroker interface {
	Authenticate(ctx context.Context, creds Credentials, totpCode string) (Tokens, error)
	RefreshTokens(ctx context.Context, tokens Tokens) (Tokens, error)
	PlaceOrder(ctx context.Context, order *Order, idempotencyKey string) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	Events() <-chan BrokerEvent
	Close() error
}

// IOrderStore is the hot-state store: current order records, the
// per-order and global transition logs, the dedup window, derived
// position records and the tick mirror. All writes are fenced by the
// caller's locks.
type IOrderStore interface {
	SaveOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)

	// GetOrders bulk-loads records in one round trip. Ids with no
	// record are skipped, so the result may be shorter than the input.
	GetOrders(ctx context.Context, ids []string) ([]*Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*Order, error)

	// ListActiveOrders returns every order not yet in a terminal state.
	// Used to rebuild in-memory indexes after a restart.
	ListActiveOrders(ctx context.Context) ([]*Order, error)

	// AppendTransition atomically writes the updated order record, the
	// per-order log entry and the global log entry.
	AppendTransition(ctx context.Context, order *Order, tx Transition) error
	Transitions(ctx context.Context, orderID string) ([]Transition, error)

	// GlobalTransitions pages the global log from after the given stream
	// id ("" or "0" for the beginning) in append order.
	GlobalTransitions(ctx context.Context, afterID string, limit int) ([]LoggedTransition, error)

	// ReserveSignature claims a duplicate-signature slot for the window.
	// When the signature is already held it returns the owning order id
	// and false.
	ReserveSignature(ctx context.Context, userID, signature, orderID string, window time.Duration) (string, bool, error)
	ReleaseSignature(ctx context.Context, userID, signature string) error

	// SavePosition writes the derived per-(user, symbol) record. Closed
	// positions stay stored so realized P&L survives reopening.
	SavePosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, userID, symbol string) (*Position, error)
	ListPositions(ctx context.Context) ([]*Position, error)

	AppendTick(ctx context.Context, tick Tick) error

	SaveSessionRecord(ctx context.Context, userID, credentialID string, encSecrets []byte, info SessionInfo) error
	DeleteSessionRecord(ctx context.Context, userID, credentialID string) error
	ListSessionRecords(ctx context.Context) ([]SessionRecord, error)
}

// ILockManager hands out TTL'd distributed locks. Acquire blocks up to
// timeout, polling, and fails with the lock-timeout tag afterwards.
type ILockManager interface {
	Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (ILock, error)
}

// ILock is one held lock.
type ILock interface {
	Release(ctx context.Context) error
	Key() string
}

// IEventBus decouples the pipeline components: the order manager and the
// broker layer publish, everything else subscribes. Publishers never
// block; slow subscribers lose oldest events.
type IEventBus interface {
	PublishOrderChange(ev OrderStateChanged)
	PublishBrokerEvent(ev BrokerEvent)
	SubscribeOrderChanges(name string) <-chan OrderStateChanged
	SubscribeBrokerEvents(name string) <-chan BrokerEvent
	Unsubscribe(name string)
	Close()
}

// IHealthMonitor tracks named component checks.
type IHealthMonitor interface {
	Register(name string, check func() error)
	IsHealthy() bool
	GetStatus() map[string]error
}
