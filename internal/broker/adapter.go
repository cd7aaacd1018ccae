// Package broker owns the outbound side of the pipeline: authenticated
// per-user broker sessions, order submission with bounded retries, and
// the translation of the broker's async event stream into order
// lifecycle transitions.
package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
	"order_pipeline/pkg/retry"
	"order_pipeline/pkg/telemetry"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const actorBroker = "broker_adapter"

// OrderControl is the slice of the order manager the event pump
// drives.
type OrderControl interface {
	MarkPlaced(ctx context.Context, orderID, brokerOrderID string, retries int, actor string) (*core.Order, error)
	ApplyFill(ctx context.Context, orderID string, qty, price decimal.Decimal, actor string) (*core.Order, error)
	ApplyPartialFill(ctx context.Context, orderID string, qty, price decimal.Decimal, actor string) (*core.Order, error)
	Reject(ctx context.Context, orderID, reason, actor string) (*core.Order, error)
	ConfirmCancel(ctx context.Context, orderID, reason, actor string) (*core.Order, error)
}

// BindingFactory builds the outbound binding for one session.
type BindingFactory func(brokerType string, cfg *config.BrokerConfig, logger core.ILogger) (core.IBroker, error)

// DefaultFactory knows the built-in bindings.
func DefaultFactory(brokerType string, cfg *config.BrokerConfig, logger core.ILogger) (core.IBroker, error) {
	switch brokerType {
	case "mock":
		return NewMockBroker("mock"), nil
	case "http":
		return NewHTTPBroker(cfg, logger), nil
	default:
		return nil, apperrors.E(apperrors.ErrValidation, "unknown broker type %q", brokerType)
	}
}

// Adapter is the session registry plus the submission front end. It
// satisfies the dispatcher's live Submitter contract.
type Adapter struct {
	cfg     *config.BrokerConfig
	sessCfg *config.SessionConfig
	cipher  *Cipher
	store   core.IOrderStore
	orders  OrderControl
	bus     core.IEventBus
	factory BindingFactory
	logger  core.ILogger

	mu       sync.RWMutex
	sessions map[string]*Session

	wg           sync.WaitGroup
	scanInterval time.Duration

	submitCounter  metric.Int64Counter
	retryCounter   metric.Int64Counter
	eventCounter   metric.Int64Counter
	refreshCounter metric.Int64Counter
}

// NewAdapter creates the broker adapter. Sessions are added per user
// via AddUser; nothing connects until then.
func NewAdapter(cfg *config.BrokerConfig, sessCfg *config.SessionConfig, cipher *Cipher, store core.IOrderStore, orders OrderControl, bus core.IEventBus, factory BindingFactory, logger core.ILogger) *Adapter {
	meter := telemetry.GetMeter("broker-adapter")
	submitCounter, _ := meter.Int64Counter("pipeline_broker_submissions_total",
		metric.WithDescription("Order submissions to the broker, by result"))
	retryCounter, _ := meter.Int64Counter("pipeline_broker_retries_total",
		metric.WithDescription("Submission attempts burned on transient failures"))
	eventCounter, _ := meter.Int64Counter("pipeline_broker_events_total",
		metric.WithDescription("Events consumed from broker streams, by type"))
	refreshCounter, _ := meter.Int64Counter("pipeline_token_refreshes_total",
		metric.WithDescription("Token refresh attempts, by result"))

	if factory == nil {
		factory = DefaultFactory
	}
	return &Adapter{
		cfg:            cfg,
		sessCfg:        sessCfg,
		cipher:         cipher,
		store:          store,
		orders:         orders,
		bus:            bus,
		factory:        factory,
		logger:         logger.WithField("component", "broker_adapter"),
		sessions:       make(map[string]*Session),
		scanInterval:   30 * time.Second,
		submitCounter:  submitCounter,
		retryCounter:   retryCounter,
		eventCounter:   eventCounter,
		refreshCounter: refreshCounter,
	}
}

// AddUser authenticates a credential set and registers the session. A
// failed attempt keeps the session registered in its error state so
// repeated AddUser calls retry auth and count toward the expiry limit;
// re-adding an errored or expired session re-onboards it with the new
// credentials.
func (a *Adapter) AddUser(ctx context.Context, userID, credentialID string, creds core.Credentials) (core.SessionInfo, error) {
	if userID == "" || credentialID == "" {
		return core.SessionInfo{}, apperrors.E(apperrors.ErrValidation, "user id and credential id are required")
	}
	key := userID + ":" + credentialID

	a.mu.Lock()
	s, exists := a.sessions[key]
	if !exists {
		binding, err := a.factory(a.cfg.BrokerType, a.cfg, a.logger)
		if err != nil {
			a.mu.Unlock()
			return core.SessionInfo{}, err
		}
		s = newSession(userID, credentialID, a.cfg.BrokerType, binding, creds)
		a.sessions[key] = s
	}
	a.mu.Unlock()

	if exists {
		switch s.Health() {
		case core.SessionError, core.SessionExpired:
			s.replaceCreds(creds)
		default:
			return s.Info(), apperrors.Duplicate(key)
		}
	}

	if err := a.authenticate(ctx, s); err != nil {
		a.publishHealth(s)
		return s.Info(), err
	}

	if err := a.persistSession(ctx, s); err != nil {
		a.logger.Warn("failed to persist session record", "session", key, "error", err)
	}
	a.publishHealth(s)
	a.startPump(s)

	a.logger.Info("session added", "session", key, "broker", a.cfg.BrokerType)
	return s.Info(), nil
}

func (a *Adapter) startPump(s *Session) {
	if !s.startPumping() {
		return
	}
	a.wg.Add(1)
	go a.pumpEvents(s)
}

// RemoveUser tears a session down and erases its cached record.
func (a *Adapter) RemoveUser(ctx context.Context, userID, credentialID string) error {
	key := userID + ":" + credentialID
	a.mu.Lock()
	s, ok := a.sessions[key]
	if ok {
		delete(a.sessions, key)
	}
	a.mu.Unlock()
	if !ok {
		return apperrors.E(apperrors.ErrNotFound, "session %s", key)
	}

	s.binding.Close()
	telemetry.GetGlobalMetrics().RemoveSession(key)
	if err := a.store.DeleteSessionRecord(ctx, userID, credentialID); err != nil {
		a.logger.Warn("failed to delete session record", "session", key, "error", err)
	}
	a.logger.Info("session removed", "session", key)
	return nil
}

// ListSessions returns snapshots of every registered session.
func (a *Adapter) ListSessions() []core.SessionInfo {
	a.mu.RLock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.RUnlock()

	infos := make([]core.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UserID != infos[j].UserID {
			return infos[i].UserID < infos[j].UserID
		}
		return infos[i].CredentialID < infos[j].CredentialID
	})
	return infos
}

// SubscribeEvents returns a bounded stream of broker events. Slow
// consumers lose oldest events rather than stalling the pump.
func (a *Adapter) SubscribeEvents(name string) <-chan core.BrokerEvent {
	return a.bus.SubscribeBrokerEvents(name)
}

// sessionFor picks the session serving an order. An order without a
// credential id binds to the user's first session (stable order).
func (a *Adapter) sessionFor(userID, credentialID string) (*Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if credentialID != "" {
		if s, ok := a.sessions[userID+":"+credentialID]; ok {
			return s, nil
		}
		return nil, apperrors.E(apperrors.ErrValidation, "no session for %s:%s", userID, credentialID)
	}

	keys := make([]string, 0, 2)
	for key, s := range a.sessions {
		if s.userID == userID {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, apperrors.E(apperrors.ErrValidation, "no session for user %s", userID)
	}
	sort.Strings(keys)
	return a.sessions[keys[0]], nil
}

// Submit sends one order to the broker with the configured retry
// ladder. Only transient failures retry; a broker reject is final. The
// internal order id doubles as the idempotency key, so a duplicate
// delivery folds into the original placement.
func (a *Adapter) Submit(ctx context.Context, o *core.Order) (string, int, error) {
	s, err := a.sessionFor(o.UserID, o.CredentialID)
	if err != nil {
		a.submitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "no_session")))
		return "", 0, err
	}
	switch s.Health() {
	case core.SessionExpired:
		a.submitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "session_expired")))
		return "", 0, apperrors.E(apperrors.ErrValidation, "session %s expired, re-authentication required", s.Key())
	case core.SessionError:
		a.submitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "session_error")))
		return "", 0, apperrors.E(apperrors.ErrTransient, "session %s is re-authenticating", s.Key())
	}

	submitCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout())
	defer cancel()

	policy := retry.Policy{
		MaxAttempts:    a.cfg.RetryMax,
		InitialBackoff: a.cfg.RetryBase(),
		MaxBackoff:     a.cfg.RetryCap(),
	}

	var brokerOrderID string
	retries, err := retry.DoWithAttempts(submitCtx, policy, apperrors.IsRetryable, func() error {
		id, placeErr := s.binding.PlaceOrder(submitCtx, o, o.ID)
		s.recordOutcome(placeErr != nil, a.cfg.ErrorRateWindow(), a.cfg.ErrorRatePct)
		a.publishHealth(s)
		if placeErr != nil {
			if isAuthStale(placeErr) {
				a.refreshSession(submitCtx, s)
			}
			return placeErr
		}
		brokerOrderID = id
		return nil
	})
	s.touch()
	if retries > 0 {
		a.retryCounter.Add(ctx, int64(retries))
	}
	if err != nil {
		a.submitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", apperrors.Tag(err))))
		return "", retries, err
	}

	a.submitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "placed")))
	return brokerOrderID, retries, nil
}

// Cancel forwards a cancel to the broker that holds the order. Best
// effort: the authoritative answer arrives on the event stream.
func (a *Adapter) Cancel(ctx context.Context, userID, credentialID, brokerOrderID string) error {
	s, err := a.sessionFor(userID, credentialID)
	if err != nil {
		return err
	}
	s.touch()
	if err := s.binding.CancelOrder(ctx, brokerOrderID); err != nil {
		s.recordOutcome(true, a.cfg.ErrorRateWindow(), a.cfg.ErrorRatePct)
		a.publishHealth(s)
		return err
	}
	s.recordOutcome(false, a.cfg.ErrorRateWindow(), a.cfg.ErrorRatePct)
	a.publishHealth(s)
	return nil
}

// authenticate runs the full login: TOTP minting, the binding call,
// and the failure accounting that can expire the session.
func (a *Adapter) authenticate(ctx context.Context, s *Session) error {
	s.markAuthenticating()
	creds := s.currentCreds()

	code := ""
	if creds.TOTPSeed != "" {
		var err error
		code, err = totp.GenerateCode(creds.TOTPSeed, time.Now())
		if err != nil {
			s.recordAuthFailure(a.cfg.AuthFailLimit)
			return apperrors.Wrap(apperrors.ErrValidation, err, "totp seed rejected")
		}
	}

	tokens, err := s.binding.Authenticate(ctx, creds, code)
	if err != nil {
		health := s.recordAuthFailure(a.cfg.AuthFailLimit)
		a.logger.Warn("authentication failed", "session", s.Key(), "health", health, "error", err)
		return err
	}

	s.setTokens(tokens, a.cfg.RefreshAtPct)
	s.recordAuthSuccess()
	a.logger.Info("session authenticated", "session", s.Key(), "expires_at", tokens.ExpiresAt)
	return nil
}

// refreshSession rotates tokens, falling back to a full re-auth when
// the refresh grant is refused. Auth failures here count toward the
// same expiry limit as login failures.
func (a *Adapter) refreshSession(ctx context.Context, s *Session) {
	fresh, err := s.binding.RefreshTokens(ctx, s.Tokens())
	if err == nil {
		s.setTokens(fresh, a.cfg.RefreshAtPct)
		s.recordAuthSuccess()
		a.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "refreshed")))
		a.publishHealth(s)
		if err := a.persistSession(ctx, s); err != nil {
			a.logger.Warn("failed to persist refreshed session", "session", s.Key(), "error", err)
		}
		return
	}

	a.logger.Warn("token refresh failed, re-authenticating", "session", s.Key(), "error", err)
	if authErr := a.authenticate(ctx, s); authErr != nil {
		a.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		a.publishHealth(s)
		return
	}
	a.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "reauthenticated")))
	a.publishHealth(s)
	if err := a.persistSession(ctx, s); err != nil {
		a.logger.Warn("failed to persist re-authenticated session", "session", s.Key(), "error", err)
	}
}

// persistSession caches the sealed credentials and session snapshot in
// the hot store for restart recovery and durable sync.
func (a *Adapter) persistSession(ctx context.Context, s *Session) error {
	blob, err := a.cipher.Seal(s.currentCreds())
	if err != nil {
		return err
	}
	return a.store.SaveSessionRecord(ctx, s.userID, s.credentialID, blob, s.Info())
}

func (a *Adapter) publishHealth(s *Session) {
	telemetry.GetGlobalMetrics().SetSessionHealth(s.Key(), healthLevel(s.Health()))
}

// pumpEvents drains one session's event stream into order transitions
// and the shared bus. Runs until the binding closes its channel.
func (a *Adapter) pumpEvents(s *Session) {
	defer a.wg.Done()
	logger := a.logger.WithField("session", s.Key())
	ctx := context.Background()

	for ev := range s.binding.Events() {
		a.eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
		if ev.UserID == "" {
			ev.UserID = s.userID
		}
		a.bus.PublishBrokerEvent(ev)
		a.applyEvent(ctx, ev, logger)
		s.touch()
	}
	logger.Debug("event stream closed")
}

// applyEvent maps one broker notification onto the order state
// machine. Out-of-order or repeated events surface as invalid
// transitions and are dropped after logging.
func (a *Adapter) applyEvent(ctx context.Context, ev core.BrokerEvent, logger core.ILogger) {
	if ev.OrderID == "" {
		logger.Warn("broker event without order id", "type", ev.Type, "broker_order_id", ev.BrokerOrderID)
		return
	}

	var err error
	switch ev.Type {
	case core.BrokerEventAck:
		// Normally a no-op: the submit path already marked the order
		// placed. Covers the crash window between broker accept and the
		// state write.
		_, err = a.orders.MarkPlaced(ctx, ev.OrderID, ev.BrokerOrderID, 0, actorBroker)
		if apperrors.Tag(err) == "invalid_transition" {
			return
		}
	case core.BrokerEventFill:
		_, err = a.orders.ApplyFill(ctx, ev.OrderID, ev.FilledQty, ev.FillPrice, actorBroker)
	case core.BrokerEventPartialFill:
		_, err = a.orders.ApplyPartialFill(ctx, ev.OrderID, ev.FilledQty, ev.FillPrice, actorBroker)
	case core.BrokerEventReject:
		_, err = a.orders.Reject(ctx, ev.OrderID, ev.Reason, actorBroker)
	case core.BrokerEventCancel:
		_, err = a.orders.ConfirmCancel(ctx, ev.OrderID, ev.Reason, actorBroker)
	default:
		logger.Warn("unknown broker event type", "type", ev.Type, "order_id", ev.OrderID)
		return
	}
	if err != nil {
		logger.Warn("failed to apply broker event",
			"type", ev.Type, "order_id", ev.OrderID, "error", err)
	}
}

// Run drives the background session maintenance: proactive token
// refresh and inactivity teardown. Blocks until ctx ends.
func (a *Adapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.scanInterval)
	defer ticker.Stop()

	a.logger.Info("session maintenance started", "scan_interval", a.scanInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// sweep is one maintenance pass over the registry.
func (a *Adapter) sweep(ctx context.Context) {
	a.mu.RLock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.RUnlock()

	ttl := a.sessCfg.InactiveTTL()
	for _, s := range sessions {
		if ttl > 0 && time.Since(s.idleSince()) > ttl {
			a.logger.Info("destroying inactive session", "session", s.Key())
			if err := a.RemoveUser(ctx, s.userID, s.credentialID); err != nil {
				a.logger.Warn("failed to remove inactive session", "session", s.Key(), "error", err)
			}
			continue
		}
		if s.Health() == core.SessionExpired {
			continue
		}
		if s.refreshDue() {
			a.refreshSession(ctx, s)
		}
	}
}

// CheckHealth satisfies the health registry: red when any session has
// expired or fallen into ERROR.
func (a *Adapter) CheckHealth() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for key, s := range a.sessions {
		switch s.Health() {
		case core.SessionExpired:
			return apperrors.E(apperrors.ErrValidation, "session %s expired", key)
		case core.SessionError:
			return apperrors.E(apperrors.ErrTransient, "session %s unhealthy", key)
		}
	}
	return nil
}

// Close tears down every binding and waits for the pumps to drain.
func (a *Adapter) Close() error {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()

	for key, s := range sessions {
		s.binding.Close()
		telemetry.GetGlobalMetrics().RemoveSession(key)
	}
	a.wg.Wait()
	return nil
}
