// Package redisstore implements the hot-state layer on Redis: current
// order records, the per-order and global transition logs, the
// duplicate-signature window, the tick mirror, the session cache and
// the distributed locks that fence mutations.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"

	"github.com/redis/go-redis/v9"
)

const (
	keyOrderPrefix   = "order:"
	keyOrderTxPrefix = "order:tx:"
	keyGlobalTxLog   = "orders:txlog"
	keyUserOrders    = "user:orders:"
	keyActiveOrders  = "orders:active"
	keyDedupPrefix    = "dedup:user:"
	keyPositionPrefix = "position:"
	keyPositionIndex  = "positions:index"
	keyTickPrefix     = "ticks:"
	keySessionPrefix  = "session:"
)

// StoreConfig tunes the store independent of the shared client.
type StoreConfig struct {
	OpTimeout   time.Duration
	TickBufSize int64
	SessionTTL  time.Duration
}

// Store implements core.IOrderStore on a go-redis client.
type Store struct {
	client *redis.Client
	logger core.ILogger
	cfg    StoreConfig
}

// NewClient builds the shared Redis client from configuration.
func NewClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Reveal(),
		DB:       cfg.DB,
	})
}

// NewStore creates the hot-state store.
func NewStore(client *redis.Client, cfg StoreConfig, logger core.ILogger) *Store {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.TickBufSize <= 0 {
		cfg.TickBufSize = 256
	}
	return &Store{
		client: client,
		logger: logger.WithField("component", "redis_store"),
		cfg:    cfg,
	}
}

// Ping verifies connectivity; used by the health manager.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

func (s *Store) wrapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Timeout("redis", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SaveOrder writes the current record and indexes it for the user.
func (s *Store) SaveOrder(ctx context.Context, order *core.Order) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyOrderPrefix+order.ID, data, 0)
	pipe.SAdd(ctx, keyUserOrders+order.UserID, order.ID)
	if order.State.IsTerminal() {
		pipe.SRem(ctx, keyActiveOrders, order.ID)
	} else {
		pipe.SAdd(ctx, keyActiveOrders, order.ID)
	}
	_, err = pipe.Exec(ctx)
	return s.wrapErr(err, "save order")
}

// GetOrder loads one order record.
func (s *Store) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keyOrderPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.E(apperrors.ErrNotFound, "order %s", id)
	}
	if err != nil {
		return nil, s.wrapErr(err, "get order")
	}

	var order core.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", id, err)
	}
	return &order, nil
}

// GetOrders bulk-loads order records in one MGET round trip. Missing
// ids are skipped.
func (s *Store) GetOrders(ctx context.Context, ids []string) ([]*core.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyOrderPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrapErr(err, "bulk get orders")
	}
	orders := make([]*core.Order, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var order core.Order
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			s.logger.Warn("skipping undecodable order record", "error", err)
			continue
		}
		orders = append(orders, &order)
	}
	return orders, nil
}

// ListOrdersByUser loads every indexed order for a user. Records that
// vanished between the index read and the bulk get are skipped.
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*core.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, keyUserOrders+userID).Result()
	if err != nil {
		return nil, s.wrapErr(err, "list user orders")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyOrderPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrapErr(err, "bulk get user orders")
	}

	orders := make([]*core.Order, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var order core.Order
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			s.logger.Warn("skipping undecodable order record", "error", err)
			continue
		}
		orders = append(orders, &order)
	}
	return orders, nil
}

// ListActiveOrders returns every non-terminal order.
func (s *Store) ListActiveOrders(ctx context.Context) ([]*core.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, keyActiveOrders).Result()
	if err != nil {
		return nil, s.wrapErr(err, "list active orders")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyOrderPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrapErr(err, "bulk get active orders")
	}
	orders := make([]*core.Order, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var order core.Order
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			continue
		}
		orders = append(orders, &order)
	}
	return orders, nil
}

// AppendTransition atomically writes the updated record, the per-order
// log entry and the global log entry. The global log is the replay
// oracle for the DB sync worker.
func (s *Store) AppendTransition(ctx context.Context, order *core.Order, tx core.Transition) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.ID, err)
	}

	fields := transitionValues(tx)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyOrderPrefix+order.ID, data, 0)
	pipe.SAdd(ctx, keyUserOrders+order.UserID, order.ID)
	if order.State.IsTerminal() {
		pipe.SRem(ctx, keyActiveOrders, order.ID)
	} else {
		pipe.SAdd(ctx, keyActiveOrders, order.ID)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: keyOrderTxPrefix + order.ID,
		Values: fields,
	})
	global := map[string]interface{}{"order_id": order.ID}
	for k, v := range fields {
		global[k] = v
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: keyGlobalTxLog,
		Values: global,
	})
	_, err = pipe.Exec(ctx)
	return s.wrapErr(err, "append transition")
}

func transitionValues(tx core.Transition) map[string]interface{} {
	return map[string]interface{}{
		"seq":    tx.Seq,
		"from":   string(tx.From),
		"to":     string(tx.To),
		"reason": tx.Reason,
		"actor":  tx.Actor,
		"ts":     tx.Ts.UnixNano(),
	}
}

func parseTransition(vals map[string]interface{}) core.Transition {
	tx := core.Transition{}
	if v, ok := vals["order_id"].(string); ok {
		tx.OrderID = v
	}
	if v, ok := vals["seq"].(string); ok {
		tx.Seq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["from"].(string); ok {
		tx.From = core.OrderState(v)
	}
	if v, ok := vals["to"].(string); ok {
		tx.To = core.OrderState(v)
	}
	if v, ok := vals["reason"].(string); ok {
		tx.Reason = v
	}
	if v, ok := vals["actor"].(string); ok {
		tx.Actor = v
	}
	if v, ok := vals["ts"].(string); ok {
		ns, _ := strconv.ParseInt(v, 10, 64)
		tx.Ts = time.Unix(0, ns)
	}
	return tx
}

// Transitions returns the per-order log in append order.
func (s *Store) Transitions(ctx context.Context, orderID string) ([]core.Transition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msgs, err := s.client.XRange(ctx, keyOrderTxPrefix+orderID, "-", "+").Result()
	if err != nil {
		return nil, s.wrapErr(err, "read order transitions")
	}
	out := make([]core.Transition, 0, len(msgs))
	for _, m := range msgs {
		tx := parseTransition(m.Values)
		tx.OrderID = orderID
		out = append(out, tx)
	}
	return out, nil
}

// GlobalTransitions pages the global log strictly after the given
// stream id; "" or "0" starts from the beginning.
func (s *Store) GlobalTransitions(ctx context.Context, afterID string, limit int) ([]core.LoggedTransition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := "-"
	if afterID != "" && afterID != "0" {
		start = "(" + afterID
	}
	if limit <= 0 {
		limit = 256
	}
	msgs, err := s.client.XRangeN(ctx, keyGlobalTxLog, start, "+", int64(limit)).Result()
	if err != nil {
		return nil, s.wrapErr(err, "read global transitions")
	}
	out := make([]core.LoggedTransition, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, core.LoggedTransition{
			Transition: parseTransition(m.Values),
			StreamID:   m.ID,
		})
	}
	return out, nil
}

// ReserveSignature claims the duplicate-signature slot for the window.
// Returns the holding order id and false when already claimed.
func (s *Store) ReserveSignature(ctx context.Context, userID, signature, orderID string, window time.Duration) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := keyDedupPrefix + userID + ":" + signature
	ok, err := s.client.SetNX(ctx, key, orderID, window).Result()
	if err != nil {
		return "", false, s.wrapErr(err, "reserve signature")
	}
	if ok {
		return "", true, nil
	}
	existing, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Holder expired between SetNX and Get; treat as contended.
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrapErr(err, "read signature holder")
	}
	return existing, false, nil
}

// ReleaseSignature frees the slot early, for orders that reach a
// terminal state inside the window.
func (s *Store) ReleaseSignature(ctx context.Context, userID, signature string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.client.Del(ctx, keyDedupPrefix+userID+":"+signature).Err()
	return s.wrapErr(err, "release signature")
}

// SavePosition writes the derived per-(user, symbol) record and indexes
// it for bulk reads. Closed positions are kept so realized P&L survives
// reopening.
func (s *Store) SavePosition(ctx context.Context, p *core.Position) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	member := p.UserID + ":" + p.Symbol
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyPositionPrefix+member, data, 0)
	pipe.SAdd(ctx, keyPositionIndex, member)
	_, err = pipe.Exec(ctx)
	return s.wrapErr(err, "save position")
}

// GetPosition loads one position record.
func (s *Store) GetPosition(ctx context.Context, userID, symbol string) (*core.Position, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, keyPositionPrefix+userID+":"+symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.E(apperrors.ErrNotFound, "position %s/%s", userID, symbol)
	}
	if err != nil {
		return nil, s.wrapErr(err, "get position")
	}
	var p core.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal position %s/%s: %w", userID, symbol, err)
	}
	return &p, nil
}

// ListPositions returns every stored position record.
func (s *Store) ListPositions(ctx context.Context) ([]*core.Position, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, keyPositionIndex).Result()
	if err != nil {
		return nil, s.wrapErr(err, "list positions")
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = keyPositionPrefix + m
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrapErr(err, "bulk get positions")
	}
	positions := make([]*core.Position, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p core.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("skipping undecodable position record", "error", err)
			continue
		}
		positions = append(positions, &p)
	}
	return positions, nil
}

// AppendTick mirrors a tick into the bounded per-symbol stream.
func (s *Store) AppendTick(ctx context.Context, tick core.Tick) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: keyTickPrefix + tick.Symbol,
		MaxLen: s.cfg.TickBufSize,
		Approx: true,
		Values: map[string]interface{}{
			"bid":  tick.Bid.String(),
			"ask":  tick.Ask.String(),
			"last": tick.Last.String(),
			"ts":   tick.Ts.UnixNano(),
		},
	}).Err()
	return s.wrapErr(err, "append tick")
}

// SaveSessionRecord caches one broker session with its encrypted
// secrets. The record expires with session inactivity.
func (s *Store) SaveSessionRecord(ctx context.Context, userID, credentialID string, encSecrets []byte, info core.SessionInfo) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := keySessionPrefix + userID + ":" + credentialID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"broker_type":   info.BrokerType,
		"health":        string(info.Health),
		"error_count":   info.ErrorCount,
		"last_activity": info.LastActivity.UnixNano(),
		"created_at":    info.CreatedAt.UnixNano(),
		"enc_secrets":   encSecrets,
	})
	if s.cfg.SessionTTL > 0 {
		pipe.PExpire(ctx, key, s.cfg.SessionTTL)
	}
	_, err := pipe.Exec(ctx)
	return s.wrapErr(err, "save session record")
}

// DeleteSessionRecord removes a cached session.
func (s *Store) DeleteSessionRecord(ctx context.Context, userID, credentialID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.client.Del(ctx, keySessionPrefix+userID+":"+credentialID).Err()
	return s.wrapErr(err, "delete session record")
}

// ListSessionRecords loads every cached session with its sealed
// secrets. Session counts are bounded by active users, so a KEYS scan
// is acceptable here.
func (s *Store) ListSessionRecords(ctx context.Context) ([]core.SessionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys, err := s.client.Keys(ctx, keySessionPrefix+"*").Result()
	if err != nil {
		return nil, s.wrapErr(err, "list session keys")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, s.wrapErr(err, "bulk get sessions")
	}

	records := make([]core.SessionRecord, 0, len(keys))
	for i, k := range keys {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// Expired between the scan and the read.
			continue
		}
		userID, credentialID, ok := strings.Cut(strings.TrimPrefix(k, keySessionPrefix), ":")
		if !ok {
			continue
		}
		errorCount, _ := strconv.Atoi(fields["error_count"])
		lastActivity, _ := strconv.ParseInt(fields["last_activity"], 10, 64)
		createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
		records = append(records, core.SessionRecord{
			Info: core.SessionInfo{
				UserID:       userID,
				CredentialID: credentialID,
				BrokerType:   fields["broker_type"],
				Health:       core.SessionHealth(fields["health"]),
				ErrorCount:   errorCount,
				LastActivity: time.Unix(0, lastActivity),
				CreatedAt:    time.Unix(0, createdAt),
			},
			EncSecrets: []byte(fields["enc_secrets"]),
		})
	}
	return records, nil
}

// Client exposes the underlying client for subsystems that share it
// (queue streams, locks).
func (s *Store) Client() *redis.Client {
	return s.client
}
