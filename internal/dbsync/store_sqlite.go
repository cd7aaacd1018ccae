package dbsync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
	"order_pipeline/pkg/telemetry"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// zstdMagic prefixes every compressed metadata blob; readers sniff it
// so plain blobs written below the threshold stay readable.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	strategy_id TEXT,
	signal_id TEXT,
	credential_id TEXT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	product_type TEXT,
	qty TEXT NOT NULL,
	price TEXT,
	trigger_price TEXT,
	filled_qty TEXT,
	filled_price TEXT,
	status TEXT NOT NULL,
	priority INTEGER,
	broker_order_id TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	paper_trade INTEGER NOT NULL DEFAULT 0,
	tx_seq INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	metadata_json BLOB
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);

CREATE TABLE IF NOT EXISTS order_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT,
	actor TEXT,
	ts INTEGER NOT NULL,
	UNIQUE(order_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_transitions_order ON order_transitions(order_id);

CREATE TABLE IF NOT EXISTS positions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	qty TEXT NOT NULL,
	avg_price TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	status TEXT NOT NULL,
	opened_at INTEGER,
	closed_at INTEGER,
	UNIQUE(user_id, symbol)
);

CREATE TABLE IF NOT EXISTS broker_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	broker_type TEXT,
	enc_secrets BLOB,
	token_access TEXT,
	token_refresh TEXT,
	health TEXT NOT NULL,
	last_activity INTEGER,
	error_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE(user_id, credential_id)
);

CREATE TABLE IF NOT EXISTS dsw_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

var orderColumns = []string{
	"id", "user_id", "strategy_id", "signal_id", "credential_id", "symbol",
	"side", "order_type", "product_type", "qty", "price", "trigger_price",
	"filled_qty", "filled_price", "status", "priority", "broker_order_id",
	"error", "retry_count", "paper_trade", "tx_seq", "created_at",
	"updated_at", "metadata_json",
}

// upsertChunk bounds rows per statement so bind counts stay well under
// the SQLite variable limit.
const upsertChunk = 32

// FieldMask narrows the column set an order upsert refreshes on
// conflict. The insert arm always carries the full row, so an order the
// database has never seen lands whole whatever its mask says.
type FieldMask uint8

const (
	// MaskStatus covers the columns every applied transition touches.
	MaskStatus FieldMask = 1 << iota
	// MaskFill adds the execution columns.
	MaskFill
	// MaskBroker adds the venue order id.
	MaskBroker

	MaskAll = MaskStatus | MaskFill | MaskBroker
)

func (m FieldMask) updateColumns() []string {
	cols := []string{"status", "error", "retry_count", "tx_seq", "updated_at"}
	if m&MaskFill != 0 {
		cols = append(cols, "filled_qty", "filled_price")
	}
	if m&MaskBroker != 0 {
		cols = append(cols, "broker_order_id")
	}
	if m == MaskAll {
		cols = append(cols, "metadata_json")
	}
	return cols
}

// SQLStore is the durable side of the pipeline. Only the sync worker
// writes it; bootstrap recovery and read-only query paths read it.
type SQLStore struct {
	db        *sql.DB
	logger    core.ILogger
	opTimeout time.Duration
	threshold int

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt

	enc *zstd.Encoder
	dec *zstd.Decoder

	blobBytes metric.Int64Counter
}

// NewSQLStore opens (or creates) the database, switches it to WAL mode
// for crash recovery and ensures the schema. compressThreshold is the
// metadata blob size above which zstd kicks in.
func NewSQLStore(path string, opTimeout time.Duration, compressThreshold int, logger core.ILogger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init decompressor: %w", err)
	}

	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	if compressThreshold <= 0 {
		compressThreshold = 1024
	}

	meter := telemetry.GetMeter("sql-store")
	blobBytes, _ := meter.Int64Counter("pipeline_dsw_metadata_bytes_total",
		metric.WithDescription("Metadata blob bytes before and after sealing, by stage"))

	return &SQLStore{
		db:        db,
		logger:    logger.WithField("component", "sql_store"),
		opTimeout: opTimeout,
		threshold: compressThreshold,
		stmts:     make(map[string]*sql.Stmt),
		enc:       enc,
		dec:       dec,
		blobBytes: blobBytes,
	}, nil
}

// Ping verifies the database is reachable; used by the health manager.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the statement cache, the codecs and the database.
func (s *SQLStore) Close() error {
	s.stmtMu.Lock()
	for _, st := range s.stmts {
		_ = st.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.stmtMu.Unlock()
	_ = s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *SQLStore) wrapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Timeout("sql", err)
	}
	return apperrors.Wrap(apperrors.ErrTransient, err, "%s", op)
}

// prep caches prepared statements by query text.
func (s *SQLStore) prep(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = st
	return st, nil
}

func orderUpsertQuery(mask FieldMask, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO orders (")
	b.WriteString(strings.Join(orderColumns, ", "))
	b.WriteString(") VALUES ")
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(orderColumns)), ",") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
	}
	b.WriteString(" ON CONFLICT(id) DO UPDATE SET ")
	for i, c := range mask.updateColumns() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
		b.WriteString(" = excluded.")
		b.WriteString(c)
	}
	return b.String()
}

// UpsertOrders lands the given records, grouped by field mask so each
// group's conflict arm rewrites only the columns that changed. Orders
// without a mask entry are written whole. One transaction covers the
// batch.
func (s *SQLStore) UpsertOrders(ctx context.Context, orders []*core.Order, masks map[string]FieldMask) error {
	if len(orders) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	groups := make(map[FieldMask][]*core.Order)
	for _, o := range orders {
		mask := masks[o.ID]
		if mask == 0 {
			mask = MaskAll
		}
		groups[mask] = append(groups[mask], o)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapErr(err, "begin order upsert")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for mask, group := range groups {
		for start := 0; start < len(group); start += upsertChunk {
			end := start + upsertChunk
			if end > len(group) {
				end = len(group)
			}
			chunk := group[start:end]
			st, err := s.prep(ctx, orderUpsertQuery(mask, len(chunk)))
			if err != nil {
				return s.wrapErr(err, "prepare order upsert")
			}
			args := make([]interface{}, 0, len(chunk)*len(orderColumns))
			for _, o := range chunk {
				rowArgs, err := s.orderArgs(ctx, o)
				if err != nil {
					return err
				}
				args = append(args, rowArgs...)
			}
			if _, err := tx.StmtContext(ctx, st).ExecContext(ctx, args...); err != nil {
				return s.wrapErr(err, "upsert orders")
			}
		}
	}
	return s.wrapErr(tx.Commit(), "commit order upsert")
}

func (s *SQLStore) orderArgs(ctx context.Context, o *core.Order) ([]interface{}, error) {
	meta, err := s.sealMetadata(ctx, o.Metadata)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		o.ID, o.UserID, nullStr(o.StrategyID), nullStr(o.SignalID), nullStr(o.CredentialID),
		o.Symbol, string(o.Side), string(o.OrderType), string(o.ProductType),
		o.Quantity.String(), o.Price.String(), o.TriggerPrice.String(),
		o.FilledQty.String(), o.FilledPrice.String(),
		string(o.State), int(o.Priority), nullStr(o.BrokerOrderID), nullStr(o.ErrorMsg),
		o.RetryCount, boolInt(o.PaperTrade), o.TxSeq,
		o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(), meta,
	}, nil
}

const insertTransitionQuery = `INSERT OR IGNORE INTO order_transitions
	(order_id, seq, from_state, to_state, reason, actor, ts)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// ApplyTransitions writes one order's pending log entries in sequence
// order. Rows are keyed by (order_id, seq), so replaying a page after a
// crash inserts nothing twice. The transaction never carries more than
// one order's rows.
func (s *SQLStore) ApplyTransitions(ctx context.Context, orderID string, txs []core.Transition) error {
	if len(txs) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	st, err := s.prep(ctx, insertTransitionQuery)
	if err != nil {
		return s.wrapErr(err, "prepare transition insert")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapErr(err, "begin transition insert")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt := tx.StmtContext(ctx, st)
	for _, t := range txs {
		if t.OrderID != orderID {
			return apperrors.E(apperrors.ErrValidation, "transition for %s in batch for %s", t.OrderID, orderID)
		}
		if _, err := stmt.ExecContext(ctx, t.OrderID, t.Seq, string(t.From), string(t.To),
			nullStr(t.Reason), t.Actor, t.Ts.UnixNano()); err != nil {
			return s.wrapErr(err, "insert transition")
		}
	}
	return s.wrapErr(tx.Commit(), "commit transitions")
}

const positionUpsertQuery = `INSERT INTO positions
	(user_id, symbol, qty, avg_price, realized_pnl, unrealized_pnl, status, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, symbol) DO UPDATE SET
	qty = excluded.qty, avg_price = excluded.avg_price,
	realized_pnl = excluded.realized_pnl, unrealized_pnl = excluded.unrealized_pnl,
	status = excluded.status, opened_at = excluded.opened_at, closed_at = excluded.closed_at`

// UpsertPositions lands the derived position records.
func (s *SQLStore) UpsertPositions(ctx context.Context, positions []*core.Position) error {
	if len(positions) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	st, err := s.prep(ctx, positionUpsertQuery)
	if err != nil {
		return s.wrapErr(err, "prepare position upsert")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapErr(err, "begin position upsert")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt := tx.StmtContext(ctx, st)
	for _, p := range positions {
		status := "CLOSED"
		if p.Open {
			status = "OPEN"
		}
		if _, err := stmt.ExecContext(ctx, p.UserID, p.Symbol,
			p.NetQty.String(), p.AvgPrice.String(), p.RealizedPnL.String(), p.UnrealizedPnL.String(),
			status, nullTime(p.OpenedAt), nullTime(p.ClosedAt)); err != nil {
			return s.wrapErr(err, "upsert position")
		}
	}
	return s.wrapErr(tx.Commit(), "commit position upsert")
}

const sessionUpsertQuery = `INSERT INTO broker_sessions
	(user_id, credential_id, broker_type, enc_secrets, health, last_activity, error_count)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, credential_id) DO UPDATE SET
	broker_type = excluded.broker_type, enc_secrets = excluded.enc_secrets,
	health = excluded.health, last_activity = excluded.last_activity,
	error_count = excluded.error_count`

// UpsertSessions mirrors the cached broker sessions. Tokens are never
// persisted; those columns stay NULL and sessions re-authenticate after
// a restart.
func (s *SQLStore) UpsertSessions(ctx context.Context, records []core.SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	st, err := s.prep(ctx, sessionUpsertQuery)
	if err != nil {
		return s.wrapErr(err, "prepare session upsert")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapErr(err, "begin session upsert")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt := tx.StmtContext(ctx, st)
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Info.UserID, r.Info.CredentialID,
			nullStr(r.Info.BrokerType), r.EncSecrets, string(r.Info.Health),
			nullTime(r.Info.LastActivity), r.Info.ErrorCount); err != nil {
			return s.wrapErr(err, "upsert session")
		}
	}
	return s.wrapErr(tx.Commit(), "commit session upsert")
}

// SetMeta stores one sync bookkeeping value, such as the replay cursor.
func (s *SQLStore) SetMeta(ctx context.Context, key, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dsw_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return s.wrapErr(err, "set meta")
}

// GetMeta reads a bookkeeping value; absent keys return "".
func (s *SQLStore) GetMeta(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM dsw_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", s.wrapErr(err, "get meta")
	}
	return value, nil
}

// GetOrderRow reads one persisted order back into its record form.
func (s *SQLStore) GetOrderRow(ctx context.Context, id string) (*core.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+strings.Join(orderColumns, ", ")+` FROM orders WHERE id = ?`, id)

	var o core.Order
	var strategyID, signalID, credentialID, productType, brokerOrderID, errorMsg sql.NullString
	var qty, price, trigger, filledQty, filledPrice, side, orderType, status string
	var priority, paperTrade int
	var createdAt, updatedAt int64
	var meta []byte

	err := row.Scan(&o.ID, &o.UserID, &strategyID, &signalID, &credentialID, &o.Symbol,
		&side, &orderType, &productType, &qty, &price, &trigger,
		&filledQty, &filledPrice, &status, &priority, &brokerOrderID,
		&errorMsg, &o.RetryCount, &paperTrade, &o.TxSeq, &createdAt, &updatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.E(apperrors.ErrNotFound, "order %s not persisted", id)
	}
	if err != nil {
		return nil, s.wrapErr(err, "read order row")
	}

	o.StrategyID = strategyID.String
	o.SignalID = signalID.String
	o.CredentialID = credentialID.String
	o.Side = core.Side(side)
	o.OrderType = core.OrderType(orderType)
	o.ProductType = core.ProductType(productType.String)
	o.State = core.OrderState(status)
	o.Priority = core.Priority(priority)
	o.BrokerOrderID = brokerOrderID.String
	o.ErrorMsg = errorMsg.String
	o.PaperTrade = paperTrade != 0
	o.CreatedAt = time.Unix(0, createdAt)
	o.UpdatedAt = time.Unix(0, updatedAt)

	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Quantity, qty}, {&o.Price, price}, {&o.TriggerPrice, trigger},
		{&o.FilledQty, filledQty}, {&o.FilledPrice, filledPrice},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return nil, fmt.Errorf("decode decimal %q for order %s: %w", pair.src, id, err)
		}
		*pair.dst = d
	}

	o.Metadata, err = s.openMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// TransitionsFor reads one order's persisted log in sequence order.
func (s *SQLStore) TransitionsFor(ctx context.Context, orderID string) ([]core.Transition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, seq, from_state, to_state, reason, actor, ts
		 FROM order_transitions WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, s.wrapErr(err, "read transitions")
	}
	defer rows.Close()

	var out []core.Transition
	for rows.Next() {
		var t core.Transition
		var reason sql.NullString
		var from, to string
		var ts int64
		if err := rows.Scan(&t.OrderID, &t.Seq, &from, &to, &reason, &t.Actor, &ts); err != nil {
			return nil, s.wrapErr(err, "scan transition")
		}
		t.From = core.OrderState(from)
		t.To = core.OrderState(to)
		t.Reason = reason.String
		t.Ts = time.Unix(0, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetPositionRow reads one persisted position.
func (s *SQLStore) GetPositionRow(ctx context.Context, userID, symbol string) (*core.Position, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT qty, avg_price, realized_pnl, unrealized_pnl, status, opened_at, closed_at
		 FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)

	var qty, avg, realized, unrealized, status string
	var openedAt, closedAt sql.NullInt64
	err := row.Scan(&qty, &avg, &realized, &unrealized, &status, &openedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.E(apperrors.ErrNotFound, "position %s/%s not persisted", userID, symbol)
	}
	if err != nil {
		return nil, s.wrapErr(err, "read position row")
	}

	p := &core.Position{UserID: userID, Symbol: symbol, Open: status == "OPEN"}
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.NetQty, qty}, {&p.AvgPrice, avg}, {&p.RealizedPnL, realized}, {&p.UnrealizedPnL, unrealized},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return nil, fmt.Errorf("decode decimal %q for position %s/%s: %w", pair.src, userID, symbol, err)
		}
		*pair.dst = d
	}
	if openedAt.Valid {
		p.OpenedAt = time.Unix(0, openedAt.Int64)
	}
	if closedAt.Valid {
		p.ClosedAt = time.Unix(0, closedAt.Int64)
	}
	return p, nil
}

// GetSessionRow reads one persisted broker session.
func (s *SQLStore) GetSessionRow(ctx context.Context, userID, credentialID string) (core.SessionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT broker_type, enc_secrets, health, last_activity, error_count
		 FROM broker_sessions WHERE user_id = ? AND credential_id = ?`, userID, credentialID)

	var r core.SessionRecord
	var brokerType sql.NullString
	var health string
	var lastActivity sql.NullInt64
	err := row.Scan(&brokerType, &r.EncSecrets, &health, &lastActivity, &r.Info.ErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return r, apperrors.E(apperrors.ErrNotFound, "session %s/%s not persisted", userID, credentialID)
	}
	if err != nil {
		return r, s.wrapErr(err, "read session row")
	}
	r.Info.UserID = userID
	r.Info.CredentialID = credentialID
	r.Info.BrokerType = brokerType.String
	r.Info.Health = core.SessionHealth(health)
	if lastActivity.Valid {
		r.Info.LastActivity = time.Unix(0, lastActivity.Int64)
	}
	return r, nil
}

// sealMetadata marshals the metadata map and compresses blobs over the
// threshold.
func (s *SQLStore) sealMetadata(ctx context.Context, meta map[string]string) (interface{}, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	s.blobBytes.Add(ctx, int64(len(raw)), metric.WithAttributes(attribute.String("stage", "raw")))
	if len(raw) <= s.threshold {
		s.blobBytes.Add(ctx, int64(len(raw)), metric.WithAttributes(attribute.String("stage", "stored")))
		return raw, nil
	}
	packed := s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	s.blobBytes.Add(ctx, int64(len(packed)), metric.WithAttributes(attribute.String("stage", "stored")))
	return packed, nil
}

func (s *SQLStore) openMetadata(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(blob, zstdMagic) {
		raw, err := s.dec.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress metadata: %w", err)
		}
		blob = raw
	}
	var meta map[string]string
	if err := json.Unmarshal(blob, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
