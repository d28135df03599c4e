package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name        string
	BigIntType  string
	Placeholder func(n int) string
}

var (
	// SQLite uses ? placeholders. Used with the modernc.org/sqlite driver.
	SQLite = Dialect{
		Name:        "sqlite",
		BigIntType:  "INTEGER",
		Placeholder: func(int) string { return "?" },
	}
	// Postgres uses $n placeholders. Used with the lib/pq driver.
	Postgres = Dialect{
		Name:        "postgres",
		BigIntType:  "BIGINT",
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// DialectFor returns the dialect registered under a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect %q", driver)
	}
}

// rebind rewrites ? placeholders for the dialect.
func (d Dialect) rebind(q string) string {
	if d.Placeholder == nil {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists instances and messages in a SQL database.
type SQLStore struct {
	db            *sql.DB
	dialect       Dialect
	instanceTable string
	messageTable  string
	opts          options
}

// NewSQLStore builds a store on db. prefix defaults to "flow"; tables are
// <prefix>_instances and <prefix>_messages.
func NewSQLStore(db *sql.DB, dialect Dialect, prefix string, opts ...Option) *SQLStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "flow"
	}
	return &SQLStore{
		db:            db,
		dialect:       dialect,
		instanceTable: prefix + "_instances",
		messageTable:  prefix + "_messages",
		opts:          buildOptions(opts),
	}
}

// EnsureSchema creates tables and indexes when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	big := s.dialect.BigIntType
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			capability_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			status TEXT NOT NULL,
			context TEXT NOT NULL,
			render_data TEXT NOT NULL,
			version %s NOT NULL,
			last_seq %s NOT NULL,
			dismiss_reason TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, s.instanceTable, big, big, big, big),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			instance_id TEXT NOT NULL,
			seq %s NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (instance_id, seq)
		)`, s.messageTable, big),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_idle ON %s (status, updated_at)`, s.instanceTable, s.instanceTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, inst *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error) {
	rec, stamped, err := prepareCreate(inst, msgs, s.opts.now(), s.opts.newID)
	if err != nil {
		return nil, nil, err
	}
	ctxJSON, renderJSON, err := encodeInstanceMaps(rec)
	if err != nil {
		return nil, nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		q := s.dialect.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, s.instanceTable))
		switch err := tx.QueryRowContext(ctx, q, rec.ID).Scan(&exists); {
		case err == nil:
			return ErrAlreadyExists
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		ins := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s
			(id, capability_id, parent_id, state, status, context, render_data, version, last_seq, dismiss_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.instanceTable))
		if _, err := tx.ExecContext(ctx, ins,
			rec.ID, rec.CapabilityID, rec.ParentID, rec.State, string(rec.Status),
			ctxJSON, renderJSON, rec.Version, rec.LastSeq, rec.DismissReason,
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		); err != nil {
			return err
		}
		return s.appendMessages(ctx, tx, rec, stamped)
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, stamped, nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*Instance, error) {
	q := s.dialect.rebind(fmt.Sprintf(`SELECT id, capability_id, parent_id, state, status, context, render_data,
		version, last_seq, dismiss_reason, created_at, updated_at FROM %s WHERE id = ?`, s.instanceTable))
	var (
		rec                  Instance
		status               string
		ctxJSON, renderJSON  string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, q, normalizeID(id)).Scan(
		&rec.ID, &rec.CapabilityID, &rec.ParentID, &rec.State, &status, &ctxJSON, &renderJSON,
		&rec.Version, &rec.LastSeq, &rec.DismissReason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = orchestrator.Status(status)
	if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
		return nil, fmt.Errorf("decode context for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(renderJSON), &rec.RenderData); err != nil {
		return nil, fmt.Errorf("decode render data for %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}

func (s *SQLStore) LoadForUpdate(ctx context.Context, id string) (*Instance, LockToken, error) {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return nil, LockToken{}, err
	}
	return rec, rec.Token(), nil
}

func (s *SQLStore) Commit(ctx context.Context, token LockToken, next *Instance, msgs []orchestrator.Message) (*Instance, []orchestrator.Message, error) {
	token.InstanceID = normalizeID(token.InstanceID)
	var (
		rec     *Instance
		stamped []orchestrator.Message
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var lastSeq, createdAt int64
		q := s.dialect.rebind(fmt.Sprintf(`SELECT last_seq, created_at FROM %s WHERE id = ? AND version = ?`, s.instanceTable))
		err := tx.QueryRowContext(ctx, q, token.InstanceID, token.Version).Scan(&lastSeq, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return s.missOrConflict(ctx, tx, token.InstanceID)
		}
		if err != nil {
			return err
		}

		rec, stamped, err = prepareCommit(token, next, lastSeq, msgs, s.opts.now())
		if err != nil {
			return err
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		ctxJSON, renderJSON, err := encodeInstanceMaps(rec)
		if err != nil {
			return err
		}

		upd := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET capability_id = ?, parent_id = ?, state = ?, status = ?,
			context = ?, render_data = ?, version = ?, last_seq = ?, dismiss_reason = ?, updated_at = ?
			WHERE id = ? AND version = ?`, s.instanceTable))
		res, err := tx.ExecContext(ctx, upd,
			rec.CapabilityID, rec.ParentID, rec.State, string(rec.Status),
			ctxJSON, renderJSON, rec.Version, rec.LastSeq, rec.DismissReason, rec.UpdatedAt.UnixNano(),
			token.InstanceID, token.Version,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrVersionConflict
		}
		if err := s.appendMessages(ctx, tx, rec, stamped); err != nil {
			return err
		}
		return s.trimMessages(ctx, tx, rec)
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, stamped, nil
}

func (s *SQLStore) Messages(ctx context.Context, id string, afterSeq int64, limit int) ([]orchestrator.Message, error) {
	id = normalizeID(id)
	var exists int
	q := s.dialect.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, s.instanceTable))
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	q = fmt.Sprintf(`SELECT body FROM %s WHERE instance_id = ? AND seq > ? ORDER BY seq`, s.messageTable)
	args := []any{id, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orchestrator.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var msg orchestrator.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode message for %s: %w", id, err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error) {
	q := fmt.Sprintf(`SELECT id FROM %s WHERE status <> ? AND updated_at < ? ORDER BY id`, s.instanceTable)
	args := []any{string(orchestrator.StatusDismissed), before.UnixNano()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) missOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var version int64
	q := s.dialect.rebind(fmt.Sprintf(`SELECT version FROM %s WHERE id = ?`, s.instanceTable))
	err := tx.QueryRowContext(ctx, q, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

func (s *SQLStore) appendMessages(ctx context.Context, tx *sql.Tx, rec *Instance, msgs []orchestrator.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ins := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (instance_id, seq, body) VALUES (?, ?, ?)`, s.messageTable))
	for _, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message %d for %s: %w", msg.Seq, rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, ins, rec.ID, msg.Seq, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) trimMessages(ctx context.Context, tx *sql.Tx, rec *Instance) error {
	floor := rec.LastSeq - int64(s.opts.retention)
	if floor <= 0 {
		return nil
	}
	del := s.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ? AND seq <= ?`, s.messageTable))
	_, err := tx.ExecContext(ctx, del, rec.ID, floor)
	return err
}

func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func encodeInstanceMaps(rec *Instance) (string, string, error) {
	ctxJSON, err := json.Marshal(nonNilMap(rec.Context))
	if err != nil {
		return "", "", fmt.Errorf("encode context for %s: %w", rec.ID, err)
	}
	renderJSON, err := json.Marshal(nonNilMap(rec.RenderData))
	if err != nil {
		return "", "", fmt.Errorf("encode render data for %s: %w", rec.ID, err)
	}
	return string(ctxJSON), string(renderJSON), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
