package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/lifecycle/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Instances ---

const instanceColumns = `id, object_type, state, state_entered_at, version, transition_seq, next_wake_at, fields, revision, created_at, updated_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, c *Commit) error {
	inst := c.Instance
	fields, err := marshalFields(inst.Fields)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = now

	tx, err := beginWrite(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		inst.ID, inst.ObjectType, inst.State, fmtTime(inst.StateEnteredAt), inst.Version, inst.TransitionSeq,
		nullTime(inst.NextWakeAt), fields, nullStr(inst.Revision),
		fmtTime(inst.CreatedAt), fmtTime(inst.UpdatedAt),
	)
	if err != nil {
		return storeError("insert instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID).
			WithInstance(inst.ID)
	}

	if err := writeCommitTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit instance", err)
	}
	return nil
}

func (s *LibSQLStore) CommitTransition(ctx context.Context, c *Commit) error {
	inst := c.Instance
	fields, err := marshalFields(inst.Fields)
	if err != nil {
		return err
	}
	inst.UpdatedAt = time.Now().UTC()

	tx, err := beginWrite(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET state = ?, state_entered_at = ?, version = ?, transition_seq = ?, next_wake_at = ?,
		 fields = ?, revision = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		inst.State, fmtTime(inst.StateEnteredAt), inst.Version, inst.TransitionSeq, nullTime(inst.NextWakeAt),
		fields, nullStr(inst.Revision), fmtTime(inst.UpdatedAt),
		inst.ID, c.ExpectedVersion,
	)
	if err != nil {
		return storeError("update instance", err)
	}
	if err := versionMatched(ctx, tx, res, inst.ID, c.ExpectedVersion); err != nil {
		return err
	}

	if err := writeCommitTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit transition", err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.ObjectType != "" {
		where = append(where, "object_type = ?")
		args = append(args, filter.ObjectType)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}

	query := "SELECT " + instanceColumns + " FROM instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return s.queryInstances(ctx, query, args...)
}

func (s *LibSQLStore) DeleteInstance(ctx context.Context, id string, ev *EventRecord) error {
	tx, err := beginWrite(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return storeError("delete instance", err)
	}
	if err := checkRowsAffected(res, "instance", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE action_records SET status = ?, last_error = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE instance_id = ? AND status = ?`,
		string(ActionDegraded), "instance deleted", fmtTime(time.Now()), id, string(ActionPending),
	); err != nil {
		return storeError("degrade actions", err)
	}
	if ev != nil {
		if err := appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit delete", err)
	}
	return nil
}

// --- Timeouts ---

func (s *LibSQLStore) ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE next_wake_at IS NOT NULL AND next_wake_at <= ?
		ORDER BY next_wake_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryInstances(ctx, query, fmtTime(now))
}

func (s *LibSQLStore) SetWakeTime(ctx context.Context, id string, version int64, wake *time.Time) error {
	tx, err := beginWrite(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET next_wake_at = ?, updated_at = ? WHERE id = ? AND version = ?`,
		nullTime(wake), fmtTime(time.Now()), id, version,
	)
	if err != nil {
		return storeError("set wake time", err)
	}
	if err := versionMatched(ctx, tx, res, id, version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit wake time", err)
	}
	return nil
}

// --- Journal ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	tx, err := beginWrite(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit event", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, object_type, event, origin, payload, outcome, from_state, to_state, reason, version, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		var payload, from, to, reason sql.NullString
		var origin, outcome, ts string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.ObjectType, &e.Name, &origin, &payload,
			&outcome, &from, &to, &reason, &e.Version, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.Origin = schema.Origin(origin)
		e.Outcome = schema.Outcome(outcome)
		e.FromState = from.String
		e.ToState = to.String
		e.Reason = reason.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if raw := rawOrNil(payload); raw != nil {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Actions ---

const actionColumns = `key, instance_id, object_type, seq, idx, type, effect, status, attempts, last_error, next_attempt_at, created_at, updated_at`

func (s *LibSQLStore) GetAction(ctx context.Context, key string) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_records WHERE key = ?`, key)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("action", key)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *LibSQLStore) ListActions(ctx context.Context, filter ActionFilter) ([]*ActionRecord, error) {
	var where []string
	var args []any

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DueBefore != nil {
		where = append(where, "(next_attempt_at IS NULL OR next_attempt_at <= ?)")
		args = append(args, fmtTime(*filter.DueBefore))
	}

	query := "SELECT " + actionColumns + " FROM action_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY instance_id ASC, seq ASC, idx ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateAction(ctx context.Context, key string, update ActionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*update.LastError))
	}
	if update.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, nullTime(*update.NextAttemptAt))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, fmtTime(time.Now()), key)

	query := fmt.Sprintf("UPDATE action_records SET %s WHERE key = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update action", err)
	}
	return checkRowsAffected(res, "action", key)
}

// --- Write helpers ---

// beginWrite starts a transaction and takes the database write lock up
// front. In WAL mode BeginTx alone starts a deferred transaction.
func beginWrite(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin tx", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		_ = tx.Rollback()
		return nil, storeError("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		_ = tx.Rollback()
		return nil, storeError("release write lock", err)
	}
	return tx, nil
}

func writeCommitTx(ctx context.Context, tx *sql.Tx, c *Commit) error {
	if c.Event != nil {
		if err := appendEventTx(ctx, tx, c.Event); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, a := range c.Actions {
		a.CreatedAt = timeOrNow(a.CreatedAt)
		a.UpdatedAt = now
		if a.Status == "" {
			a.Status = ActionPending
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_records (`+actionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			a.Key, a.InstanceID, a.ObjectType, a.Seq, a.Index, string(a.Type), string(a.Effect),
			string(a.Status), a.Attempts, nullStr(a.LastError), nullTime(a.NextAttemptAt),
			fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
		); err != nil {
			return storeError("insert action", err)
		}
	}
	return nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev *EventRecord) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, ev.InstanceID,
	).Scan(&seq); err != nil {
		return storeError("next sequence", err)
	}
	ev.Sequence = seq
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Timestamp = timeOrNow(ev.Timestamp)

	var payload any
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, instance_id, object_type, event, origin, payload, outcome, from_state, to_state, reason, version, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InstanceID, ev.ObjectType, ev.Name, string(ev.Origin), payload, string(ev.Outcome),
		nullStr(ev.FromState), nullStr(ev.ToState), nullStr(ev.Reason), ev.Version, fmtTime(ev.Timestamp), seq,
	); err != nil {
		return storeError("insert event", err)
	}
	return nil
}

// versionMatched turns a zero-row conditional update into CONFLICT when the
// instance exists and NOT_FOUND when it does not.
func versionMatched(ctx context.Context, tx *sql.Tx, res sql.Result, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM instances WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("instance", id)
	}
	if err != nil {
		return err
	}
	return versionConflict(id, expected, current)
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) queryInstances(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		entered, created, updated string
		wake, revision            sql.NullString
		fields                    string
	)
	if err := row.Scan(&inst.ID, &inst.ObjectType, &inst.State, &entered, &inst.Version,
		&inst.TransitionSeq, &wake, &fields, &revision, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if inst.StateEnteredAt, err = parseTime(entered); err != nil {
		return nil, err
	}
	if inst.NextWakeAt, err = parseNullTime(wake); err != nil {
		return nil, err
	}
	if inst.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	inst.Revision = revision.String
	inst.Fields = make(map[string]any)
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &inst.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	return inst, nil
}

func scanAction(row rowScanner) (*ActionRecord, error) {
	a := &ActionRecord{}
	var (
		typ, effect, status, created, updated string
		lastErr, next                         sql.NullString
	)
	if err := row.Scan(&a.Key, &a.InstanceID, &a.ObjectType, &a.Seq, &a.Index, &typ, &effect,
		&status, &a.Attempts, &lastErr, &next, &created, &updated); err != nil {
		return nil, err
	}
	a.Type = schema.ActionType(typ)
	a.Effect = json.RawMessage(effect)
	a.Status = ActionStatus(status)
	a.LastError = lastErr.String
	var err error
	if a.NextAttemptAt, err = parseNullTime(next); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return a, nil
}

// --- Helpers ---

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func storeNotFound(resource, id string) *schema.LifecycleError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func versionConflict(id string, expected, current int64) *schema.LifecycleError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"instance version is %d, expected %d", current, expected).
		WithInstance(id).
		WithDetails(map[string]any{"expected": expected, "current": current})
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalFields(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "marshal fields: %s", err.Error()).WithCause(err)
	}
	return string(b), nil
}
