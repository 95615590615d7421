// Package sqlite implements store.ContextStore, store.WorkflowCatalog,
// store.WorkerRegistry and store.ScheduleStore over database/sql with the
// pure-Go ncruces/go-sqlite3 driver, schema-migrated with golang-migrate.
//
// SQLite has no SELECT ... FOR UPDATE SKIP LOCKED; NextExecution instead
// opens a BEGIN IMMEDIATE transaction, which serializes writers at the
// database level and gives the same "only one poller wins the row"
// guarantee, at the cost of polling workers blocking briefly on each
// other instead of skipping past a locked row. A
// store/postgres variant would use the literal FOR UPDATE SKIP LOCKED
// clause and allow true lock-free concurrent polling.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a single database/sql handle shared by the ContextStore,
// WorkflowCatalog, WorkerRegistry and ScheduleStore implementations below.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to path (a SQLite file or ":memory:") and migrates the
// schema to the latest version.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	db.SetMaxOpenConns(1) // BEGIN IMMEDIATE correctness relies on a single writer connection.

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func migrateSchema(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ store.ContextStore = (*Store)(nil)
var _ store.WorkflowCatalog = Catalog{}
var _ store.WorkerRegistry = Workers{}
var _ store.ScheduleStore = Schedules{}

// Catalog adapts Store to store.WorkflowCatalog. Get/Save/List collide in
// name with ContextStore's own Get/Save, so the catalog is exposed through
// this thin view rather than directly off *Store.
type Catalog struct{ *Store }

func (c Catalog) Save(ctx context.Context, rec store.WorkflowRecord) (store.WorkflowRecord, error) {
	return c.Store.SaveWorkflow(ctx, rec)
}
func (c Catalog) Get(ctx context.Context, name string, version int) (store.WorkflowRecord, error) {
	return c.Store.GetWorkflow(ctx, name, version)
}
func (c Catalog) List(ctx context.Context) ([]store.WorkflowRecord, error) {
	return c.Store.ListWorkflows(ctx)
}

// Workers adapts Store to store.WorkerRegistry.
type Workers struct{ *Store }

func (w Workers) Register(ctx context.Context, name, bootstrapToken string, runtime store.WorkerRecord) (store.WorkerRecord, error) {
	return w.Store.RegisterWorker(ctx, name, bootstrapToken, runtime)
}
func (w Workers) Get(ctx context.Context, name string) (store.WorkerRecord, error) {
	return w.Store.GetWorker(ctx, name)
}
func (w Workers) Authenticate(ctx context.Context, name, sessionToken string) error {
	return w.Store.AuthenticateWorker(ctx, name, sessionToken)
}
func (w Workers) Heartbeat(ctx context.Context, name string, resources store.WorkerResources) error {
	return w.Store.HeartbeatWorker(ctx, name, resources)
}

// Schedules adapts Store to store.ScheduleStore.
type Schedules struct{ *Store }

func (s2 Schedules) Create(ctx context.Context, rec store.ScheduleRecord) (store.ScheduleRecord, error) {
	return s2.Store.CreateSchedule(ctx, rec)
}
func (s2 Schedules) Get(ctx context.Context, id string) (store.ScheduleRecord, error) {
	return s2.Store.GetSchedule(ctx, id)
}
func (s2 Schedules) List(ctx context.Context) ([]store.ScheduleRecord, error) {
	return s2.Store.ListSchedules(ctx)
}
func (s2 Schedules) Update(ctx context.Context, rec store.ScheduleRecord) error {
	return s2.Store.UpdateSchedule(ctx, rec)
}
func (s2 Schedules) Delete(ctx context.Context, id string) error {
	return s2.Store.DeleteSchedule(ctx, id)
}
func (s2 Schedules) ListDue(ctx context.Context, now time.Time) ([]store.ScheduleRecord, error) {
	return s2.Store.ListDueSchedules(ctx, now)
}

// Catalog, Workers and Schedules return views over s satisfying the
// corresponding store interfaces.
func (s *Store) Catalog() Catalog     { return Catalog{s} }
func (s *Store) Workers() Workers     { return Workers{s} }
func (s *Store) Schedules() Schedules { return Schedules{s} }

func encodeJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s sql.NullString, out interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	// Fixed-width nanoseconds keep the stored strings in chronological
	// order, which ListDueSchedules' next_run_at <= ? comparison relies on.
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Get implements store.ContextStore.
func (s *Store) Get(ctx context.Context, executionID string) (*internal.Context, error) {
	return s.loadContext(ctx, s.db, executionID)
}

func (s *Store) loadContext(ctx context.Context, q querier, executionID string) (*internal.Context, error) {
	var workflowID, workflowName string
	var inputStr sql.NullString
	row := q.QueryRowContext(ctx, `SELECT workflow_id, workflow_name, input FROM executions WHERE execution_id = ?`, executionID)
	if err := row.Scan(&workflowID, &workflowName, &inputStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, &internal.ExecutionContextNotFound{ExecutionID: executionID}
		}
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	var input interface{}
	if err := decodeJSON(inputStr, &input); err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}

	events, err := s.loadEvents(ctx, q, executionID)
	if err != nil {
		return nil, err
	}
	return internal.RestoreContext(executionID, workflowID, workflowName, input, events), nil
}

func (s *Store) loadEvents(ctx context.Context, q querier, executionID string) ([]internal.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT event_id, source_id, type, name, value, time FROM execution_events WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer rows.Close()

	var events []internal.Event
	for rows.Next() {
		var id, sourceID, typ, name string
		var valueStr sql.NullString
		var timeStrVal string
		if err := rows.Scan(&id, &sourceID, &typ, &name, &valueStr, &timeStrVal); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		var value interface{}
		if err := decodeJSON(valueStr, &value); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		events = append(events, internal.Event{
			ID:       id,
			SourceID: sourceID,
			Type:     internal.EventType(typ),
			Name:     name,
			Value:    value,
			Time:     parseTime(timeStrVal),
		})
	}
	return events, rows.Err()
}

// querier is the subset of *sql.DB / *sql.Tx used by read helpers, so
// they can run inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Save implements store.ContextStore. It upserts the executions row and
// merges only events whose (event_id, type) are not yet present, relying
// on the idx_events_dedupe unique index for idempotence.
func (s *Store) Save(ctx context.Context, ec *internal.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer tx.Rollback()

	inputJSON, err := encodeJSON(ec.Input())
	if err != nil {
		return err
	}
	var outputJSON sql.NullString
	if output, ok := ec.Output(); ok {
		outputJSON, err = encodeJSON(output)
		if err != nil {
			return err
		}
	}
	requestsJSON, err := encodeJSON(ec.ResourceRequests())
	if err != nil {
		return err
	}
	worker := ec.CurrentWorker()
	var workerCol sql.NullString
	if worker != "" {
		workerCol = sql.NullString{String: worker, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (execution_id, workflow_id, workflow_name, input, output, state, worker_name, resource_requests)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			output = excluded.output,
			state = excluded.state,
			worker_name = excluded.worker_name,
			resource_requests = excluded.resource_requests
	`, ec.ExecutionID(), ec.WorkflowID(), ec.WorkflowName(), inputJSON, outputJSON, string(ec.State()), workerCol, requestsJSON)
	if err != nil {
		return internal.NewDatabaseConnectionError("sqlite", err)
	}

	for _, e := range ec.Events() {
		valueJSON, err := encodeJSON(e.Value)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_events (execution_id, event_id, source_id, type, name, value, time)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(execution_id, event_id, type) DO NOTHING
		`, ec.ExecutionID(), e.ID, e.SourceID, string(e.Type), e.Name, valueJSON, timeStr(e.Time))
		if err != nil {
			return internal.NewDatabaseConnectionError("sqlite", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return internal.NewDatabaseConnectionError("sqlite", err)
	}
	return nil
}

// CreateExecution inserts a brand new CREATED-state execution; it is
// Save under another name.
func (s *Store) CreateExecution(ctx context.Context, ec *internal.Context) error {
	return s.Save(ctx, ec)
}

// NextExecution implements store.ContextStore.NextExecution using a
// BEGIN IMMEDIATE transaction as SQLite's portable analogue of
// `SELECT ... FOR UPDATE SKIP LOCKED`.
func (s *Store) NextExecution(ctx context.Context, worker store.WorkerRecord) (*internal.Context, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	rows, err := conn.QueryContext(ctx, `
		SELECT execution_id, resource_requests FROM executions
		WHERE state IN ('CREATED', 'SCHEDULED')
		ORDER BY execution_id ASC
	`)
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}

	type candidate struct {
		id  string
		req *store.ResourceRequest
	}
	var candidates []candidate
	for rows.Next() {
		var id string
		var reqStr sql.NullString
		if err := rows.Scan(&id, &reqStr); err != nil {
			rows.Close()
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		var req store.ResourceRequest
		if err := decodeJSON(reqStr, &req); err != nil {
			rows.Close()
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		var reqPtr *store.ResourceRequest
		if reqStr.Valid {
			reqPtr = &req
		}
		candidates = append(candidates, candidate{id: id, req: reqPtr})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}

	for _, c := range candidates {
		if !store.Satisfies(c.req, worker.Resources, worker.Packages) {
			continue
		}
		ec, err := s.loadContext(ctx, conn, c.id)
		if err != nil {
			return nil, err
		}
		if ec.State() != internal.StateCreated && ec.State() != internal.StateScheduled {
			continue // raced with another dispatch in between candidate scan and load
		}
		if ec.State() == internal.StateCreated {
			if err := ec.Schedule(ctx); err != nil {
				return nil, err
			}
		}
		if _, err := conn.ExecContext(ctx, `UPDATE executions SET state = ?, worker_name = ? WHERE execution_id = ?`,
			string(internal.StateScheduled), worker.Name, c.id); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		if err := s.flushEvents(ctx, conn, ec); err != nil {
			return nil, err
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		committed = true
		return ec, nil
	}

	return nil, nil
}

// execer is the subset of *sql.DB / *sql.Tx / *sql.Conn used by write
// helpers, so they can run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) flushEvents(ctx context.Context, tx execer, ec *internal.Context) error {
	for _, e := range ec.Events() {
		valueJSON, err := encodeJSON(e.Value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_events (execution_id, event_id, source_id, type, name, value, time)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(execution_id, event_id, type) DO NOTHING
		`, ec.ExecutionID(), e.ID, e.SourceID, string(e.Type), e.Name, valueJSON, timeStr(e.Time)); err != nil {
			return internal.NewDatabaseConnectionError("sqlite", err)
		}
	}
	return nil
}

// Claim implements store.ContextStore.Claim: SCHEDULED -> CLAIMED,
// exclusive by construction since NextExecution already bound worker_name
// and a second Claim from a different worker name fails the WHERE clause.
func (s *Store) Claim(ctx context.Context, executionID, worker string) (*internal.Context, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE executions SET state = ? WHERE execution_id = ? AND worker_name = ? AND state = ?`,
		string(internal.StateClaimed), executionID, worker, string(internal.StateScheduled))
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, &internal.ExecutionContextNotFound{ExecutionID: executionID}
	}

	ec, err := s.loadContext(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	if err := ec.Claim(ctx, worker); err != nil {
		return nil, err
	}
	if err := s.flushEvents(ctx, tx, ec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	return ec, nil
}

// NextCancellation implements store.ContextStore.NextCancellation.
func (s *Store) NextCancellation(ctx context.Context, worker string) (*internal.Context, error) {
	var id string
	row := s.db.QueryRowContext(ctx, `SELECT execution_id FROM executions WHERE state = ? AND worker_name = ? LIMIT 1`,
		string(internal.StateCancelling), worker)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	return s.Get(ctx, id)
}

// SaveWorkflow implements store.WorkflowCatalog.Save: the new version is max+1
// under rec.Name, so history is preserved and never overwritten.
func (s *Store) SaveWorkflow(ctx context.Context, rec store.WorkflowRecord) (store.WorkflowRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.WorkflowRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM workflows WHERE name = ?`, rec.Name)
	if err := row.Scan(&maxVersion); err != nil {
		return store.WorkflowRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	rec.Version = int(maxVersion.Int64) + 1
	if rec.ID == "" {
		rec.ID = internal.NewUUID()
	}

	importsJSON, err := encodeJSON(rec.Imports)
	if err != nil {
		return store.WorkflowRecord{}, err
	}
	requestsJSON, err := encodeJSON(rec.Requests)
	if err != nil {
		return store.WorkflowRecord{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, version, imports, source, requests)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Version, importsJSON, rec.Source, requestsJSON)
	if err != nil {
		return store.WorkflowRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	if err := tx.Commit(); err != nil {
		return store.WorkflowRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	return rec, nil
}

// GetWorkflow implements store.WorkflowCatalog.Get. version <= 0 means
// "latest".
func (s *Store) GetWorkflow(ctx context.Context, name string, version int) (store.WorkflowRecord, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `SELECT id, name, version, imports, source, requests FROM workflows WHERE name = ? AND version = ?`, name, version)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT id, name, version, imports, source, requests FROM workflows WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	}
	return scanWorkflow(row)
}

func scanWorkflow(row *sql.Row) (store.WorkflowRecord, error) {
	var rec store.WorkflowRecord
	var importsStr, requestsStr sql.NullString
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Version, &importsStr, &rec.Source, &requestsStr); err != nil {
		if err == sql.ErrNoRows {
			return store.WorkflowRecord{}, &internal.WorkflowNotFound{Name: rec.Name}
		}
		return store.WorkflowRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	if err := decodeJSON(importsStr, &rec.Imports); err != nil {
		return store.WorkflowRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	if requestsStr.Valid {
		var req store.ResourceRequest
		if err := decodeJSON(requestsStr, &req); err != nil {
			return store.WorkflowRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
		}
		rec.Requests = &req
	}
	return rec, nil
}

// ListWorkflows implements store.WorkflowCatalog.List: the latest version
// of every known workflow name.
func (s *Store) ListWorkflows(ctx context.Context) ([]store.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.version, w.imports, w.source, w.requests
		FROM workflows w
		INNER JOIN (SELECT name, MAX(version) AS version FROM workflows GROUP BY name) latest
		ON w.name = latest.name AND w.version = latest.version
		ORDER BY w.name ASC
	`)
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer rows.Close()

	var out []store.WorkflowRecord
	for rows.Next() {
		var rec store.WorkflowRecord
		var importsStr, requestsStr sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Version, &importsStr, &rec.Source, &requestsStr); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		if err := decodeJSON(importsStr, &rec.Imports); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		if requestsStr.Valid {
			var req store.ResourceRequest
			if err := decodeJSON(requestsStr, &req); err != nil {
				return nil, internal.NewDatabaseConnectionError("sqlite", err)
			}
			rec.Requests = &req
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RegisterWorker implements store.WorkerRegistry.Register, minting a
// fresh session token on every (re)registration. It does not check
// bootstrapToken; any value is accepted.
func (s *Store) RegisterWorker(ctx context.Context, name, bootstrapToken string, runtime store.WorkerRecord) (store.WorkerRecord, error) {
	runtime.Name = name
	runtime.SessionToken = internal.NewUUID()
	now := internal.SystemClock.Now()
	runtime.RegisteredAt = now
	runtime.LastSeenAt = now

	packagesJSON, err := encodeJSON(runtime.Packages)
	if err != nil {
		return store.WorkerRecord{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (name, session_token, os, os_version, lang_version, cpu, memory, disk, gpu, packages, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			session_token = excluded.session_token,
			os = excluded.os,
			os_version = excluded.os_version,
			lang_version = excluded.lang_version,
			cpu = excluded.cpu,
			memory = excluded.memory,
			disk = excluded.disk,
			gpu = excluded.gpu,
			packages = excluded.packages,
			last_seen_at = excluded.last_seen_at
	`, runtime.Name, runtime.SessionToken, runtime.OS, runtime.OSVersion, runtime.LangVersion,
		runtime.Resources.CPU, runtime.Resources.Memory, runtime.Resources.Disk, runtime.Resources.GPU,
		packagesJSON, timeStr(runtime.RegisteredAt), timeStr(runtime.LastSeenAt))
	if err != nil {
		return store.WorkerRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	return runtime, nil
}

// GetWorker implements store.WorkerRegistry.Get.
func (s *Store) GetWorker(ctx context.Context, name string) (store.WorkerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, session_token, os, os_version, lang_version, cpu, memory, disk, gpu, packages, registered_at, last_seen_at
		FROM workers WHERE name = ?
	`, name)
	return scanWorker(row)
}

func scanWorker(row *sql.Row) (store.WorkerRecord, error) {
	var rec store.WorkerRecord
	var packagesStr sql.NullString
	var registeredAt, lastSeenAt string
	var os, osVersion, langVersion sql.NullString
	if err := row.Scan(&rec.Name, &rec.SessionToken, &os, &osVersion, &langVersion,
		&rec.Resources.CPU, &rec.Resources.Memory, &rec.Resources.Disk, &rec.Resources.GPU,
		&packagesStr, &registeredAt, &lastSeenAt); err != nil {
		if err == sql.ErrNoRows {
			return store.WorkerRecord{}, fmt.Errorf("worker %q not registered", rec.Name)
		}
		return store.WorkerRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	rec.OS, rec.OSVersion, rec.LangVersion = os.String, osVersion.String, langVersion.String
	if err := decodeJSON(packagesStr, &rec.Packages); err != nil {
		return store.WorkerRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	rec.RegisteredAt = parseTime(registeredAt)
	rec.LastSeenAt = parseTime(lastSeenAt)
	return rec, nil
}

// AuthenticateWorker implements store.WorkerRegistry.Authenticate.
func (s *Store) AuthenticateWorker(ctx context.Context, name, sessionToken string) error {
	var stored string
	row := s.db.QueryRowContext(ctx, `SELECT session_token FROM workers WHERE name = ?`, name)
	if err := row.Scan(&stored); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("worker %q not registered", name)
		}
		return internal.NewDatabaseConnectionError("sqlite", err)
	}
	if stored != sessionToken {
		return fmt.Errorf("worker %q: invalid session token", name)
	}
	return nil
}

// HeartbeatWorker implements store.WorkerRegistry.Heartbeat.
func (s *Store) HeartbeatWorker(ctx context.Context, name string, resources store.WorkerResources) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET cpu = ?, memory = ?, disk = ?, gpu = ?, last_seen_at = ? WHERE name = ?
	`, resources.CPU, resources.Memory, resources.Disk, resources.GPU, timeStr(internal.SystemClock.Now()), name)
	if err != nil {
		return internal.NewDatabaseConnectionError("sqlite", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %q not registered", name)
	}
	return nil
}

// CreateSchedule implements store.ScheduleStore.Create.
func (s *Store) CreateSchedule(ctx context.Context, rec store.ScheduleRecord) (store.ScheduleRecord, error) {
	if rec.ID == "" {
		rec.ID = internal.NewUUID()
	}
	if rec.Status == "" {
		rec.Status = store.ScheduleActive
	}
	if rec.Timezone == "" {
		rec.Timezone = "UTC"
	}
	templateJSON, err := encodeJSON(rec.InputTemplate)
	if err != nil {
		return store.ScheduleRecord{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, workflow_name, status, kind, cron_expr, interval_ns, once_at, once_executed, timezone, input_template, next_run_at, last_run_at, run_count, failure_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.WorkflowName, string(rec.Status), string(rec.Kind), nullableStr(rec.CronExpr), int64(rec.IntervalNS),
		nullableTimeStr(rec.OnceAt), boolInt(rec.OnceExecuted), rec.Timezone, templateJSON,
		nullableTimeStr(rec.NextRunAt), nullableTimeStr(rec.LastRunAt), rec.RunCount, rec.FailureCount)
	if err != nil {
		return store.ScheduleRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	return rec, nil
}

func nullableStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTimeStr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetSchedule implements store.ScheduleStore.Get.
func (s *Store) GetSchedule(ctx context.Context, id string) (store.ScheduleRecord, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	return scanSchedule(row)
}

const scheduleSelect = `SELECT id, workflow_name, status, kind, cron_expr, interval_ns, once_at, once_executed, timezone, input_template, next_run_at, last_run_at, run_count, failure_count FROM schedules`

func scanSchedule(row *sql.Row) (store.ScheduleRecord, error) {
	var rec store.ScheduleRecord
	var status, kind string
	var cronExpr, onceAt, nextRunAt, lastRunAt, templateStr sql.NullString
	var intervalNS int64
	var onceExecuted int
	if err := row.Scan(&rec.ID, &rec.WorkflowName, &status, &kind, &cronExpr, &intervalNS, &onceAt,
		&onceExecuted, &rec.Timezone, &templateStr, &nextRunAt, &lastRunAt, &rec.RunCount, &rec.FailureCount); err != nil {
		if err == sql.ErrNoRows {
			return store.ScheduleRecord{}, fmt.Errorf("schedule %q not found", rec.ID)
		}
		return store.ScheduleRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	rec.Status = store.ScheduleStatus(status)
	rec.Kind = store.ScheduleKind(kind)
	rec.CronExpr = cronExpr.String
	rec.IntervalNS = time.Duration(intervalNS)
	rec.OnceAt = parseTime(onceAt.String)
	rec.OnceExecuted = onceExecuted != 0
	rec.NextRunAt = parseTime(nextRunAt.String)
	rec.LastRunAt = parseTime(lastRunAt.String)
	if err := decodeJSON(templateStr, &rec.InputTemplate); err != nil {
		return store.ScheduleRecord{}, internal.NewDatabaseConnectionError("sqlite", err)
	}
	return rec, nil
}

// ListSchedules implements store.ScheduleStore.List.
func (s *Store) ListSchedules(ctx context.Context) ([]store.ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer rows.Close()
	return scanScheduleRows(rows)
}

// ListDueSchedules implements store.ScheduleStore.ListDue.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]store.ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at ASC`,
		string(store.ScheduleActive), timeStr(now))
	if err != nil {
		return nil, internal.NewDatabaseConnectionError("sqlite", err)
	}
	defer rows.Close()
	return scanScheduleRows(rows)
}

func scanScheduleRows(rows *sql.Rows) ([]store.ScheduleRecord, error) {
	var out []store.ScheduleRecord
	for rows.Next() {
		var rec store.ScheduleRecord
		var status, kind string
		var cronExpr, onceAt, nextRunAt, lastRunAt, templateStr sql.NullString
		var intervalNS int64
		var onceExecuted int
		if err := rows.Scan(&rec.ID, &rec.WorkflowName, &status, &kind, &cronExpr, &intervalNS, &onceAt,
			&onceExecuted, &rec.Timezone, &templateStr, &nextRunAt, &lastRunAt, &rec.RunCount, &rec.FailureCount); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		rec.Status = store.ScheduleStatus(status)
		rec.Kind = store.ScheduleKind(kind)
		rec.CronExpr = cronExpr.String
		rec.IntervalNS = time.Duration(intervalNS)
		rec.OnceAt = parseTime(onceAt.String)
		rec.OnceExecuted = onceExecuted != 0
		rec.NextRunAt = parseTime(nextRunAt.String)
		rec.LastRunAt = parseTime(lastRunAt.String)
		if err := decodeJSON(templateStr, &rec.InputTemplate); err != nil {
			return nil, internal.NewDatabaseConnectionError("sqlite", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateSchedule implements store.ScheduleStore.Update.
func (s *Store) UpdateSchedule(ctx context.Context, rec store.ScheduleRecord) error {
	templateJSON, err := encodeJSON(rec.InputTemplate)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, cron_expr = ?, interval_ns = ?, once_at = ?, once_executed = ?,
			timezone = ?, input_template = ?, next_run_at = ?, last_run_at = ?, run_count = ?, failure_count = ?
		WHERE id = ?
	`, string(rec.Status), nullableStr(rec.CronExpr), int64(rec.IntervalNS), nullableTimeStr(rec.OnceAt),
		boolInt(rec.OnceExecuted), rec.Timezone, templateJSON, nullableTimeStr(rec.NextRunAt),
		nullableTimeStr(rec.LastRunAt), rec.RunCount, rec.FailureCount, rec.ID)
	if err != nil {
		return internal.NewDatabaseConnectionError("sqlite", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("schedule %q not found", rec.ID)
	}
	return nil
}

// DeleteSchedule implements store.ScheduleStore.Delete.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return internal.NewDatabaseConnectionError("sqlite", err)
	}
	return nil
}
