// Package sqlstore persists apps, records, and feedback rows through
// database/sql, with SQLite and DuckDB drivers. Every table carries a
// configurable name prefix so several deployments can share one database.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"github.com/chainlens/chainlens/internal/core/domain"
)

const (
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"

	DefaultPrefix = "chainlens_"
)

// entityTables are the base names of the four data tables, in
// dependency order for copies.
var entityTables = []string{"apps", "feedback_defs", "records", "feedbacks"}

// Store implements ports.RecordStore. Timestamps are persisted as
// epoch-seconds doubles so rows survive copies between dialects.
type Store struct {
	logger *slog.Logger
	db     *sql.DB
	driver string
	path   string
	prefix string
}

// Open connects to the database at path using the given driver. It does not
// create or verify the schema; callers run CheckRevision first.
func Open(logger *slog.Logger, driver, path, prefix string) (*Store, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	var dsn string
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(path)
	case DriverDuckDB:
		dsn = path
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == DriverSQLite && IsMemoryPath(path) {
		// a second connection would see a different empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	logger.Info("store opened", "driver", driver, "path", path, "prefix", prefix)
	return &Store{logger: logger, db: db, driver: driver, path: path, prefix: prefix}, nil
}

func sqliteDSN(path string) string {
	if IsMemoryPath(path) {
		return path
	}
	return "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
}

// IsMemoryPath reports whether the path names an in-memory SQLite database.
func IsMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for migrations and copies.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Driver() string { return s.driver }
func (s *Store) Prefix() string { return s.prefix }

// Table resolves a base table name to its prefixed form.
func (s *Store) Table(base string) string { return s.prefix + base }

// tableNames lists every table present in the database.
func (s *Store) tableNames(ctx context.Context) ([]string, error) {
	var query string
	switch s.driver {
	case DriverSQLite:
		query = `SELECT name FROM sqlite_master WHERE type = 'table'`
	default:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func toEpoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// SaveApp persists or updates an app definition.
func (s *Store) SaveApp(ctx context.Context, app domain.AppDefinition) error {
	inputKeys, err := marshalJSON(app.InputKeys)
	if err != nil {
		return fmt.Errorf("marshal input keys: %w", err)
	}
	outputKeys, err := marshalJSON(app.OutputKeys)
	if err != nil {
		return fmt.Errorf("marshal output keys: %w", err)
	}
	metadata, err := marshalJSON(app.Metadata)
	if err != nil {
		return fmt.Errorf("marshal app metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (app_id, name, root_class, input_keys_json, output_keys_json, tags, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_id) DO UPDATE SET
			name = excluded.name,
			root_class = excluded.root_class,
			input_keys_json = excluded.input_keys_json,
			output_keys_json = excluded.output_keys_json,
			tags = excluded.tags,
			metadata_json = excluded.metadata_json`, s.Table("apps"))

	if _, err := s.db.ExecContext(ctx, query,
		app.AppID, app.Name, app.RootClass, inputKeys, outputKeys, app.Tags, metadata); err != nil {
		return fmt.Errorf("save app %s: %w", app.AppID, err)
	}
	return nil
}

func (s *Store) GetApp(ctx context.Context, appID string) (domain.AppDefinition, error) {
	query := fmt.Sprintf(`
		SELECT app_id, name, root_class, input_keys_json, output_keys_json, tags, metadata_json
		FROM %s WHERE app_id = ?`, s.Table("apps"))

	app, err := scanApp(s.db.QueryRowContext(ctx, query, appID).Scan)
	if err != nil {
		return domain.AppDefinition{}, fmt.Errorf("get app %s: %w", appID, err)
	}
	return app, nil
}

// scanApp tolerates NULLs: legacy rows and prefix copies may leave optional
// columns unset.
func scanApp(scan func(dest ...any) error) (domain.AppDefinition, error) {
	var app domain.AppDefinition
	var rootClass, inputKeys, outputKeys, tags, metadata sql.NullString
	if err := scan(&app.AppID, &app.Name, &rootClass, &inputKeys, &outputKeys, &tags, &metadata); err != nil {
		return domain.AppDefinition{}, err
	}
	app.RootClass = rootClass.String
	app.Tags = tags.String
	if err := unmarshalJSON(inputKeys.String, &app.InputKeys); err != nil {
		return domain.AppDefinition{}, fmt.Errorf("decode input keys for %s: %w", app.AppID, err)
	}
	if err := unmarshalJSON(outputKeys.String, &app.OutputKeys); err != nil {
		return domain.AppDefinition{}, fmt.Errorf("decode output keys for %s: %w", app.AppID, err)
	}
	if err := unmarshalJSON(metadata.String, &app.Metadata); err != nil {
		return domain.AppDefinition{}, fmt.Errorf("decode metadata for %s: %w", app.AppID, err)
	}
	return app, nil
}

func (s *Store) ListApps(ctx context.Context) ([]domain.AppDefinition, error) {
	query := fmt.Sprintf(`
		SELECT app_id, name, root_class, input_keys_json, output_keys_json, tags, metadata_json
		FROM %s ORDER BY app_id`, s.Table("apps"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []domain.AppDefinition
	for rows.Next() {
		app, err := scanApp(rows.Scan)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// SaveRecord persists one finalized record, calls and cost serialized as
// JSON columns.
func (s *Store) SaveRecord(ctx context.Context, rec *domain.Record) error {
	calls, err := marshalJSON(rec.Calls)
	if err != nil {
		return fmt.Errorf("marshal calls: %w", err)
	}
	cost, err := marshalJSON(rec.Cost)
	if err != nil {
		return fmt.Errorf("marshal cost: %w", err)
	}
	perf, err := marshalJSON(map[string]any{"latency_ms": rec.LatencyMs()})
	if err != nil {
		return fmt.Errorf("marshal perf: %w", err)
	}
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal record metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (record_id, app_id, main_input, main_output, calls_json, error, tags,
			metadata_json, started_at, ended_at, cost_json, perf_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_id) DO UPDATE SET
			main_input = excluded.main_input,
			main_output = excluded.main_output,
			calls_json = excluded.calls_json,
			error = excluded.error,
			tags = excluded.tags,
			metadata_json = excluded.metadata_json,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			cost_json = excluded.cost_json,
			perf_json = excluded.perf_json`, s.Table("records"))

	if _, err := s.db.ExecContext(ctx, query,
		rec.RecordID, rec.AppID, rec.MainInput, rec.MainOutput, calls, rec.Error, rec.Tags,
		metadata, toEpoch(rec.StartedAt), toEpoch(rec.EndedAt), cost, perf); err != nil {
		return fmt.Errorf("save record %s: %w", rec.RecordID, err)
	}
	return nil
}

// scanRecord tolerates NULLs in optional columns: rows migrated from legacy
// stores predate cost_json and tags.
func (s *Store) scanRecord(scan func(dest ...any) error) (*domain.Record, error) {
	var rec domain.Record
	var mainInput, mainOutput, calls, errText, tags, metadata, cost sql.NullString
	var startedAt, endedAt sql.NullFloat64
	if err := scan(&rec.RecordID, &rec.AppID, &mainInput, &mainOutput,
		&calls, &errText, &tags, &metadata, &startedAt, &endedAt, &cost); err != nil {
		return nil, err
	}
	rec.MainInput = mainInput.String
	rec.MainOutput = mainOutput.String
	rec.Error = errText.String
	rec.Tags = tags.String
	if err := unmarshalJSON(calls.String, &rec.Calls); err != nil {
		return nil, fmt.Errorf("decode calls for %s: %w", rec.RecordID, err)
	}
	if err := unmarshalJSON(cost.String, &rec.Cost); err != nil {
		return nil, fmt.Errorf("decode cost for %s: %w", rec.RecordID, err)
	}
	if err := unmarshalJSON(metadata.String, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", rec.RecordID, err)
	}
	rec.StartedAt = fromEpoch(startedAt.Float64)
	rec.EndedAt = fromEpoch(endedAt.Float64)
	return &rec, nil
}

const recordColumns = `record_id, app_id, main_input, main_output, calls_json, error, tags,
	metadata_json, started_at, ended_at, cost_json`

func (s *Store) GetRecord(ctx context.Context, recordID string) (*domain.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE record_id = ?`, recordColumns, s.Table("records"))
	rec, err := s.scanRecord(s.db.QueryRowContext(ctx, query, recordID).Scan)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", recordID, err)
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, appID string, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, recordColumns, s.Table("records"))
	args := []any{}
	if appID != "" {
		query += ` WHERE app_id = ?`
		args = append(args, appID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Record
	for rows.Next() {
		rec, err := s.scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) SaveFeedbackDef(ctx context.Context, def domain.FeedbackDef) error {
	selectors, err := marshalJSON(def.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (feedback_definition_id, name, implementation, selectors_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (feedback_definition_id) DO UPDATE SET
			name = excluded.name,
			implementation = excluded.implementation,
			selectors_json = excluded.selectors_json`, s.Table("feedback_defs"))

	if _, err := s.db.ExecContext(ctx, query,
		def.FeedbackDefinitionID, def.Name, def.Implementation, selectors); err != nil {
		return fmt.Errorf("save feedback def %s: %w", def.FeedbackDefinitionID, err)
	}
	return nil
}

func (s *Store) GetFeedbackDef(ctx context.Context, defID string) (domain.FeedbackDef, error) {
	query := fmt.Sprintf(`
		SELECT feedback_definition_id, name, implementation, selectors_json
		FROM %s WHERE feedback_definition_id = ?`, s.Table("feedback_defs"))

	def, err := scanFeedbackDef(s.db.QueryRowContext(ctx, query, defID).Scan)
	if err != nil {
		return domain.FeedbackDef{}, fmt.Errorf("get feedback def %s: %w", defID, err)
	}
	return def, nil
}

func scanFeedbackDef(scan func(dest ...any) error) (domain.FeedbackDef, error) {
	var def domain.FeedbackDef
	var implementation, selectors sql.NullString
	if err := scan(&def.FeedbackDefinitionID, &def.Name, &implementation, &selectors); err != nil {
		return domain.FeedbackDef{}, err
	}
	def.Implementation = implementation.String
	if err := unmarshalJSON(selectors.String, &def.Selectors); err != nil {
		return domain.FeedbackDef{}, fmt.Errorf("decode selectors for %s: %w", def.FeedbackDefinitionID, err)
	}
	return def, nil
}

func (s *Store) ListFeedbackDefs(ctx context.Context) ([]domain.FeedbackDef, error) {
	query := fmt.Sprintf(`
		SELECT feedback_definition_id, name, implementation, selectors_json
		FROM %s ORDER BY feedback_definition_id`, s.Table("feedback_defs"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list feedback defs: %w", err)
	}
	defer rows.Close()

	var defs []domain.FeedbackDef
	for rows.Next() {
		def, err := scanFeedbackDef(rows.Scan)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *Store) SaveFeedbackResult(ctx context.Context, res domain.FeedbackResult) error {
	calls, err := marshalJSON(res.Calls)
	if err != nil {
		return fmt.Errorf("marshal feedback calls: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (feedback_result_id, record_id, feedback_definition_id, name, status,
			error, result, last_ts, calls_json, multi_result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feedback_result_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			result = excluded.result,
			last_ts = excluded.last_ts,
			calls_json = excluded.calls_json,
			multi_result = excluded.multi_result`, s.Table("feedbacks"))

	if _, err := s.db.ExecContext(ctx, query,
		res.FeedbackResultID, res.RecordID, res.FeedbackDefinitionID, res.Name, string(res.Status),
		res.Error, res.Result, toEpoch(res.LastTS), calls, res.MultiResult); err != nil {
		return fmt.Errorf("save feedback result %s: %w", res.FeedbackResultID, err)
	}
	return nil
}

const feedbackColumns = `feedback_result_id, record_id, feedback_definition_id, name, status,
	error, result, last_ts, calls_json, multi_result`

func scanFeedback(scan func(dest ...any) error) (domain.FeedbackResult, error) {
	var res domain.FeedbackResult
	var defID, name, errText, calls, multiResult sql.NullString
	var status string
	var result, lastTS sql.NullFloat64
	if err := scan(&res.FeedbackResultID, &res.RecordID, &defID, &name,
		&status, &errText, &result, &lastTS, &calls, &multiResult); err != nil {
		return domain.FeedbackResult{}, err
	}
	res.FeedbackDefinitionID = defID.String
	res.Name = name.String
	res.Status = domain.FeedbackStatus(status)
	res.Error = errText.String
	res.Result = result.Float64
	res.MultiResult = multiResult.String
	res.LastTS = fromEpoch(lastTS.Float64)
	if err := unmarshalJSON(calls.String, &res.Calls); err != nil {
		return domain.FeedbackResult{}, fmt.Errorf("decode feedback calls for %s: %w", res.FeedbackResultID, err)
	}
	return res, nil
}

func (s *Store) ListFeedbackResults(ctx context.Context, recordID string) ([]domain.FeedbackResult, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE record_id = ? ORDER BY last_ts`,
		feedbackColumns, s.Table("feedbacks"))

	rows, err := s.db.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("list feedback results: %w", err)
	}
	defer rows.Close()

	var results []domain.FeedbackResult
	for rows.Next() {
		res, err := scanFeedback(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (s *Store) ListPendingFeedback(ctx context.Context, limit int) ([]domain.FeedbackResult, error) {
	if limit <= 0 {
		limit = 32
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = ? ORDER BY last_ts LIMIT ?`,
		feedbackColumns, s.Table("feedbacks"))

	rows, err := s.db.QueryContext(ctx, query, string(domain.FeedbackStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending feedback: %w", err)
	}
	defer rows.Close()

	var results []domain.FeedbackResult
	for rows.Next() {
		res, err := scanFeedback(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
