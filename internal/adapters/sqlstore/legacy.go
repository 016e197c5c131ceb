package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Legacy stores predate the revision guard: unprefixed data tables versioned
// through a single `meta` row instead of a schema version table.
const (
	legacyMetaTable   = "meta"
	legacyHeadVersion = "0.3"
)

// ErrMemoryStoreMigration is returned when a legacy migration is requested
// on an in-memory store, which has no file to back up.
var ErrMemoryStoreMigration = errors.New("cannot migrate a legacy in-memory store")

// rev1Columns lists the staging schema's columns per entity table. Legacy
// rows are copied column-by-name into this intersection.
var rev1Columns = map[string][]string{
	"apps":          {"app_id", "name", "root_class", "input_keys_json", "output_keys_json", "tags", "metadata_json"},
	"feedback_defs": {"feedback_definition_id", "name", "implementation", "selectors_json"},
	"records":       {"record_id", "app_id", "main_input", "main_output", "calls_json", "error", "tags", "metadata_json", "started_at", "ended_at"},
	"feedbacks":     {"feedback_result_id", "record_id", "feedback_definition_id", "name", "status", "error", "result", "last_ts"},
}

// timestampColumns are coerced to epoch-seconds doubles during copies.
// Legacy stores recorded them in whatever form the writing process used.
var timestampColumns = map[string]bool{
	"started_at": true,
	"ended_at":   true,
	"last_ts":    true,
	"ts":         true,
	"created_at": true,
}

// IsLegacy reports whether the store holds pre-guard data: entity tables
// present with no schema version table under any prefix.
func (s *Store) IsLegacy(ctx context.Context) (bool, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return false, err
	}

	hasData := false
	for _, n := range names {
		if hasSuffixTable(n, versionTableBase) {
			return false, nil
		}
		if n == "records" || n == "apps" {
			hasData = true
		}
	}
	return hasData, nil
}

func hasSuffixTable(name, suffix string) bool {
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}

// legacyVersion reads the legacy meta row, defaulting to the oldest known
// legacy version when the row (or table) is absent.
func (s *Store) legacyVersion(ctx context.Context) (string, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return "", err
	}
	found := false
	for _, n := range names {
		if n == legacyMetaTable {
			found = true
			break
		}
	}
	if !found {
		return "0.1", nil
	}

	var version string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = 'version'`, legacyMetaTable)).Scan(&version)
	if err == sql.ErrNoRows {
		return "0.1", nil
	}
	if err != nil {
		return "", fmt.Errorf("read legacy version: %w", err)
	}
	return version, nil
}

func (s *Store) setLegacyVersion(ctx context.Context, version string) error {
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT)`, legacyMetaTable)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ('version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, legacyMetaTable), version)
	return err
}

// upgradeLegacyInternal brings the legacy store itself to the last legacy
// version, so the copy step can rely on one known shape.
func (s *Store) upgradeLegacyInternal(ctx context.Context) error {
	version, err := s.legacyVersion(ctx)
	if err != nil {
		return err
	}

	if version == "0.1" {
		if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS feedback_defs (
			feedback_definition_id TEXT PRIMARY KEY,
			name TEXT,
			implementation TEXT,
			selectors_json TEXT
		)`); err != nil {
			return fmt.Errorf("legacy 0.1 to 0.2: %w", err)
		}
		version = "0.2"
		if err := s.setLegacyVersion(ctx, version); err != nil {
			return err
		}
		s.logger.Info("applied legacy migration", "version", version)
	}

	if version == "0.2" {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE records ADD COLUMN tags TEXT`); err != nil {
			return fmt.Errorf("legacy 0.2 to 0.3: %w", err)
		}
		version = "0.3"
		if err := s.setLegacyVersion(ctx, version); err != nil {
			return err
		}
		s.logger.Info("applied legacy migration", "version", version)
	}

	if version != legacyHeadVersion {
		return fmt.Errorf("unknown legacy version %q", version)
	}
	return nil
}

// MigrateLegacy converts a legacy store in place: back up the file, bring
// the legacy tables to their last internal version, stage the prefixed
// schema at its first revision, copy the four entity tables with timestamp
// coercion, then upgrade to head. The legacy tables are left behind for
// manual inspection; the guard ignores them once the version table exists.
func (s *Store) MigrateLegacy(ctx context.Context) error {
	if s.driver == DriverSQLite && IsMemoryPath(s.path) {
		return ErrMemoryStoreMigration
	}

	legacy, err := s.IsLegacy(ctx)
	if err != nil {
		return err
	}
	if !legacy {
		return errors.New("store is not a legacy store")
	}

	backup := s.path + ".backup-" + strconv.FormatInt(time.Now().Unix(), 10)
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read store file for backup: %w", err)
	}
	if err := os.WriteFile(backup, raw, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.logger.Info("legacy store backed up", "backup", backup)

	if err := s.upgradeLegacyInternal(ctx); err != nil {
		return err
	}

	if err := s.Upgrade(ctx, FirstRevision()); err != nil {
		return fmt.Errorf("stage schema: %w", err)
	}

	for _, base := range entityTables {
		n, err := copyTable(ctx, s.db, s.db, base, s.Table(base), rev1Columns[base], coerceRow)
		if err != nil {
			return fmt.Errorf("copy legacy table %s: %w", base, err)
		}
		s.logger.Info("copied legacy table", "table", base, "rows", n)
	}

	if err := s.Upgrade(ctx, HeadRevision()); err != nil {
		return fmt.Errorf("upgrade to head: %w", err)
	}

	s.logger.Info("legacy migration complete", "revision", HeadRevision())
	return nil
}

// coerceRow normalizes timestamp columns to epoch-seconds doubles and leaves
// everything else untouched.
func coerceRow(column string, value any) any {
	if !timestampColumns[column] {
		return value
	}
	if sec, ok := coerceTimestamp(value); ok {
		return sec
	}
	return value
}

// coerceTimestamp converts the timestamp encodings found in legacy stores to
// epoch seconds.
func coerceTimestamp(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case time.Time:
		return toEpoch(t), true
	case []byte:
		return parseTimestampString(string(t))
	case string:
		return parseTimestampString(t)
	}
	return 0, false
}

func parseTimestampString(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return toEpoch(t), true
		}
	}
	return 0, false
}
