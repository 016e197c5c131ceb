package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// versionTableBase is the unprefixed name of the single-row table holding
// the store's schema revision.
const versionTableBase = "schema_version"

// migration is one forward schema step. Revisions are ordered decimal
// strings; a store's current revision is the last applied step.
type migration struct {
	revision string
	apply    func(ctx context.Context, tx *sql.Tx, table func(string) string) error
}

// migrations holds every revision in order. The head revision is the last
// entry; downgrades are not supported.
var migrations = []migration{
	{
		revision: "1",
		apply: func(ctx context.Context, tx *sql.Tx, table func(string) string) error {
			stmts := []string{
				fmt.Sprintf(`CREATE TABLE %s (
					app_id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					root_class TEXT,
					input_keys_json TEXT,
					output_keys_json TEXT,
					tags TEXT,
					metadata_json TEXT
				)`, table("apps")),
				fmt.Sprintf(`CREATE TABLE %s (
					feedback_definition_id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					implementation TEXT,
					selectors_json TEXT
				)`, table("feedback_defs")),
				fmt.Sprintf(`CREATE TABLE %s (
					record_id TEXT PRIMARY KEY,
					app_id TEXT NOT NULL,
					main_input TEXT,
					main_output TEXT,
					calls_json TEXT,
					error TEXT,
					tags TEXT,
					metadata_json TEXT,
					started_at DOUBLE,
					ended_at DOUBLE
				)`, table("records")),
				fmt.Sprintf(`CREATE TABLE %s (
					feedback_result_id TEXT PRIMARY KEY,
					record_id TEXT NOT NULL,
					feedback_definition_id TEXT,
					name TEXT,
					status TEXT NOT NULL,
					error TEXT,
					result DOUBLE,
					last_ts DOUBLE
				)`, table("feedbacks")),
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		revision: "2",
		apply: func(ctx context.Context, tx *sql.Tx, table func(string) string) error {
			stmts := []string{
				fmt.Sprintf(`ALTER TABLE %s ADD COLUMN cost_json TEXT`, table("records")),
				fmt.Sprintf(`ALTER TABLE %s ADD COLUMN perf_json TEXT`, table("records")),
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		revision: "3",
		apply: func(ctx context.Context, tx *sql.Tx, table func(string) string) error {
			stmts := []string{
				fmt.Sprintf(`ALTER TABLE %s ADD COLUMN calls_json TEXT`, table("feedbacks")),
				fmt.Sprintf(`ALTER TABLE %s ADD COLUMN multi_result TEXT`, table("feedbacks")),
				fmt.Sprintf(`CREATE INDEX %s_app_id_idx ON %s (app_id)`,
					table("records"), table("records")),
				fmt.Sprintf(`CREATE INDEX %s_status_idx ON %s (status)`,
					table("feedbacks"), table("feedbacks")),
				fmt.Sprintf(`CREATE INDEX %s_record_id_idx ON %s (record_id)`,
					table("feedbacks"), table("feedbacks")),
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Revisions returns every known revision, oldest first.
func Revisions() []string {
	out := make([]string, len(migrations))
	for i, m := range migrations {
		out[i] = m.revision
	}
	return out
}

// HeadRevision is the newest schema revision this build understands.
func HeadRevision() string { return migrations[len(migrations)-1].revision }

// FirstRevision is the oldest revision, the staging point for legacy
// migrations.
func FirstRevision() string { return migrations[0].revision }

func revisionIndex(rev string) int {
	for i, m := range migrations {
		if m.revision == rev {
			return i
		}
	}
	return -1
}

// olderRevision compares two decimal revision strings.
func olderRevision(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr != nil || berr != nil {
		return a < b
	}
	return ai < bi
}

// currentRevision reads the version table. Missing table or row yields an
// empty revision.
func (s *Store) currentRevision(ctx context.Context) (string, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return "", err
	}
	versionTable := s.Table(versionTableBase)
	found := false
	for _, n := range names {
		if n == versionTable {
			found = true
			break
		}
	}
	if !found {
		return "", nil
	}

	var rev string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT revision FROM %s`, versionTable)).Scan(&rev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read schema revision: %w", err)
	}
	return rev, nil
}

func (s *Store) setRevision(ctx context.Context, tx *sql.Tx, rev string) error {
	versionTable := s.Table(versionTableBase)
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (revision TEXT NOT NULL)`, versionTable)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, versionTable)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (revision) VALUES (?)`, versionTable), rev); err != nil {
		return err
	}
	return nil
}

// Upgrade applies every migration newer than the current revision, up to and
// including target. Each step runs in its own transaction so a failure
// leaves the store at a well-defined revision.
func (s *Store) Upgrade(ctx context.Context, target string) error {
	if revisionIndex(target) < 0 {
		return fmt.Errorf("unknown target revision %q", target)
	}

	current, err := s.currentRevision(ctx)
	if err != nil {
		return err
	}
	if current != "" && revisionIndex(current) < 0 {
		return fmt.Errorf("store is at unknown revision %q", current)
	}

	for _, m := range migrations {
		if current != "" && !olderRevision(current, m.revision) {
			continue
		}
		if olderRevision(target, m.revision) {
			break
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.revision, err)
		}
		if err := m.apply(ctx, tx, s.Table); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.revision, err)
		}
		if err := s.setRevision(ctx, tx, m.revision); err != nil {
			tx.Rollback()
			return fmt.Errorf("stamp revision %s: %w", m.revision, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.revision, err)
		}
		s.logger.Info("applied schema migration", "revision", m.revision)
	}
	return nil
}
