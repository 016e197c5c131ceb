package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrTargetNotEmpty is returned when a cross-store copy would write into a
// target that already holds rows.
var ErrTargetNotEmpty = errors.New("copy target store is not empty")

// CopyStore appends every row of src's entity tables into dst, for example
// SQLite to DuckDB. Both stores must be at the head revision and dst must be
// empty. The copy is not transactional: a failure leaves dst partially
// filled, and src is never modified.
func CopyStore(ctx context.Context, src, dst *Store) error {
	if err := requireHead(ctx, src, "source"); err != nil {
		return err
	}
	if err := requireHead(ctx, dst, "target"); err != nil {
		return err
	}

	for _, base := range entityTables {
		var count int
		err := dst.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, dst.Table(base))).Scan(&count)
		if err != nil {
			return fmt.Errorf("count target %s: %w", base, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: table %s has %d rows", ErrTargetNotEmpty, dst.Table(base), count)
		}
	}

	for _, base := range entityTables {
		n, err := copyTable(ctx, src.db, dst.db, src.Table(base), dst.Table(base), nil, coerceRow)
		if err != nil {
			return fmt.Errorf("copy table %s: %w", base, err)
		}
		src.logger.Info("copied table", "table", base, "rows", n)
	}
	return nil
}

func requireHead(ctx context.Context, s *Store, role string) error {
	current, err := s.currentRevision(ctx)
	if err != nil {
		return err
	}
	if current != HeadRevision() {
		return fmt.Errorf("%s store is at revision %q, want head %q", role, current, HeadRevision())
	}
	return nil
}

// copyTable streams rows from one table into another, matching columns by
// name. When allowed is non-nil only those source columns are carried over;
// transform may rewrite individual values (timestamp coercion).
func copyTable(ctx context.Context, src, dst *sql.DB, srcTable, dstTable string, allowed []string, transform func(column string, value any) any) (int, error) {
	rows, err := src.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, srcTable))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	srcCols, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	// indices of source columns that survive the filter
	var cols []string
	var idx []int
	for i, c := range srcCols {
		if allowed != nil && !contains(allowed, c) {
			continue
		}
		cols = append(cols, c)
		idx = append(idx, i)
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("no shared columns between %s and %s", srcTable, dstTable)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		dstTable, strings.Join(cols, ", "), placeholders(len(cols)))

	count := 0
	scan := make([]any, len(srcCols))
	for rows.Next() {
		for i := range scan {
			scan[i] = new(any)
		}
		if err := rows.Scan(scan...); err != nil {
			return count, err
		}

		args := make([]any, len(cols))
		for j, srcIdx := range idx {
			v := *(scan[srcIdx].(*any))
			if transform != nil {
				v = transform(cols[j], v)
			}
			args[j] = v
		}
		if _, err := dst.ExecContext(ctx, insert, args...); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
