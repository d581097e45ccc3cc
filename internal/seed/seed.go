// Package seed loads one-shot JSON seed files into datastore tables after
// a successful migration run. Each file holds an array of row objects and
// is deleted once its rows are committed, so a restart never re-applies it.
package seed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Spec names one seed file and its destination table. Key is the conflict
// column for upserts; it defaults to "id".
type Spec struct {
	File  string
	Table string
	Key   string
}

// Loader applies seed specs against SQLite (modernc.org/sqlite) or
// Postgres (pgx stdlib) based on DSN prefix.
type Loader struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

func NewLoader(dsn string) (*Loader, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for seed loader")
	}
	ld := strings.ToLower(d)
	drv, dialect, path := "sqlite", "sqlite", d
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		drv, dialect, path = "pgx", "postgres", d
	} else if strings.HasPrefix(ld, "sqlite://") {
		path = strings.TrimPrefix(d, "sqlite://")
	}
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, err
	}
	return &Loader{db: db, dialect: dialect}, nil
}

func (l *Loader) Close() error { return l.db.Close() }

// Apply loads every spec in order. A missing file is logged and skipped;
// any other failure aborts and is returned.
func (l *Loader) Apply(ctx context.Context, specs []Spec) error {
	for _, sp := range specs {
		if err := l.applyOne(ctx, sp); err != nil {
			return fmt.Errorf("seed %s into %s: %w", sp.File, sp.Table, err)
		}
	}
	return nil
}

func (l *Loader) applyOne(ctx context.Context, sp Spec) error {
	data, err := os.ReadFile(sp.File)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("seed file absent, skipping", "file", sp.File)
		return nil
	}
	if err != nil {
		return err
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	key := sp.Key
	if key == "" {
		key = "id"
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		query, args, err := l.upsert(sp.Table, key, row)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := os.Remove(sp.File); err != nil {
		return fmt.Errorf("remove consumed seed file: %w", err)
	}
	slog.Info("seed applied", "file", sp.File, "table", sp.Table, "rows", len(rows))
	return nil
}

// upsert builds an INSERT ... ON CONFLICT statement for one row. Column
// order is sorted so statements are deterministic.
func (l *Loader) upsert(table, key string, row map[string]any) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, errors.New("empty seed row")
	}
	if _, ok := row[key]; !ok {
		return "", nil, fmt.Errorf("seed row missing key column %q", key)
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	quoted := make([]string, 0, len(cols))
	marks := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	for i, c := range cols {
		args = append(args, row[c])
		quoted = append(quoted, quoteIdent(c))
		if l.dialect == "postgres" {
			marks = append(marks, fmt.Sprintf("$%d", i+1))
		} else {
			marks = append(marks, "?")
		}
		if c != key {
			updates = append(updates, quoteIdent(c)+" = EXCLUDED."+quoteIdent(c))
		}
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "), quoteIdent(key))
	if len(updates) == 0 {
		q += "DO NOTHING"
	} else {
		q += "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return q, args, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
