package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Import is one successful gtfs-via-postgres import recorded in the
// metadata database.
type Import struct {
	DBName     string
	ImportedAt time.Time
}

// LatestImport returns the most recent import whose database name contains
// city. meta must be connected to the database holding
// public.latest_successful_imports.
func LatestImport(ctx context.Context, meta *sql.DB, city string) (Import, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return Import{}, fmt.Errorf("city is required")
	}
	q := `
SELECT db_name, imported_at
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var (
		name sql.NullString
		at   sql.NullTime
	)
	if err := meta.QueryRowContext(ctx, q, city).Scan(&name, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Import{}, fmt.Errorf("no database found for city like %q", city)
		}
		return Import{}, err
	}
	if !name.Valid || name.String == "" {
		return Import{}, fmt.Errorf("empty db_name for city like %q", city)
	}
	return Import{DBName: name.String, ImportedAt: at.Time}, nil
}

// ResolveCityDSN connects to metaDSN, looks up the latest import for city
// and returns dsn pointed at that database.
func ResolveCityDSN(ctx context.Context, metaDSN, dsn, city string) (string, Import, error) {
	imp, err := latestImportVia(ctx, metaDSN, city)
	if err != nil {
		return "", Import{}, err
	}
	out, err := WithDBName(dsn, imp.DBName)
	if err != nil {
		return "", Import{}, err
	}
	return out, imp, nil
}

// WatchImports checks every interval whether a newer import than current
// exists for city and calls onChange with it. It returns when ctx is done.
func WatchImports(ctx context.Context, metaDSN, city string, current Import, interval time.Duration, onChange func(Import), log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		imp, err := latestImportVia(ctx, metaDSN, city)
		if err != nil {
			log.Warn("resolve latest import", zap.String("city", city), zap.Error(err))
			continue
		}
		if imp.DBName == "" || imp.DBName == current.DBName {
			continue
		}
		log.Info("detected updated database",
			zap.String("city", city),
			zap.String("from", current.DBName),
			zap.String("to", imp.DBName))
		current = imp
		onChange(imp)
	}
}

// latestImportVia uses a short-lived meta connection.
func latestImportVia(ctx context.Context, metaDSN, city string) (Import, error) {
	meta, err := Open(metaDSN)
	if err != nil {
		return Import{}, fmt.Errorf("open meta db: %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return Import{}, fmt.Errorf("ping meta db: %w", err)
	}
	return LatestImport(ctx, meta, city)
}
