package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"mediaflow/internal/stage"
)

// Enqueue registers sourcePath for the analyzer. Enqueueing a path that is
// already known returns the existing unit and created=false.
func (s *Store) Enqueue(ctx context.Context, sourcePath, title string) (*WorkUnit, bool, error) {
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return nil, false, errors.New("enqueue: source path is required")
	}
	if strings.TrimSpace(title) == "" {
		base := filepath.Base(sourcePath)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	now := formatTime(s.now())
	res, err := s.execWithRetry(ctx,
		`INSERT INTO work_units (source_path, title, stage, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_path) DO NOTHING`,
		sourcePath, strings.TrimSpace(title), string(stage.Analyzer), string(StatusPending), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", sourcePath, err)
	}
	affected, _ := res.RowsAffected()

	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+unitColumns+" FROM work_units WHERE source_path = ?", sourcePath)
	unit, err := scanUnit(row)
	if err != nil {
		return nil, false, fmt.Errorf("load enqueued unit: %w", err)
	}
	return unit, affected > 0, nil
}

// GetByID fetches a unit. Missing units report ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (*WorkUnit, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+unitColumns+" FROM work_units WHERE id = ?", id)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %d: %w", id, err)
	}
	return unit, nil
}

// List returns units matching filter ordered by id.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*WorkUnit, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, string(filter.Stage))
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query := "SELECT " + unitColumns + " FROM work_units"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return scanUnits(rows)
}

// Stats returns unit counts grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM work_units GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Remove deletes units that are not currently claimed and returns how many
// were removed.
func (s *Store) Remove(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.execWithRetry(ctx,
		"DELETE FROM work_units WHERE status != ? AND id IN ("+makePlaceholders(len(ids))+")",
		append([]any{string(StatusClaimed)}, int64Args(ids)...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("remove units: %w", err)
	}
	return res.RowsAffected()
}
