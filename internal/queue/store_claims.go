package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mediaflow/internal/stage"
)

// NextEligible claims up to limit pending units for id, oldest first. Each
// returned unit carries a fresh claim token; a unit claimed by another round
// is never returned.
func (s *Store) NextEligible(ctx context.Context, id stage.Identity, limit int) ([]*WorkUnit, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", stage.ErrInvalidStageIdentity, string(id))
	}
	if limit <= 0 {
		return nil, nil
	}
	ctx = ensureContext(ctx)
	var claimed []*WorkUnit
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM work_units WHERE stage = ? AND status = ? ORDER BY updated_at, id LIMIT ?`,
			string(id), string(StatusPending), limit)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var unitID int64
			if err := rows.Scan(&unitID); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, unitID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := formatTime(s.now())
		for _, unitID := range ids {
			token := uuid.NewString()
			res, err := tx.ExecContext(ctx,
				`UPDATE work_units
				 SET status = ?, claim_token = ?, claimed_at = ?, last_heartbeat = ?,
				     attempts = attempts + 1, error_message = NULL, progress_message = NULL, updated_at = ?
				 WHERE id = ? AND stage = ? AND status = ?`,
				string(StatusClaimed), token, now, now, now, unitID, string(id), string(StatusPending))
			if err != nil {
				return err
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				continue
			}
			row := tx.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM work_units WHERE id = ?", unitID)
			unit, err := scanUnit(row)
			if err != nil {
				return err
			}
			claimed = append(claimed, unit)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s units: %w", id, err)
	}
	return claimed, nil
}

// CountEligible returns how many units are waiting for id.
func (s *Store) CountEligible(ctx context.Context, id stage.Identity) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM work_units WHERE stage = ? AND status = ?`,
		string(id), string(StatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s eligible: %w", id, err)
	}
	return count, nil
}

// Depths returns the pending count for every stage.
func (s *Store) Depths(ctx context.Context) (map[stage.Identity]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT stage, COUNT(1) FROM work_units WHERE status = ? GROUP BY stage`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()
	depths := make(map[stage.Identity]int, len(stage.All()))
	for _, id := range stage.All() {
		depths[id] = 0
	}
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		depths[stage.Identity(id)] = count
	}
	return depths, rows.Err()
}

// Claimed returns units currently claimed for id.
func (s *Store) Claimed(ctx context.Context, id stage.Identity) ([]*WorkUnit, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+unitColumns+" FROM work_units WHERE stage = ? AND status = ? ORDER BY id",
		string(id), string(StatusClaimed))
	if err != nil {
		return nil, fmt.Errorf("list claimed %s units: %w", id, err)
	}
	return scanUnits(rows)
}

// RecordOutcome settles the claim held on unit. A success advances the unit to
// the next stage (or done after the last); a failure parks it as failed in
// its current stage. Settling a claim that is no longer held reports
// ErrClaimLost.
func (s *Store) RecordOutcome(ctx context.Context, unit *WorkUnit, outcome Outcome) error {
	column, err := payloadColumn(unit.Stage)
	if err != nil {
		return err
	}
	now := formatTime(s.now())

	var res sql.Result
	if outcome.Success {
		nextStage, nextStatus := unit.Stage, StatusDone
		if next, ok := unit.Stage.Next(); ok {
			nextStage, nextStatus = next, StatusPending
		}
		outputPath := outcome.OutputPath
		if outputPath == "" {
			outputPath = unit.OutputPath
		}
		res, err = s.execWithRetry(ctx,
			`UPDATE work_units
			 SET stage = ?, status = ?, `+column+` = ?, output_path = ?,
			     claim_token = NULL, claimed_at = NULL, last_heartbeat = NULL,
			     error_message = NULL, progress_message = NULL, updated_at = ?
			 WHERE id = ? AND status = ? AND claim_token = ?`,
			string(nextStage), string(nextStatus), nullableString(string(outcome.Payload)), nullableString(outputPath), now,
			unit.ID, string(StatusClaimed), unit.ClaimToken)
	} else {
		message := outcome.Error
		if message == "" {
			message = "stage failed"
		}
		res, err = s.execWithRetry(ctx,
			`UPDATE work_units
			 SET status = ?, error_message = ?,
			     claim_token = NULL, claimed_at = NULL, last_heartbeat = NULL, updated_at = ?
			 WHERE id = ? AND status = ? AND claim_token = ?`,
			string(StatusFailed), message, now,
			unit.ID, string(StatusClaimed), unit.ClaimToken)
	}
	if err != nil {
		return fmt.Errorf("record outcome for unit %d: %w", unit.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: unit %d", ErrClaimLost, unit.ID)
	}
	return nil
}

// ReleaseClaims returns claimed units to pending without recording an
// outcome. Units whose claim has already moved on are skipped.
func (s *Store) ReleaseClaims(ctx context.Context, units ...*WorkUnit) (int64, error) {
	var released int64
	for _, unit := range units {
		if unit == nil {
			continue
		}
		res, err := s.execWithRetry(ctx,
			`UPDATE work_units
			 SET status = ?, claim_token = NULL, claimed_at = NULL, last_heartbeat = NULL, updated_at = ?
			 WHERE id = ? AND status = ? AND claim_token = ?`,
			string(StatusPending), formatTime(s.now()), unit.ID, string(StatusClaimed), unit.ClaimToken)
		if err != nil {
			return released, fmt.Errorf("release unit %d: %w", unit.ID, err)
		}
		affected, _ := res.RowsAffected()
		released += affected
	}
	return released, nil
}

// Heartbeat refreshes the claim on unit and stores progress when non-empty.
func (s *Store) Heartbeat(ctx context.Context, unit *WorkUnit, progress string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE work_units
		 SET last_heartbeat = ?, progress_message = COALESCE(?, progress_message)
		 WHERE id = ? AND status = ? AND claim_token = ?`,
		formatTime(s.now()), nullableString(progress), unit.ID, string(StatusClaimed), unit.ClaimToken)
	if err != nil {
		return fmt.Errorf("heartbeat unit %d: %w", unit.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: unit %d", ErrClaimLost, unit.ID)
	}
	return nil
}

// ReclaimStale returns claims whose heartbeat is older than cutoff to pending.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE work_units
		 SET status = ?, claim_token = NULL, claimed_at = NULL, last_heartbeat = NULL, updated_at = ?
		 WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		string(StatusPending), formatTime(s.now()), string(StatusClaimed), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	return res.RowsAffected()
}

// ResetClaims returns every claimed unit to pending.
func (s *Store) ResetClaims(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE work_units
		 SET status = ?, claim_token = NULL, claimed_at = NULL, last_heartbeat = NULL, updated_at = ?
		 WHERE status = ?`,
		string(StatusPending), formatTime(s.now()), string(StatusClaimed))
	if err != nil {
		return 0, fmt.Errorf("reset claims: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed returns failed units to pending in their current stage. With
// no ids every failed unit is retried.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	query := `UPDATE work_units SET status = ?, error_message = NULL, updated_at = ? WHERE status = ?`
	args := []any{string(StatusPending), formatTime(s.now()), string(StatusFailed)}
	if len(ids) > 0 {
		query += " AND id IN (" + makePlaceholders(len(ids)) + ")"
		args = append(args, int64Args(ids)...)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed units: %w", err)
	}
	return res.RowsAffected()
}
