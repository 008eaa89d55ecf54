package queue

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"mediaflow/internal/stage"
)

const unitColumns = "id, source_path, title, stage, status, claim_token, claimed_at, last_heartbeat, attempts, analysis_json, search_json, encode_json, output_path, progress_message, error_message, created_at, updated_at"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func scanUnit(scanner interface{ Scan(dest ...any) error }) (*WorkUnit, error) {
	var (
		unit         WorkUnit
		stageRaw     string
		statusRaw    string
		claimToken   sql.NullString
		claimedRaw   sql.NullString
		heartbeatRaw sql.NullString
		analysis     sql.NullString
		search       sql.NullString
		encode       sql.NullString
		outputPath   sql.NullString
		progress     sql.NullString
		errorMessage sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&unit.ID,
		&unit.SourcePath,
		&unit.Title,
		&stageRaw,
		&statusRaw,
		&claimToken,
		&claimedRaw,
		&heartbeatRaw,
		&unit.Attempts,
		&analysis,
		&search,
		&encode,
		&outputPath,
		&progress,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	unit.Stage = stage.Identity(stageRaw)
	unit.Status = Status(statusRaw)
	unit.ClaimToken = claimToken.String
	unit.AnalysisJSON = analysis.String
	unit.SearchJSON = search.String
	unit.EncodeJSON = encode.String
	unit.OutputPath = outputPath.String
	unit.ProgressMessage = progress.String
	unit.ErrorMessage = errorMessage.String
	unit.ClaimedAt = parseNullableTime(claimedRaw)
	unit.LastHeartbeat = parseNullableTime(heartbeatRaw)
	if created, err := parseTimeString(createdRaw); err == nil {
		unit.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		unit.UpdatedAt = updated
	}
	return &unit, nil
}

func scanUnits(rows *sql.Rows) ([]*WorkUnit, error) {
	defer rows.Close()
	var units []*WorkUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
