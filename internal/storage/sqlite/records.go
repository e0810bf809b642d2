package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	strider "github.com/striderhq/strider/internal"
)

const recordColumns = `id, request_id, attempt, provider_id, endpoint_id,
	 credential_id, cached, required_caps, status, status_code, latency_ms,
	 in_flight, error_type, error_message, extra, created_at, updated_at`

// UpsertCandidateRecords flushes attempt trace rows in one statement. The
// async writer may flush the same id more than once as an attempt advances
// through its lifecycle; the last write wins on every mutable column.
func (s *Store) UpsertCandidateRecords(ctx context.Context, recs []strider.CandidateRecord) error {
	if len(recs) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(recs))
	args := make([]any, 0, len(recs)*17)
	for i := range recs {
		r := &recs[i]
		caps, err := marshalCaps(r.RequiredCaps)
		if err != nil {
			return fmt.Errorf("record %s required_caps: %w", r.ID, err)
		}
		extra, err := marshalStringMap(r.Extra)
		if err != nil {
			return fmt.Errorf("record %s extra: %w", r.ID, err)
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.ID, r.RequestID, r.Attempt, r.ProviderID, r.EndpointID,
			r.CredentialID, boolToInt(r.Cached), caps, string(r.Status),
			r.StatusCode, r.LatencyMs, r.InFlight, r.ErrorType, r.ErrorMessage,
			extra, r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO candidate_records (` + recordColumns + `)
	 VALUES ` + strings.Join(placeholders, ", ") + `
	 ON CONFLICT(id) DO UPDATE SET
	   status = excluded.status,
	   status_code = excluded.status_code,
	   latency_ms = excluded.latency_ms,
	   in_flight = excluded.in_flight,
	   error_type = excluded.error_type,
	   error_message = excluded.error_message,
	   extra = excluded.extra,
	   updated_at = excluded.updated_at`
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListCandidateRecords returns the attempt trace for one request in attempt
// order.
func (s *Store) ListCandidateRecords(ctx context.Context, requestID string) ([]strider.CandidateRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM candidate_records
		 WHERE request_id = ? ORDER BY attempt`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.CandidateRecord
	for rows.Next() {
		var r strider.CandidateRecord
		var caps, extra, status, createdAt, updatedAt string
		var cached int
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Attempt, &r.ProviderID,
			&r.EndpointID, &r.CredentialID, &cached, &caps, &status,
			&r.StatusCode, &r.LatencyMs, &r.InFlight, &r.ErrorType,
			&r.ErrorMessage, &extra, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		r.Cached = cached != 0
		if r.RequiredCaps, err = unmarshalCaps(caps); err != nil {
			return nil, fmt.Errorf("record %s required_caps: %w", r.ID, err)
		}
		if r.Extra, err = unmarshalStringMap(extra); err != nil {
			return nil, fmt.Errorf("record %s extra: %w", r.ID, err)
		}
		r.Status = strider.CandidateStatus(status)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			r.UpdatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneCandidateRecords deletes trace rows created before cutoff and
// returns the number removed. RFC 3339 UTC strings compare lexicographically,
// so the text column needs no parsing.
func (s *Store) PruneCandidateRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM candidate_records WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func marshalCaps(rules []strider.CapabilityRule) (string, error) {
	if len(rules) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(rules)
	return string(b), err
}

func unmarshalCaps(s string) ([]strider.CapabilityRule, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []strider.CapabilityRule
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal capability rules: %w", err)
	}
	return out, nil
}
