package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	strider "github.com/striderhq/strider/internal"
)

const usageColumns = `id, request_id, key_id, format, client_model,
	 canonical_model_id, provider_id, endpoint_id, credential_id, stream,
	 status_code, error_type, error_message, input_tokens, output_tokens,
	 cache_read_tokens, cache_creation_tokens, usage_estimated, ttfb_ms,
	 response_time_ms, request_headers, created_at`

// InsertUsage appends ledger rows in one multi-row statement.
func (s *Store) InsertUsage(ctx context.Context, recs []strider.UsageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(recs))
	args := make([]any, 0, len(recs)*22)
	for i := range recs {
		r := &recs[i]
		headers, err := marshalStringMap(r.RequestHeaders)
		if err != nil {
			return fmt.Errorf("usage %s headers: %w", r.ID, err)
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.ID, r.RequestID, r.KeyID, string(r.Format), r.ClientModel,
			r.CanonicalModelID, r.ProviderID, r.EndpointID, r.CredentialID,
			boolToInt(r.Stream), r.StatusCode, r.ErrorType, r.ErrorMessage,
			r.Usage.Input, r.Usage.Output, r.Usage.CacheRead,
			r.Usage.CacheCreation, boolToInt(r.UsageEstimated),
			r.TTFBMs, r.ResponseTimeMs, headers,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records (` + usageColumns + `)
	 VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumKeyTokens returns the lifetime token total for one caller key. Backs
// the token-budget gate; callers cache the result.
func (s *Store) SumKeyTokens(ctx context.Context, keyID string) (int64, error) {
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens + output_tokens + cache_read_tokens + cache_creation_tokens), 0)
		 FROM usage_records WHERE key_id = ?`, keyID,
	).Scan(&total)
	return total, err
}

// ListUsageByRequest returns the ledger rows for one request id, oldest
// first. Diagnostic surface; the hot path only appends.
func (s *Store) ListUsageByRequest(ctx context.Context, requestID string) ([]strider.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE request_id = ? ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.UsageRecord
	for rows.Next() {
		var r strider.UsageRecord
		var format, headers, createdAt string
		var stream, estimated int
		if err := rows.Scan(&r.ID, &r.RequestID, &r.KeyID, &format,
			&r.ClientModel, &r.CanonicalModelID, &r.ProviderID, &r.EndpointID,
			&r.CredentialID, &stream, &r.StatusCode, &r.ErrorType,
			&r.ErrorMessage, &r.Usage.Input, &r.Usage.Output,
			&r.Usage.CacheRead, &r.Usage.CacheCreation, &estimated,
			&r.TTFBMs, &r.ResponseTimeMs, &headers, &createdAt,
		); err != nil {
			return nil, err
		}
		r.Format = strider.Format(format)
		r.Stream = stream != 0
		r.UsageEstimated = estimated != 0
		if r.RequestHeaders, err = unmarshalStringMap(headers); err != nil {
			return nil, fmt.Errorf("usage %s headers: %w", r.ID, err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
