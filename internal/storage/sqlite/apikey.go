package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	strider "github.com/striderhq/strider/internal"
)

const keyColumns = `id, key_hash, key_prefix, name, allowed_providers,
	 rpm_limit, tpm_limit, token_budget, expires_at, blocked, last_used_at, created_at`

// CreateKey inserts a caller API key.
func (s *Store) CreateKey(ctx context.Context, key *strider.APIKey) error {
	providers, err := marshalNullStrings(key.AllowedProviders)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, providers,
		nullInt64(key.RPMLimit), nullInt64(key.TPMLimit), nullInt64(key.TokenBudget),
		timeToStr(key.ExpiresAt), boolToInt(key.Blocked),
		timeToStr(key.LastUsedAt), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves a caller key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*strider.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// TouchKeyUsed stamps last_used_at. Fire-and-forget from the auth path.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanKey(sc scanner) (*strider.APIKey, error) {
	var k strider.APIKey
	var providers sql.NullString
	var rpm, tpm, budget sql.NullInt64
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var blocked int

	err := sc.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &providers,
		&rpm, &tpm, &budget, &expiresAt, &blocked, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if providers.Valid {
		if k.AllowedProviders, err = unmarshalStrings(providers.String); err != nil {
			return nil, fmt.Errorf("key %s allowed_providers: %w", k.ID, err)
		}
	}
	k.RPMLimit = int64Ptr(rpm)
	k.TPMLimit = int64Ptr(tpm)
	k.TokenBudget = int64Ptr(budget)
	k.Blocked = blocked != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to the domain sentinel.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return strider.ErrNotFound
	}
	return err
}

// helpers

// marshalStrings encodes a string list for a NOT NULL json column.
func marshalStrings(s []string) (string, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

// marshalNullStrings encodes a string list where NULL means "unset".
func marshalNullStrings(s []string) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return out, nil
}

func marshalStringMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalStringMap(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal string map: %w", err)
	}
	return out, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtr(ns sql.NullInt64) *int {
	if !ns.Valid {
		return nil
	}
	v := int(ns.Int64)
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func int64Ptr(ns sql.NullInt64) *int64 {
	if !ns.Valid {
		return nil
	}
	v := ns.Int64
	return &v
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
