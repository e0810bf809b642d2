package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/catalog"
)

// LoadCatalog reads every catalog table in one pass. The in-memory index
// filters inactive records, so the queries do not.
func (s *Store) LoadCatalog(ctx context.Context) (catalog.Data, error) {
	var (
		d   catalog.Data
		err error
	)
	if d.Providers, err = s.loadProviders(ctx); err != nil {
		return catalog.Data{}, fmt.Errorf("load providers: %w", err)
	}
	if d.Endpoints, err = s.loadEndpoints(ctx); err != nil {
		return catalog.Data{}, fmt.Errorf("load endpoints: %w", err)
	}
	if d.Credentials, err = s.loadCredentials(ctx); err != nil {
		return catalog.Data{}, fmt.Errorf("load credentials: %w", err)
	}
	if d.GlobalModels, err = s.loadGlobalModels(ctx); err != nil {
		return catalog.Data{}, fmt.Errorf("load global models: %w", err)
	}
	if d.Mappings, err = s.loadMappings(ctx); err != nil {
		return catalog.Data{}, fmt.Errorf("load mappings: %w", err)
	}
	if d.Impls, err = s.loadImpls(ctx); err != nil {
		return catalog.Data{}, fmt.Errorf("load models: %w", err)
	}
	return d, nil
}

func (s *Store) loadProviders(ctx context.Context) ([]strider.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, priority, active FROM providers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.Provider
	for rows.Next() {
		var p strider.Provider
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.Priority, &active); err != nil {
			return nil, err
		}
		p.Active = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadEndpoints(ctx context.Context) ([]strider.Endpoint, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_id, base_url, format, path_template, headers,
		 auth_mode, region, timeout_seconds, max_retries, max_concurrent,
		 no_stream, active FROM endpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.Endpoint
	for rows.Next() {
		var e strider.Endpoint
		var format, headers string
		var maxConc sql.NullInt64
		var noStream, active int
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.BaseURL, &format,
			&e.PathTemplate, &headers, &e.AuthMode, &e.Region,
			&e.TimeoutSeconds, &e.MaxRetries, &maxConc, &noStream, &active,
		); err != nil {
			return nil, err
		}
		e.Format = strider.Format(format)
		if e.Headers, err = unmarshalStringMap(headers); err != nil {
			return nil, fmt.Errorf("endpoint %s headers: %w", e.ID, err)
		}
		e.MaxConcurrent = intPtr(maxConc)
		e.NoStream = noStream != 0
		e.Active = active != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) loadCredentials(ctx context.Context) ([]strider.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, endpoint_id, name, secret, priority, max_concurrent,
		 learned_max_concurrent, cache_ttl_minutes, capabilities, active
		 FROM credentials`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.Credential
	for rows.Next() {
		var c strider.Credential
		var caps string
		var maxConc sql.NullInt64
		var active int
		if err := rows.Scan(&c.ID, &c.EndpointID, &c.Name, &c.Secret,
			&c.Priority, &maxConc, &c.LearnedMaxConcurrent,
			&c.CacheTTLMinutes, &caps, &active,
		); err != nil {
			return nil, err
		}
		c.MaxConcurrent = intPtr(maxConc)
		if c.Capabilities, err = unmarshalStrings(caps); err != nil {
			return nil, fmt.Errorf("credential %s capabilities: %w", c.ID, err)
		}
		c.Active = active != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) loadGlobalModels(ctx context.Context) ([]strider.GlobalModel, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, display_name, capabilities, active FROM global_models`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.GlobalModel
	for rows.Next() {
		var g strider.GlobalModel
		var caps string
		var active int
		if err := rows.Scan(&g.ID, &g.Name, &g.DisplayName, &caps, &active); err != nil {
			return nil, err
		}
		if g.Capabilities, err = unmarshalStrings(caps); err != nil {
			return nil, fmt.Errorf("global model %s capabilities: %w", g.ID, err)
		}
		g.Active = active != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) loadMappings(ctx context.Context) ([]strider.ModelMapping, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, source_name, global_model_id, provider_id, kind, active
		 FROM model_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.ModelMapping
	for rows.Next() {
		var m strider.ModelMapping
		var kind string
		var active int
		if err := rows.Scan(&m.ID, &m.SourceName, &m.GlobalModelID,
			&m.ProviderID, &kind, &active,
		); err != nil {
			return nil, err
		}
		m.Kind = strider.MappingKind(kind)
		m.Active = active != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) loadImpls(ctx context.Context) ([]strider.ModelImpl, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_id, global_model_id, upstream_name, capabilities, active
		 FROM models`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strider.ModelImpl
	for rows.Next() {
		var m strider.ModelImpl
		var caps string
		var active int
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.GlobalModelID,
			&m.UpstreamName, &caps, &active,
		); err != nil {
			return nil, err
		}
		if m.Capabilities, err = unmarshalStrings(caps); err != nil {
			return nil, fmt.Errorf("model %s capabilities: %w", m.ID, err)
		}
		m.Active = active != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// SeedCatalog inserts catalog records, skipping ids that already exist.
// Bootstrap only; ongoing mutation belongs to admin tooling.
func (s *Store) SeedCatalog(ctx context.Context, d catalog.Data) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range d.Providers {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO providers (id, name, priority, active)
			 VALUES (?, ?, ?, ?)`,
			p.ID, p.Name, p.Priority, boolToInt(p.Active),
		); err != nil {
			return fmt.Errorf("seed provider %s: %w", p.ID, err)
		}
	}
	for _, e := range d.Endpoints {
		headers, err := marshalStringMap(e.Headers)
		if err != nil {
			return fmt.Errorf("seed endpoint %s headers: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO endpoints (id, provider_id, base_url, format,
			 path_template, headers, auth_mode, region, timeout_seconds,
			 max_retries, max_concurrent, no_stream, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ProviderID, e.BaseURL, string(e.Format), e.PathTemplate,
			headers, e.AuthMode, e.Region, e.TimeoutSeconds, e.MaxRetries,
			nullInt(e.MaxConcurrent), boolToInt(e.NoStream), boolToInt(e.Active),
		); err != nil {
			return fmt.Errorf("seed endpoint %s: %w", e.ID, err)
		}
	}
	for _, c := range d.Credentials {
		caps, err := marshalStrings(c.Capabilities)
		if err != nil {
			return fmt.Errorf("seed credential %s capabilities: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO credentials (id, endpoint_id, name, secret,
			 priority, max_concurrent, learned_max_concurrent, cache_ttl_minutes,
			 capabilities, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.EndpointID, c.Name, c.Secret, c.Priority,
			nullInt(c.MaxConcurrent), c.LearnedMaxConcurrent, c.CacheTTLMinutes,
			caps, boolToInt(c.Active),
		); err != nil {
			return fmt.Errorf("seed credential %s: %w", c.ID, err)
		}
	}
	for _, g := range d.GlobalModels {
		caps, err := marshalStrings(g.Capabilities)
		if err != nil {
			return fmt.Errorf("seed global model %s capabilities: %w", g.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO global_models (id, name, display_name, capabilities, active)
			 VALUES (?, ?, ?, ?, ?)`,
			g.ID, g.Name, g.DisplayName, caps, boolToInt(g.Active),
		); err != nil {
			return fmt.Errorf("seed global model %s: %w", g.ID, err)
		}
	}
	for _, m := range d.Mappings {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO model_mappings (id, source_name, global_model_id,
			 provider_id, kind, active)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.SourceName, m.GlobalModelID, m.ProviderID, string(m.Kind),
			boolToInt(m.Active),
		); err != nil {
			return fmt.Errorf("seed mapping %s: %w", m.ID, err)
		}
	}
	for _, m := range d.Impls {
		caps, err := marshalStrings(m.Capabilities)
		if err != nil {
			return fmt.Errorf("seed model %s capabilities: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO models (id, provider_id, global_model_id,
			 upstream_name, capabilities, active)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ProviderID, m.GlobalModelID, m.UpstreamName, caps,
			boolToInt(m.Active),
		); err != nil {
			return fmt.Errorf("seed model %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// SaveLearnedLimits writes adaptive ceilings back onto the credential rows.
// Only credentials the tuner touched appear in the map.
func (s *Store) SaveLearnedLimits(ctx context.Context, ceilings map[string]int) error {
	if len(ceilings) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE credentials SET learned_max_concurrent = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, ceiling := range ceilings {
		if _, err := stmt.ExecContext(ctx, ceiling, id); err != nil {
			return fmt.Errorf("save ceiling %s: %w", id, err)
		}
	}
	return tx.Commit()
}
