package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/catalog"
	"github.com/striderhq/strider/internal/storage"
)

// seedNamespace anchors the deterministic seed ids. Re-running Bootstrap
// against a populated database produces the same ids, so the INSERT OR
// IGNORE seeding is idempotent across restarts.
var seedNamespace = uuid.MustParse("8f1c9a52-6a5e-4c7d-9a34-2b1f0e6d8c41")

func seedID(parts ...string) string {
	name := "strider"
	for _, p := range parts {
		name += ":" + p
	}
	return uuid.NewSHA1(seedNamespace, []byte(name)).String()
}

// CatalogSeed translates the config's declarative provider/model blocks into
// catalog records. Cross references (provider names in model blocks, model
// names in mapping blocks) resolve here; a dangling reference is a config
// error, not a runtime surprise.
func CatalogSeed(cfg *Config) (catalog.Data, error) {
	var d catalog.Data

	providerIDs := make(map[string]string, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return catalog.Data{}, fmt.Errorf("provider with empty name")
		}
		if _, dup := providerIDs[p.Name]; dup {
			return catalog.Data{}, fmt.Errorf("provider %q declared twice", p.Name)
		}
		pid := seedID("provider", p.Name)
		providerIDs[p.Name] = pid
		d.Providers = append(d.Providers, strider.Provider{
			ID:       pid,
			Name:     p.Name,
			Priority: p.Priority,
			Active:   true,
		})

		for _, e := range p.Endpoints {
			format := strider.Format(e.Format)
			if !format.Valid() {
				return catalog.Data{}, fmt.Errorf("provider %q endpoint %q: unknown format %q", p.Name, e.BaseURL, e.Format)
			}
			if e.BaseURL == "" {
				return catalog.Data{}, fmt.Errorf("provider %q: endpoint with empty base_url", p.Name)
			}
			eid := seedID("endpoint", p.Name, e.BaseURL)
			d.Endpoints = append(d.Endpoints, strider.Endpoint{
				ID:             eid,
				ProviderID:     pid,
				BaseURL:        e.BaseURL,
				Format:         format,
				PathTemplate:   e.PathTemplate,
				Headers:        e.Headers,
				AuthMode:       e.AuthMode,
				Region:         e.Region,
				TimeoutSeconds: e.TimeoutSeconds,
				MaxRetries:     e.MaxRetries,
				MaxConcurrent:  e.MaxConcurrent,
				NoStream:       e.NoStream,
				Active:         true,
			})

			for i, c := range e.Credentials {
				name := c.Name
				if name == "" {
					name = fmt.Sprintf("key-%d", i+1)
				}
				d.Credentials = append(d.Credentials, strider.Credential{
					ID:              seedID("credential", p.Name, e.BaseURL, name),
					EndpointID:      eid,
					Name:            name,
					Secret:          c.Secret,
					Priority:        c.Priority,
					MaxConcurrent:   c.MaxConcurrent,
					CacheTTLMinutes: c.CacheTTLMinutes,
					Capabilities:    c.Capabilities,
					Active:          true,
				})
			}
		}
	}

	modelIDs := make(map[string]string, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.Name == "" {
			return catalog.Data{}, fmt.Errorf("model with empty name")
		}
		if _, dup := modelIDs[m.Name]; dup {
			return catalog.Data{}, fmt.Errorf("model %q declared twice", m.Name)
		}
		gid := seedID("model", m.Name)
		modelIDs[m.Name] = gid
		display := m.DisplayName
		if display == "" {
			display = m.Name
		}
		d.GlobalModels = append(d.GlobalModels, strider.GlobalModel{
			ID:           gid,
			Name:         m.Name,
			DisplayName:  display,
			Capabilities: m.Capabilities,
			Active:       true,
		})

		for _, impl := range m.Providers {
			pid, ok := providerIDs[impl.Provider]
			if !ok {
				return catalog.Data{}, fmt.Errorf("model %q: unknown provider %q", m.Name, impl.Provider)
			}
			upstream := impl.UpstreamName
			if upstream == "" {
				upstream = m.Name
			}
			d.Impls = append(d.Impls, strider.ModelImpl{
				ID:            seedID("impl", impl.Provider, m.Name),
				ProviderID:    pid,
				GlobalModelID: gid,
				UpstreamName:  upstream,
				Active:        true,
			})
		}
	}

	for _, mp := range cfg.Mappings {
		gid, ok := modelIDs[mp.Target]
		if !ok {
			return catalog.Data{}, fmt.Errorf("mapping %q: unknown target model %q", mp.Source, mp.Target)
		}
		kind := strider.MappingKind(mp.Kind)
		if kind == "" {
			kind = strider.MappingAlias
		}
		if kind != strider.MappingAlias && kind != strider.MappingRewrite {
			return catalog.Data{}, fmt.Errorf("mapping %q: unknown kind %q", mp.Source, mp.Kind)
		}
		var pid string
		if mp.Provider != "" {
			if pid, ok = providerIDs[mp.Provider]; !ok {
				return catalog.Data{}, fmt.Errorf("mapping %q: unknown provider %q", mp.Source, mp.Provider)
			}
		}
		d.Mappings = append(d.Mappings, strider.ModelMapping{
			ID:            seedID("mapping", mp.Source, mp.Provider, string(kind)),
			SourceName:    mp.Source,
			GlobalModelID: gid,
			ProviderID:    pid,
			Kind:          kind,
			Active:        true,
		})
	}

	return d, nil
}

// Bootstrap seeds the store from the config's catalog and key blocks. Rows
// that already exist are left alone, so config stays a starting point and
// admin tooling owns everything after first boot.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	data, err := CatalogSeed(cfg)
	if err != nil {
		return err
	}
	if err := store.SeedCatalog(ctx, data); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	providerIDs := make(map[string]string, len(data.Providers))
	for _, p := range data.Providers {
		providerIDs[p.Name] = p.ID
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			return fmt.Errorf("api key %q: empty key", k.Name)
		}
		hash := strider.HashKey(k.Key)
		switch _, err := store.GetKeyByHash(ctx, hash); {
		case err == nil:
			continue
		case !errors.Is(err, strider.ErrNotFound):
			return fmt.Errorf("api key %q: %w", k.Name, err)
		}

		var allowed []string
		for _, name := range k.AllowedProviders {
			pid, ok := providerIDs[name]
			if !ok {
				return fmt.Errorf("api key %q: unknown provider %q", k.Name, name)
			}
			allowed = append(allowed, pid)
		}

		prefix := k.Key
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		rec := &strider.APIKey{
			ID:               uuid.Must(uuid.NewV7()).String(),
			KeyHash:          hash,
			KeyPrefix:        prefix,
			Name:             k.Name,
			AllowedProviders: allowed,
			CreatedAt:        time.Now().UTC(),
		}
		if k.RPMLimit > 0 {
			rpm := k.RPMLimit
			rec.RPMLimit = &rpm
		}
		if err := store.CreateKey(ctx, rec); err != nil {
			return fmt.Errorf("api key %q: %w", k.Name, err)
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}
	return nil
}
