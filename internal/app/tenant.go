// Package app holds operations that span several stores, shared by the CLI and tests.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

// ImportSummary reports what ImportTenant wrote.
type ImportSummary struct {
	TenantID string   `json:"tenant_id"`
	Journeys []string `json:"journeys"`
	Enabled  []string `json:"enabled"`
	Channels []string `json:"channels"`
}

// JourneyID derives the stored id of a tenant journey from its key.
func JourneyID(tenantID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"|journey|"+key)).String()
}

// ImportTenant applies a tenant config in one transaction: the tenant row and config, its
// journey definitions, the ordered journey assignments and the channel instances. Assignment
// order becomes enable order, so the first assignment is the tenant fallback journey.
func ImportTenant(ctx context.Context, r repo.Repo, cfg *config.Config, now time.Time) (ImportSummary, error) {
	sum := ImportSummary{TenantID: cfg.Tenant.ID}
	if err := cfg.Validate(); err != nil {
		return sum, err
	}
	for _, ch := range cfg.Channels {
		if strings.TrimSpace(ch.Secret) == "" {
			return sum, fmt.Errorf("channel %s: secret is required", ch.ID)
		}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	ts := repo.Timestamp(now)
	created := ts
	if existing, err := r.GetTenant(ctx, cfg.Tenant.ID); err == nil {
		created = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return sum, err
	}
	if err := r.UpsertTenant(ctx, tx, domain.Tenant{ID: cfg.Tenant.ID, Name: cfg.Tenant.Name, CreatedAt: created, UpdatedAt: ts}, cfg); err != nil {
		return sum, fmt.Errorf("upsert tenant: %w", err)
	}

	keys := make([]string, 0, len(cfg.Journeys))
	for key := range cfg.Journeys {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	tenantID := cfg.Tenant.ID
	for _, key := range keys {
		def := cfg.Journeys[key]
		j := domain.Journey{
			ID:           JourneyID(tenantID, key),
			TenantID:     &tenantID,
			Key:          key,
			Name:         def.Name,
			States:       def.States,
			DefaultState: def.Default,
			CreatedAt:    ts,
		}
		if current, err := r.GetJourney(ctx, j.ID); err == nil {
			j.CreatedAt = current.CreatedAt
			if !slices.Equal(current.States, j.States) || current.DefaultState != j.DefaultState {
				inUse, err := r.JourneyInUse(ctx, tx, j.ID)
				if err != nil {
					return sum, err
				}
				if inUse {
					return sum, fmt.Errorf("journey %s has cases; its states cannot change", key)
				}
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return sum, err
		}
		if err := r.UpsertJourney(ctx, tx, j); err != nil {
			return sum, fmt.Errorf("upsert journey %s: %w", key, err)
		}
		sum.Journeys = append(sum.Journeys, key)
	}

	if err := r.DisableTenantJourneys(ctx, tx, tenantID); err != nil {
		return sum, err
	}
	for i, key := range cfg.Assignments {
		id, err := resolveJourneyID(ctx, r, cfg, key)
		if err != nil {
			return sum, err
		}
		// Microsecond offsets keep the declared order under the created_at ordering.
		at := repo.Timestamp(now.Add(time.Duration(i) * time.Microsecond))
		if err := r.EnableTenantJourney(ctx, tx, tenantID, id, at); err != nil {
			return sum, fmt.Errorf("enable journey %s: %w", key, err)
		}
		sum.Enabled = append(sum.Enabled, key)
	}

	for _, ch := range cfg.Channels {
		ci := domain.ChannelInstance{
			ID:         ch.ID,
			TenantID:   tenantID,
			Provider:   ch.Provider,
			SecretHash: repo.HashAPIKey(ch.Secret),
			CreatedAt:  ts,
		}
		if existing, err := r.GetChannelInstance(ctx, ch.ID); err == nil {
			if existing.TenantID != tenantID {
				return sum, fmt.Errorf("channel %s belongs to another tenant", ch.ID)
			}
			ci.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, repo.ErrNotFound) {
			return sum, err
		}
		if ch.DefaultJourney != "" {
			id, err := resolveJourneyID(ctx, r, cfg, ch.DefaultJourney)
			if err != nil {
				return sum, fmt.Errorf("channel %s: %w", ch.ID, err)
			}
			ci.DefaultJourneyID = &id
		}
		if err := r.UpsertChannelInstance(ctx, tx, ci); err != nil {
			return sum, fmt.Errorf("upsert channel %s: %w", ch.ID, err)
		}
		sum.Channels = append(sum.Channels, ch.ID)
	}

	if err := tx.Commit(); err != nil {
		return sum, err
	}
	return sum, nil
}

// resolveJourneyID maps a journey key to the tenant definition, else the global journey.
func resolveJourneyID(ctx context.Context, r repo.Repo, cfg *config.Config, key string) (string, error) {
	if _, ok := cfg.Journeys[key]; ok {
		return JourneyID(cfg.Tenant.ID, key), nil
	}
	j, err := r.GetJourneyByKey(ctx, "", key)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("unknown journey %s", key)
	}
	if err != nil {
		return "", err
	}
	return j.ID, nil
}
