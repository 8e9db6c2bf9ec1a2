package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

// ResolveActor returns the tenant actor for phone, creating an active vendor when absent.
// Creation is an insert that ignores (tenant, phone) conflicts followed by a read, so
// concurrent deliveries for the same phone converge on one row.
func (e Engine) ResolveActor(ctx context.Context, tenantID, phone, name string) (domain.Actor, error) {
	if phone == "" {
		return domain.Actor{}, fmt.Errorf("%w: sender phone required", ErrValidation)
	}
	a := domain.Actor{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"|"+phone)).String(),
		TenantID:  tenantID,
		Phone:     phone,
		Name:      name,
		Kind:      domain.ActorKindVendor,
		Active:    true,
		CreatedAt: repo.Timestamp(e.now()),
	}
	created, err := e.Repo.InsertActorIfAbsent(ctx, nil, a)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("insert actor: %w", err)
	}
	if created {
		e.logger().InfoContext(ctx, "actor created", "tenant_id", tenantID, "actor_id", a.ID)
	}
	stored, err := e.Repo.GetActorByPhone(ctx, nil, tenantID, phone)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("load actor: %w", err)
	}
	return stored, nil
}

// FindActor looks the actor up without creating one. ok is false when none exists.
func (e Engine) FindActor(ctx context.Context, tenantID, phone string) (domain.Actor, bool, error) {
	if phone == "" {
		return domain.Actor{}, false, nil
	}
	a, err := e.Repo.GetActorByPhone(ctx, nil, tenantID, phone)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, false, nil
	}
	if err != nil {
		return domain.Actor{}, false, err
	}
	return a, true, nil
}
