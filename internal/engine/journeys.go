package engine

import (
	"context"
	"errors"
	"fmt"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

// ResolveJourney picks the journey for a tenant and channel instance: the instance default,
// then the tenant's earliest enabled assignment, then the global sales_order journey.
func (e Engine) ResolveJourney(ctx context.Context, tenantID string, instance domain.ChannelInstance) (domain.Journey, error) {
	if instance.DefaultJourneyID != nil && *instance.DefaultJourneyID != "" {
		j, err := e.Repo.GetJourney(ctx, *instance.DefaultJourneyID)
		switch {
		case err == nil:
			return j, nil
		case !errors.Is(err, repo.ErrNotFound):
			return domain.Journey{}, err
		}
		e.logger().WarnContext(ctx, "instance default journey missing",
			"tenant_id", tenantID, "instance_id", instance.ID, "journey_id", *instance.DefaultJourneyID)
	}
	j, err := e.Repo.EarliestEnabledJourney(ctx, tenantID)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Journey{}, err
	}
	j, err = e.Repo.GetJourneyByKey(ctx, "", JourneySalesOrder)
	if err == nil {
		return j, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Journey{}, fmt.Errorf("%w: tenant %s", ErrNoJourney, tenantID)
	}
	return domain.Journey{}, err
}

// PickInitialState returns hint when it is a journey state, else the journey default when
// valid, else the first declared state.
func PickInitialState(j domain.Journey, hint string) string {
	if j.HasState(hint) {
		return hint
	}
	if j.HasState(j.DefaultState) {
		return j.DefaultState
	}
	if len(j.States) > 0 {
		return j.States[0]
	}
	return ""
}
