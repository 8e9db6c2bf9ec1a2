package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/jobs"
	"caseline/internal/logging"
	"caseline/internal/presence"
	"caseline/internal/repo"
)

func registerPresence(api huma.API, clock presence.Clock, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "presence-clock",
		Method:      http.MethodPost,
		Path:        "/presence/clock",
		Summary:     "Record a clock punch for the authenticated employee",
	}, func(ctx context.Context, input *struct {
		Body ClockRequest `json:"body"`
	}) (*struct {
		Body ClockResponse `json:"body"`
	}, error) {
		p, errResp := employeeFromContext(ctx)
		if errResp != nil {
			return nil, errResp
		}
		if p.TenantID != input.Body.TenantID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "token not issued for tenant", nil)
		}
		res, err := clock.Punch(ctx, presence.Request{
			TenantID:   input.Body.TenantID,
			EmployeeID: p.Subject,
			PunchType:  input.Body.PunchType,
			Source:     input.Body.Source,
			Position: presence.Position{
				Latitude:       input.Body.Latitude,
				Longitude:      input.Body.Longitude,
				AccuracyMeters: input.Body.AccuracyMeters,
			},
			CorrelationID: requestID(ctx),
		})
		if err != nil {
			if res.PunchID == "" {
				return nil, handleError(err)
			}
			// The punch is committed; only the review job failed to enqueue.
			logging.WithContext(ctx, logger).WarnContext(ctx, "review job enqueue failed", "presence_case_id", res.PresenceCaseID, "error", err)
		}
		return &struct {
			Body ClockResponse `json:"body"`
		}{Body: ClockResponse{
			OK:             true,
			PresenceCaseID: res.PresenceCaseID,
			PunchID:        res.PunchID,
			PunchType:      res.PunchType,
			Day:            res.Day,
			Timezone:       res.Timezone,
			State:          res.State,
			WorkState:      res.WorkState,
			Flag:           res.Flag,
			DistanceMeters: res.DistanceMeters,
		}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cases-list",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, input *struct {
		TenantID  string `path:"tenant_id"`
		Status    string `query:"status" enum:"in_progress,closed,cancelled"`
		State     string `query:"state"`
		JourneyID string `query:"journey_id"`
		ActorID   string `query:"actor_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		cases, err := e.Repo.ListCases(ctx, input.TenantID, repo.CaseFilter{
			Status:    input.Status,
			State:     input.State,
			JourneyID: input.JourneyID,
			ActorID:   input.ActorID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: paginatedCases{Items: nonNil(cases)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cases-get",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/cases/{case_id}",
		Summary:     "Get a case with its fields, attachments and pendencies",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		CaseID   string `path:"case_id"`
	}) (*struct {
		Body CaseDetailResponse `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		c, err := e.Repo.GetCase(ctx, nil, input.TenantID, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		fields, err := e.Repo.ListCaseFields(ctx, input.TenantID, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		attachments, err := e.Repo.ListAttachments(ctx, input.TenantID, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pendencies, err := e.Repo.ListPendencies(ctx, nil, input.TenantID, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := CaseDetailResponse{
			Case:        c,
			Fields:      make([]CaseFieldResponse, 0, len(fields)),
			Attachments: nonNil(attachments),
			Pendencies:  nonNil(pendencies),
		}
		for _, f := range fields {
			out.Fields = append(out.Fields, caseFieldResponse(f))
		}
		return &struct {
			Body CaseDetailResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cases-timeline",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/cases/{case_id}/timeline",
		Summary:     "List a case's timeline in occurrence order",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		CaseID   string `path:"case_id"`
		Limit    int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body paginatedTimeline `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetCase(ctx, nil, input.TenantID, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTimeline(ctx, input.TenantID, input.CaseID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTimeline `json:"body"`
		}{Body: paginatedTimeline{Items: nonNil(items)}}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "jobs-list",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/jobs",
		Summary:     "List queued jobs",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Status   string `query:"status" enum:"pending,running,done,failed"`
		Type     string `query:"type"`
		CaseID   string `query:"case_id"`
		Limit    int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListJobs(ctx, input.TenantID, repo.JobFilter{
			Status: input.Status,
			Type:   input.Type,
			CaseID: input.CaseID,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: paginatedJobs{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jobs-claim",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/jobs/claim",
		Summary:     "Claim due jobs for an external worker",
	}, func(ctx context.Context, input *struct {
		TenantID string           `path:"tenant_id"`
		Body     ClaimJobsRequest `json:"body"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		claimed, err := e.Dispatcher().Claim(ctx, input.TenantID, input.Body.Types, input.Body.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: paginatedJobs{Items: nonNil(claimed)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "jobs-complete",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/jobs/{job_id}/complete",
		Summary:     "Report the outcome of a claimed job",
	}, func(ctx context.Context, input *struct {
		TenantID string             `path:"tenant_id"`
		JobID    string             `path:"job_id"`
		Body     CompleteJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if err := requireTenant(ctx, input.TenantID); err != nil {
			return nil, err
		}
		cfg, err := e.Repo.GetTenantConfig(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.Dispatcher().Complete(ctx, input.TenantID, input.JobID, jobs.Outcome{
			OK:    input.Body.OK,
			Error: input.Body.Error,
		}, cfg.MaxJobAttempts())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})
}

func requestID(ctx context.Context) string {
	v, _ := ctx.Value(logging.RequestIDKey).(string)
	return v
}
