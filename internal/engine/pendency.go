package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

// Answer is the reply recorded on a pendency.
type Answer struct {
	Text    *string
	Payload map[string]any
}

func pendencyID(caseID, pendencyType string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(caseID+"|pendency|"+pendencyType)).String()
}

// seedPendency opens a pendency on the case. Its id derives from (case, type), so seeding
// twice is a no-op.
func (e Engine) seedPendency(ctx context.Context, tx *sql.Tx, c domain.Case, spec PendencySpec, now time.Time) (bool, error) {
	p := domain.Pendency{
		ID:           pendencyID(c.ID, spec.Type),
		TenantID:     c.TenantID,
		CaseID:       c.ID,
		Type:         spec.Type,
		AssignedRole: spec.Role,
		Question:     spec.Question,
		Required:     spec.Required,
		CreatedAt:    repo.Timestamp(now),
	}
	if spec.Due > 0 {
		due := repo.Timestamp(now.Add(spec.Due))
		p.DueAt = &due
	}
	return e.Repo.InsertPendency(ctx, tx, p)
}

// AnswerOldest answers the oldest open pendency assigned to role. ok is false when the case
// has none open.
func (e Engine) AnswerOldest(ctx context.Context, tx *sql.Tx, tenantID, caseID, role string, ans Answer) (domain.Pendency, bool, error) {
	return e.answerFirst(ctx, tx, tenantID, ans, func() (domain.Pendency, error) {
		return e.Repo.OldestOpenPendency(ctx, tx, tenantID, caseID, role)
	})
}

// AnswerByType answers the open pendency of the given type, if any.
func (e Engine) AnswerByType(ctx context.Context, tx *sql.Tx, tenantID, caseID, pendencyType string, ans Answer) (domain.Pendency, bool, error) {
	return e.answerFirst(ctx, tx, tenantID, ans, func() (domain.Pendency, error) {
		return e.Repo.OpenPendencyByType(ctx, tx, tenantID, caseID, pendencyType)
	})
}

// answerFirst answers the pendency returned by pick. The update is conditional on the row
// still being open; if a concurrent reply took it, the next candidate is tried.
func (e Engine) answerFirst(ctx context.Context, tx *sql.Tx, tenantID string, ans Answer, pick func() (domain.Pendency, error)) (domain.Pendency, bool, error) {
	var payload *string
	if ans.Payload != nil {
		data, err := json.Marshal(ans.Payload)
		if err != nil {
			return domain.Pendency{}, false, fmt.Errorf("marshal answer: %w", err)
		}
		s := string(data)
		payload = &s
	}
	at := repo.Timestamp(e.now())
	for attempt := 0; attempt < 3; attempt++ {
		p, err := pick()
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Pendency{}, false, nil
		}
		if err != nil {
			return domain.Pendency{}, false, err
		}
		ok, err := e.Repo.AnswerPendency(ctx, tx, tenantID, p.ID, ans.Text, payload, at)
		if err != nil {
			return domain.Pendency{}, false, err
		}
		if ok {
			p.Status = domain.PendencyAnswered
			p.AnsweredText = ans.Text
			p.AnsweredPayloadJSON = payload
			p.AnsweredAt = &at
			return p, true, nil
		}
	}
	return domain.Pendency{}, false, nil
}
