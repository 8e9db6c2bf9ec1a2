package server

import (
	"encoding/json"

	"caseline/internal/domain"
)

// Request payloads

type ClockRequest struct {
	TenantID       string   `json:"tenantId" minLength:"1"`
	PunchType      string   `json:"punchType,omitempty" enum:"ENTRY,BREAK_START,BREAK_END,EXIT"`
	Source         string   `json:"source,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty" minimum:"-90" maximum:"90"`
	Longitude      *float64 `json:"longitude,omitempty" minimum:"-180" maximum:"180"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty" minimum:"0"`
}

type ClaimJobsRequest struct {
	Types []string `json:"types,omitempty"`
	Limit int      `json:"limit,omitempty" minimum:"0" maximum:"100"`
}

type CompleteJobRequest struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Response payloads

type ClockResponse struct {
	OK             bool     `json:"ok"`
	PresenceCaseID string   `json:"presence_case_id"`
	PunchID        string   `json:"punch_id"`
	PunchType      string   `json:"punch_type"`
	Day            string   `json:"day"`
	Timezone       string   `json:"timezone"`
	State          string   `json:"state"`
	WorkState      string   `json:"work_state"`
	Flag           string   `json:"flag,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
}

type CaseFieldResponse struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type CaseDetailResponse struct {
	Case        domain.Case         `json:"case"`
	Fields      []CaseFieldResponse `json:"fields"`
	Attachments []domain.Attachment `json:"attachments"`
	Pendencies  []domain.Pendency   `json:"pendencies"`
}

type paginatedCases struct {
	Items []domain.Case `json:"items"`
}

type paginatedTimeline struct {
	Items []domain.TimelineEvent `json:"items"`
}

type paginatedJobs struct {
	Items []domain.Job `json:"items"`
}

func caseFieldResponse(f domain.CaseField) CaseFieldResponse {
	var v any
	if err := json.Unmarshal([]byte(f.ValueJSON), &v); err != nil {
		v = f.ValueJSON
	}
	return CaseFieldResponse{Key: f.Key, Value: v, UpdatedAt: f.UpdatedAt}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
