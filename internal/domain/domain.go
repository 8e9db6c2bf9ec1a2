package domain

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so that
// lexical and chronological order agree.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Journey struct {
	ID           string   `json:"id"`
	TenantID     *string  `json:"tenant_id,omitempty"`
	Key          string   `json:"key"`
	Name         string   `json:"name,omitempty"`
	States       []string `json:"states"`
	DefaultState string   `json:"default_state,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// HasState reports whether s is a member of the journey's state set.
func (j Journey) HasState(s string) bool {
	if s == "" {
		return false
	}
	for _, st := range j.States {
		if st == s {
			return true
		}
	}
	return false
}

type ChannelInstance struct {
	ID               string  `json:"id"`
	TenantID         string  `json:"tenant_id"`
	Provider         string  `json:"provider,omitempty"`
	SecretHash       string  `json:"-"`
	DefaultJourneyID *string `json:"default_journey_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

const (
	ActorKindVendor   = "vendor"
	ActorKindEmployee = "employee"
)

// Actor is a tenant-scoped vendor or employee keyed by normalized phone.
type Actor struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	Phone          string  `json:"phone"`
	Name           string  `json:"name,omitempty"`
	Kind           string  `json:"kind" enum:"vendor,employee"`
	ParentVendorID *string `json:"parent_vendor_id,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Active         bool    `json:"active"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

const (
	CaseStatusInProgress = "in_progress"
	CaseStatusClosed     = "closed"
	CaseStatusCancelled  = "cancelled"
)

type Case struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	JourneyID        string         `json:"journey_id"`
	CaseType         string         `json:"case_type"`
	Status           string         `json:"status" enum:"in_progress,closed,cancelled"`
	State            string         `json:"state"`
	Channel          string         `json:"channel,omitempty"`
	CreatedByActorID *string        `json:"created_by_actor_id,omitempty"`
	AssignedActorID  *string        `json:"assigned_actor_id,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	DeletedAt        *string        `json:"deleted_at,omitempty" format:"date-time"`
}

type CaseField struct {
	CaseID    string `json:"case_id"`
	Key       string `json:"key"`
	ValueJSON string `json:"value_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Attachment struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	CaseID    string `json:"case_id"`
	MediaURL  string `json:"media_url"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	PendencyOpen     = "open"
	PendencyAnswered = "answered"
)

type Pendency struct {
	ID                  string  `json:"id"`
	TenantID            string  `json:"tenant_id"`
	CaseID              string  `json:"case_id"`
	Type                string  `json:"type"`
	AssignedRole        string  `json:"assigned_role"`
	Question            string  `json:"question,omitempty"`
	Required            bool    `json:"required"`
	Status              string  `json:"status" enum:"open,answered"`
	DueAt               *string `json:"due_at,omitempty" format:"date-time"`
	AnsweredText        *string `json:"answered_text,omitempty"`
	AnsweredPayloadJSON *string `json:"answered_payload_json,omitempty"`
	AnsweredAt          *string `json:"answered_at,omitempty" format:"date-time"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
}

type TimelineEvent struct {
	ID         int64          `json:"id"`
	TenantID   string         `json:"tenant_id"`
	CaseID     *string        `json:"case_id,omitempty"`
	Type       string         `json:"type"`
	ActorType  string         `json:"actor_type"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
}

const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotency_key"`
	CaseID         *string        `json:"case_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         string         `json:"status" enum:"pending,running,done,failed"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	RunAfter       string         `json:"run_after" format:"date-time"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// InboundMessage is the raw inbound log row.
type InboundMessage struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	InstanceID    string  `json:"instance_id"`
	CorrelationID string  `json:"correlation_id"`
	Type          string  `json:"type"`
	FromPhone     *string `json:"from_phone,omitempty"`
	ToPhone       *string `json:"to_phone,omitempty"`
	RawJSON       string  `json:"raw_json"`
	ReceivedAt    string  `json:"received_at" format:"date-time"`
}

type PresenceCase struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	EmployeeID string `json:"employee_id"`
	Day        string `json:"day"`
	Timezone   string `json:"timezone"`
	State      string `json:"state"`
	WorkState  string `json:"work_state"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Punch struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	PresenceCaseID string   `json:"presence_case_id"`
	EmployeeID     string   `json:"employee_id"`
	Type           string   `json:"type"`
	Source         string   `json:"source"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	Flag           *string  `json:"flag,omitempty"`
	OccurredAt     string   `json:"occurred_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
