package engine

import (
	"time"

	"caseline/internal/domain"
	"caseline/internal/inbound"
	"caseline/internal/jobs"
)

type EffectKind int

const (
	EffectAttachMedia EffectKind = iota + 1
	EffectSetLocationField
	EffectSeedPendency
	EffectAnswerOldestPendency
	EffectAnswerPendency
	EffectEnqueueJob
)

// PendencySpec describes a pendency seeded by a rule.
type PendencySpec struct {
	Type     string
	Role     string
	Question string
	Required bool
	Due      time.Duration
}

// Effect is one side effect of a rule. Only the fields for its Kind are read.
type Effect struct {
	Kind         EffectKind
	Pendency     PendencySpec
	Role         string
	PendencyType string
	JobType      string
	Recurring    bool
}

// Rule maps (current state, event type) to the next state and side effects.
// From empty matches any state; CreateCase rules match when the actor has no case yet.
type Rule struct {
	Event      inbound.Type
	From       []string
	CreateCase bool
	// Next is a state hint resolved with PickInitialState; empty keeps the current state.
	Next    string
	Effects []Effect
}

func (r Rule) matches(state string, ev inbound.Type) bool {
	if r.Event != ev {
		return false
	}
	if len(r.From) == 0 {
		return true
	}
	for _, s := range r.From {
		if s == state {
			return true
		}
	}
	return false
}

// Table is the transition table for one journey key.
type Table struct {
	Journey string
	Rules   []Rule
	// Closed maps journey states to the coarse case status they imply.
	Closed map[string]string
}

// Rule returns the first rule matching the state and event.
func (t Table) Rule(state string, ev inbound.Type) (Rule, bool) {
	for _, r := range t.Rules {
		if r.matches(state, ev) {
			return r, true
		}
	}
	return Rule{}, false
}

// CreateRule returns the rule that opens a case for ev, if any.
func (t Table) CreateRule(ev inbound.Type) (Rule, bool) {
	for _, r := range t.Rules {
		if r.CreateCase && r.Event == ev {
			return r, true
		}
	}
	return Rule{}, false
}

// StatusFor returns the coarse case status implied by state.
func (t Table) StatusFor(state string) string {
	if s, ok := t.Closed[state]; ok {
		return s
	}
	return domain.CaseStatusInProgress
}

const (
	PendencyNeedLocation  = "need_location"
	PendencyNeedMorePages = "need_more_pages"

	RoleVendor = "vendor"

	StateNew            = "new"
	StateReadyForReview = "ready_for_review"

	FieldLocation = "location"

	JourneySalesOrder = "sales_order"
)

func locationRule() Rule {
	return Rule{
		Event: inbound.TypeLocation,
		Next:  StateReadyForReview,
		Effects: []Effect{
			{Kind: EffectSetLocationField},
			{Kind: EffectAnswerPendency, PendencyType: PendencyNeedLocation},
		},
	}
}

// GenericTable applies to journeys without a table of their own: images open a case,
// locations are recorded, replies are logged.
func GenericTable() Table {
	return Table{
		Journey: "*",
		Rules: []Rule{
			{
				Event:      inbound.TypeImage,
				CreateCase: true,
				Next:       StateNew,
				Effects:    []Effect{{Kind: EffectAttachMedia}},
			},
			locationRule(),
			{Event: inbound.TypeText},
			{Event: inbound.TypeAudio},
		},
	}
}

// SalesOrderTable is the sales_order journey: a photographed order needs a location and
// possibly more pages, and replies answer the oldest vendor pendency.
func SalesOrderTable() Table {
	reply := []Effect{
		{Kind: EffectAnswerOldestPendency, Role: RoleVendor},
		{Kind: EffectEnqueueJob, JobType: jobs.TypeValidateFields, Recurring: true},
		{Kind: EffectEnqueueJob, JobType: jobs.TypeAskPendencies, Recurring: true},
	}
	return Table{
		Journey: JourneySalesOrder,
		Rules: []Rule{
			{
				Event:      inbound.TypeImage,
				CreateCase: true,
				Next:       StateNew,
				Effects: []Effect{
					{Kind: EffectAttachMedia},
					{Kind: EffectSeedPendency, Pendency: PendencySpec{
						Type:     PendencyNeedLocation,
						Role:     RoleVendor,
						Question: "Envie a localização do cliente para concluir o pedido.",
						Required: true,
						Due:      4 * time.Hour,
					}},
					{Kind: EffectSeedPendency, Pendency: PendencySpec{
						Type:     PendencyNeedMorePages,
						Role:     RoleVendor,
						Question: "O pedido tem mais páginas? Envie as fotos restantes.",
						Due:      10 * time.Minute,
					}},
					{Kind: EffectEnqueueJob, JobType: jobs.TypeOCRImage},
					{Kind: EffectEnqueueJob, JobType: jobs.TypeValidateFields},
					{Kind: EffectEnqueueJob, JobType: jobs.TypeAskPendencies, Recurring: true},
				},
			},
			locationRule(),
			{Event: inbound.TypeText, Effects: reply},
			{Event: inbound.TypeAudio, Effects: reply},
		},
		Closed: map[string]string{
			"closed":   domain.CaseStatusClosed,
			"rejected": domain.CaseStatusClosed,
		},
	}
}

// DefaultTables returns the built-in tables keyed by journey key.
func DefaultTables() map[string]Table {
	return map[string]Table{
		JourneySalesOrder: SalesOrderTable(),
	}
}
