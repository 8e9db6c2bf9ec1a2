package engine

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/inbound"
	"caseline/internal/jobs"
	"caseline/internal/logging"
	"caseline/internal/observability"
	"caseline/internal/repo"
)

// Outcomes reported for an inbound event.
const (
	ActionCaseCreated = "case_created"
	ActionCaseUpdated = "case_updated"
	ActionDuplicate   = "duplicate"
	ActionNoOpenCase  = "no_open_case"
	ActionIgnored     = "ignored"
)

type InboundRequest struct {
	Provider string
	Payload  map[string]any
	Raw      []byte
	Secret   string
	// CorrelationID is used when the payload carries no provider message id.
	CorrelationID string
}

type InboundResult struct {
	CorrelationID string
	TenantID      string
	CaseID        string
	JourneyID     string
	Type          inbound.Type
	Action        string
	State         string
	Jobs          []string
}

// CaseIDFor derives the case id opened by an inbound message, so a provider re-delivery of
// the same message maps onto the same case.
func CaseIDFor(tenantID, correlationID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"|case|"+correlationID)).String()
}

// AuthenticateInstance loads the channel instance and checks the shared webhook secret.
func (e Engine) AuthenticateInstance(ctx context.Context, instanceID, secret string) (domain.ChannelInstance, error) {
	ci, err := e.Repo.GetChannelInstance(ctx, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return ci, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if err != nil {
		return ci, err
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(repo.HashAPIKey(secret)), []byte(ci.SecretHash)) != 1 {
		return ci, ErrUnauthorized
	}
	return ci, nil
}

// HandleInbound routes one webhook delivery. Within the request, side effects run in a fixed
// order: case, pendencies and timeline in one transaction, then job enqueues, then the audit
// ledger.
func (e Engine) HandleInbound(ctx context.Context, req InboundRequest) (res InboundResult, err error) {
	ctx, span := observability.Tracer().Start(ctx, "inbound.route")
	defer func() {
		outcome := res.Action
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.ObserveInbound(string(res.Type), outcome)
		span.SetAttributes(
			attribute.String("caseline.tenant_id", res.TenantID),
			attribute.String("caseline.event_type", string(res.Type)),
			attribute.String("caseline.action", outcome),
		)
		span.End()
	}()

	ev, err := inbound.Normalize(req.Payload)
	res.Type = ev.Type
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	instance, err := e.AuthenticateInstance(ctx, ev.InstanceID, req.Secret)
	if err != nil {
		return res, err
	}
	res.TenantID = instance.TenantID
	res.CorrelationID = ev.MessageID
	if res.CorrelationID == "" {
		res.CorrelationID = req.CorrelationID
	}
	if res.CorrelationID == "" {
		res.CorrelationID = uuid.NewString()
	}
	ctx = logging.With(ctx, logging.TenantKey, instance.TenantID)
	ctx = logging.With(ctx, logging.CorrelationIDKey, res.CorrelationID)

	if err := validateEvent(ev); err != nil {
		return res, err
	}
	now := e.now()
	msgID, err := e.logInbound(ctx, instance, ev, req.Raw, res.CorrelationID, now)
	if err != nil {
		return res, err
	}
	if ev.Type == inbound.TypeText && ev.Text == "" && ev.MediaURL == "" {
		res.Action = ActionIgnored
		return res, nil
	}

	journey, err := e.ResolveJourney(ctx, instance.TenantID, instance)
	if err != nil {
		return res, err
	}
	res.JourneyID = journey.ID
	rc := routeContext{
		ev:       ev,
		instance: instance,
		journey:  journey,
		table:    e.TableFor(journey.Key),
		corr:     res.CorrelationID,
		msgID:    msgID,
		provider: req.Provider,
		now:      now,
	}
	if ev.Type == inbound.TypeImage {
		return e.routeImage(ctx, rc, res)
	}
	return e.routeReply(ctx, rc, res)
}

type routeContext struct {
	ev       inbound.Event
	instance domain.ChannelInstance
	journey  domain.Journey
	table    Table
	corr     string
	msgID    string
	provider string
	now      time.Time
	actor    domain.Actor
}

func validateEvent(ev inbound.Event) error {
	if ev.From == nil {
		return fmt.Errorf("%w: %s event without sender phone", ErrValidation, ev.Type)
	}
	if ev.Type == inbound.TypeLocation && ev.Location == nil {
		return fmt.Errorf("%w: location event without coordinates", ErrValidation)
	}
	return nil
}

func inboundMessageID(tenantID, instanceID, corr string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"|msg|"+instanceID+"|"+corr)).String()
}

// logInbound stores the raw delivery once per (instance, correlation id) and returns its id.
func (e Engine) logInbound(ctx context.Context, instance domain.ChannelInstance, ev inbound.Event, raw []byte, corr string, now time.Time) (string, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	msg := domain.InboundMessage{
		ID:            inboundMessageID(instance.TenantID, instance.ID, corr),
		TenantID:      instance.TenantID,
		InstanceID:    instance.ID,
		CorrelationID: corr,
		Type:          string(ev.Type),
		FromPhone:     ev.From,
		ToPhone:       ev.To,
		RawJSON:       string(raw),
		ReceivedAt:    repo.Timestamp(now),
	}
	if _, err := e.Repo.InsertInboundMessage(ctx, msg); err != nil {
		logging.WithContext(ctx, e.logger()).ErrorContext(ctx, "inbound log failed", "error", err)
		return "", fmt.Errorf("log inbound message: %w", err)
	}
	return msg.ID, nil
}

// claimReply marks the inbound message processed inside tx. False means an earlier delivery of
// the same message already committed its effects.
func (e Engine) claimReply(ctx context.Context, tx *sql.Tx, rc routeContext) (bool, error) {
	claimed, err := e.Repo.MarkInboundProcessed(ctx, tx, rc.instance.TenantID, rc.msgID, repo.Timestamp(rc.now))
	if err != nil {
		return false, fmt.Errorf("claim inbound message: %w", err)
	}
	if !claimed {
		logging.WithContext(ctx, e.logger()).InfoContext(ctx, "duplicate reply ignored", "message_id", rc.msgID)
	}
	return claimed, nil
}

func (e Engine) routeImage(ctx context.Context, rc routeContext, res InboundResult) (InboundResult, error) {
	rule, ok := rc.table.CreateRule(inbound.TypeImage)
	if !ok {
		res.Action = ActionIgnored
		return res, nil
	}
	actor, err := e.ResolveActor(ctx, rc.instance.TenantID, *rc.ev.From, rc.ev.SenderName)
	if err != nil {
		return res, err
	}
	rc.actor = actor
	ts := repo.Timestamp(rc.now)
	c := domain.Case{
		ID:               CaseIDFor(rc.instance.TenantID, rc.corr),
		TenantID:         rc.instance.TenantID,
		JourneyID:        rc.journey.ID,
		CaseType:         rc.journey.Key,
		Status:           domain.CaseStatusInProgress,
		State:            PickInitialState(rc.journey, rule.Next),
		Channel:          channelName(rc),
		CreatedByActorID: &actor.ID,
		Meta: map[string]any{
			"correlation_id": rc.corr,
			"instance_id":    rc.instance.ID,
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	c.Status = rc.table.StatusFor(c.State)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertCase(ctx, tx, c)
	if err != nil {
		return res, fmt.Errorf("insert case: %w", err)
	}
	stored, err := e.Repo.GetCase(ctx, tx, c.TenantID, c.ID)
	if errors.Is(err, repo.ErrNotFound) {
		// Re-delivery of a message whose case was since removed.
		res.Action = ActionDuplicate
		return res, tx.Commit()
	}
	if err != nil {
		return res, err
	}
	res.CaseID = stored.ID
	res.State = stored.State
	res.Action = ActionDuplicate
	if inserted {
		res.Action = ActionCaseCreated
		if err := e.applyEffects(ctx, tx, rc, rule, &stored, nil); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, domain.TimelineEvent{
			TenantID:   stored.TenantID,
			CaseID:     &stored.ID,
			Type:       "case.created",
			ActorType:  events.ActorVendor,
			ActorID:    &actor.ID,
			Message:    "Case opened from image",
			Meta:       timelineMeta(rc, map[string]any{"state": stored.State, "media_url": rc.ev.MediaURL}),
			OccurredAt: ts,
		}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	// Recurring keys are anchored on the case creation time so a re-delivery collides with
	// every job the first delivery scheduled.
	anchor, err := time.Parse(domain.TimeLayout, stored.CreatedAt)
	if err != nil {
		anchor = rc.now
	}
	keys, jobErr := e.enqueueJobs(ctx, rc, rule, stored, anchor)
	res.Jobs = keys
	e.ledger().Record(ctx, events.LedgerEntry{
		TenantID:      stored.TenantID,
		CorrelationID: rc.corr,
		Action:        "inbound.image." + res.Action,
		EntityKind:    "case",
		EntityID:      stored.ID,
		Payload:       events.EventPayload{"journey_id": rc.journey.ID, "jobs": keys, "actor_id": actor.ID},
	})
	return res, jobErr
}

func (e Engine) routeReply(ctx context.Context, rc routeContext, res InboundResult) (InboundResult, error) {
	tenantID := rc.instance.TenantID
	if rc.ev.Type == inbound.TypeLocation {
		actor, found, err := e.FindActor(ctx, tenantID, *rc.ev.From)
		if err != nil {
			return res, err
		}
		if !found {
			res.Action = ActionNoOpenCase
			return res, nil
		}
		rc.actor = actor
	} else {
		actor, err := e.ResolveActor(ctx, tenantID, *rc.ev.From, rc.ev.SenderName)
		if err != nil {
			return res, err
		}
		rc.actor = actor
	}

	c, err := e.Repo.LatestOpenCase(ctx, nil, tenantID, rc.actor.ID, rc.journey.ID)
	if errors.Is(err, repo.ErrNotFound) {
		res.Action = ActionNoOpenCase
		if rc.ev.Type == inbound.TypeLocation {
			return res, nil
		}
		duplicate, err := e.recordOrphanReply(ctx, rc)
		if duplicate {
			res.Action = ActionDuplicate
		}
		return res, err
	}
	if err != nil {
		return res, err
	}
	rule, ok := rc.table.Rule(c.State, rc.ev.Type)
	if !ok {
		rule = Rule{Event: rc.ev.Type}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	claimed, err := e.claimReply(ctx, tx, rc)
	if err != nil {
		return res, err
	}
	if !claimed {
		res.Action = ActionDuplicate
		res.CaseID = c.ID
		res.State = c.State
		return res, nil
	}
	fromState := c.State
	var answered []domain.Pendency
	if err := e.applyEffects(ctx, tx, rc, rule, &c, &answered); err != nil {
		return res, err
	}
	extra := map[string]any{"state_from": fromState, "state_to": c.State}
	if len(answered) > 0 {
		extra["pendency_answered"] = answered[0].Type
		extra["pendency_id"] = answered[0].ID
	}
	evType, message := replyTimeline(rc.ev)
	if rc.ev.Type == inbound.TypeAudio {
		extra["transcription"] = "pending"
		extra["media_url"] = rc.ev.MediaURL
	}
	if err := e.Events.Append(ctx, tx, domain.TimelineEvent{
		TenantID:   tenantID,
		CaseID:     &c.ID,
		Type:       evType,
		ActorType:  events.ActorVendor,
		ActorID:    &rc.actor.ID,
		Message:    message,
		Meta:       timelineMeta(rc, extra),
		OccurredAt: repo.Timestamp(rc.now),
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res.Action = ActionCaseUpdated
	res.CaseID = c.ID
	res.State = c.State
	keys, jobErr := e.enqueueJobs(ctx, rc, rule, c, rc.now)
	res.Jobs = keys
	e.ledger().Record(ctx, events.LedgerEntry{
		TenantID:      tenantID,
		CorrelationID: rc.corr,
		Action:        "inbound." + string(rc.ev.Type),
		EntityKind:    "case",
		EntityID:      c.ID,
		Payload:       events.EventPayload{"state_from": fromState, "state_to": c.State, "jobs": keys},
	})
	return res, jobErr
}

// recordOrphanReply logs a text or audio reply from an actor with no open case.
// It reports true when the same message was already recorded.
func (e Engine) recordOrphanReply(ctx context.Context, rc routeContext) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	claimed, err := e.claimReply(ctx, tx, rc)
	if err != nil {
		return false, err
	}
	if !claimed {
		return true, nil
	}
	evType, message := replyTimeline(rc.ev)
	if err := e.Events.Append(ctx, tx, domain.TimelineEvent{
		TenantID:   rc.instance.TenantID,
		Type:       evType,
		ActorType:  events.ActorVendor,
		ActorID:    &rc.actor.ID,
		Message:    message,
		Meta:       timelineMeta(rc, map[string]any{"case": "none"}),
		OccurredAt: repo.Timestamp(rc.now),
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.ledger().Record(ctx, events.LedgerEntry{
		TenantID:      rc.instance.TenantID,
		CorrelationID: rc.corr,
		Action:        "inbound." + string(rc.ev.Type) + ".no_case",
		EntityKind:    "actor",
		EntityID:      rc.actor.ID,
	})
	return false, nil
}

// applyEffects runs the in-transaction effects of rule on c: case mutations first, then
// pendency mutations.
func (e Engine) applyEffects(ctx context.Context, tx *sql.Tx, rc routeContext, rule Rule, c *domain.Case, answered *[]domain.Pendency) error {
	ts := repo.Timestamp(rc.now)
	if !rule.CreateCase && rule.Next != "" {
		next := PickInitialState(rc.journey, rule.Next)
		if next != "" && next != c.State {
			status := rc.table.StatusFor(next)
			if err := e.Repo.UpdateCaseState(ctx, tx, c.TenantID, c.ID, next, status, ts); err != nil {
				return fmt.Errorf("update case state: %w", err)
			}
			c.State = next
			c.Status = status
			c.UpdatedAt = ts
		}
	}
	for _, eff := range rule.Effects {
		switch eff.Kind {
		case EffectAttachMedia:
			if rc.ev.MediaURL == "" {
				continue
			}
			if err := e.Repo.InsertAttachment(ctx, tx, domain.Attachment{
				ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.ID+"|media|"+rc.ev.MediaURL)).String(),
				TenantID:  c.TenantID,
				CaseID:    c.ID,
				MediaURL:  rc.ev.MediaURL,
				Kind:      string(rc.ev.Type),
				CreatedAt: ts,
			}); err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		case EffectSetLocationField:
			if rc.ev.Location == nil {
				continue
			}
			value, err := json.Marshal(map[string]any{
				"lat":            rc.ev.Location.Lat,
				"lng":            rc.ev.Location.Lng,
				"correlation_id": rc.corr,
			})
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertCaseField(ctx, tx, c.TenantID, domain.CaseField{
				CaseID: c.ID, Key: FieldLocation, ValueJSON: string(value), UpdatedAt: ts,
			}); err != nil {
				return fmt.Errorf("upsert location field: %w", err)
			}
		}
	}
	seeded := 0
	for _, eff := range rule.Effects {
		switch eff.Kind {
		case EffectSeedPendency:
			// Seeded pendencies are created one microsecond apart, in declaration order.
			at := rc.now.Add(time.Duration(seeded) * time.Microsecond)
			seeded++
			if _, err := e.seedPendency(ctx, tx, *c, eff.Pendency, at); err != nil {
				return fmt.Errorf("seed pendency %s: %w", eff.Pendency.Type, err)
			}
		case EffectAnswerOldestPendency:
			p, ok, err := e.AnswerOldest(ctx, tx, c.TenantID, c.ID, eff.Role, replyAnswer(rc))
			if err != nil {
				return fmt.Errorf("answer pendency: %w", err)
			}
			if ok && answered != nil {
				*answered = append(*answered, p)
			}
		case EffectAnswerPendency:
			p, ok, err := e.AnswerByType(ctx, tx, c.TenantID, c.ID, eff.PendencyType, replyAnswer(rc))
			if err != nil {
				return fmt.Errorf("answer pendency %s: %w", eff.PendencyType, err)
			}
			if ok && answered != nil {
				*answered = append(*answered, p)
			}
		}
	}
	return nil
}

// enqueueJobs schedules the rule's jobs. Each enqueue is independent; the first hard
// failure is returned after all were attempted.
func (e Engine) enqueueJobs(ctx context.Context, rc routeContext, rule Rule, c domain.Case, anchor time.Time) ([]string, error) {
	d := e.Dispatcher()
	var (
		keys     []string
		firstErr error
	)
	for _, eff := range rule.Effects {
		if eff.Kind != EffectEnqueueJob {
			continue
		}
		key := jobs.OnceKey(eff.JobType, c.ID)
		if eff.Recurring {
			key = jobs.RecurringKey(eff.JobType, c.ID, anchor)
		}
		payload := map[string]any{
			"case_id":        c.ID,
			"journey_id":     c.JourneyID,
			"correlation_id": rc.corr,
		}
		if rc.ev.MediaURL != "" {
			payload["media_url"] = rc.ev.MediaURL
		}
		if _, err := d.Enqueue(ctx, jobs.Request{
			TenantID: c.TenantID,
			Type:     eff.JobType,
			Key:      key,
			CaseID:   c.ID,
			Payload:  payload,
		}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		keys = append(keys, key)
	}
	return keys, firstErr
}

func replyAnswer(rc routeContext) Answer {
	payload := map[string]any{"type": string(rc.ev.Type), "correlation_id": rc.corr}
	switch rc.ev.Type {
	case inbound.TypeText:
		text := rc.ev.Text
		return Answer{Text: &text, Payload: payload}
	case inbound.TypeAudio:
		payload["media_url"] = rc.ev.MediaURL
		payload["transcription"] = "pending"
	case inbound.TypeLocation:
		if rc.ev.Location != nil {
			payload["lat"] = rc.ev.Location.Lat
			payload["lng"] = rc.ev.Location.Lng
		}
	}
	return Answer{Payload: payload}
}

func replyTimeline(ev inbound.Event) (string, string) {
	switch ev.Type {
	case inbound.TypeLocation:
		return "case.location", "Location received"
	case inbound.TypeAudio:
		return "message.audio", "Audio reply received, pending transcription"
	default:
		return "message.text", "Reply received"
	}
}

func timelineMeta(rc routeContext, extra map[string]any) map[string]any {
	meta := map[string]any{
		"correlation_id": rc.corr,
		"instance_id":    rc.instance.ID,
		"event_type":     string(rc.ev.Type),
	}
	for k, v := range extra {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		meta[k] = v
	}
	return meta
}

func channelName(rc routeContext) string {
	if rc.instance.Provider != "" {
		return rc.instance.Provider
	}
	if rc.provider != "" {
		return rc.provider
	}
	return "whatsapp"
}
