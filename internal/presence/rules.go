package presence

import (
	"fmt"
	"math"

	"caseline/internal/config"
)

// Presence case states.
const (
	StateAwaitingEntry        = "AGUARDANDO_ENTRADA"
	StateWorking              = "EM_EXPEDIENTE"
	StateOnBreak              = "EM_INTERVALO"
	StateAwaitingExit         = "AGUARDANDO_SAIDA"
	StatePendingJustification = "PENDENTE_JUSTIFICATIVA"
	StatePendingApproval      = "PENDENTE_APROVACAO"
	StateClosed               = "FECHADO"
	StateAdjusted             = "AJUSTADO"
)

// Punch types.
const (
	PunchEntry      = "ENTRY"
	PunchBreakStart = "BREAK_START"
	PunchBreakEnd   = "BREAK_END"
	PunchExit       = "EXIT"
)

const SourceApp = "APP"

// Rejection codes.
const (
	CodeIllegalTransition = "illegal_transition"
	CodeOutsideGeofence   = "outside_geofence"
	CodeMissingLocation   = "missing_location"
	CodeDayClosed         = "day_closed"
)

// RejectionError is a punch refused by presence rules. Nothing is written when it is returned.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("punch rejected (%s): %s", e.Code, e.Reason)
}

func reject(code, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

type transition struct {
	from []string
	to   string
}

var transitions = map[string]transition{
	PunchEntry:      {from: []string{StateAwaitingEntry}, to: StateWorking},
	PunchBreakStart: {from: []string{StateWorking}, to: StateOnBreak},
	PunchBreakEnd:   {from: []string{StateOnBreak}, to: StateAwaitingExit},
	PunchExit:       {from: []string{StateWorking, StateAwaitingExit}, to: StateClosed},
}

// ValidPunchType reports whether t is a known punch type.
func ValidPunchType(t string) bool {
	_, ok := transitions[t]
	return ok
}

func terminal(state string) bool {
	return state == StateClosed || state == StateAdjusted
}

func pending(state string) bool {
	return state == StatePendingJustification || state == StatePendingApproval
}

// InferPunchType returns the punch expected next from the operational state.
func InferPunchType(workState string) (string, error) {
	switch workState {
	case StateAwaitingEntry:
		return PunchEntry, nil
	case StateWorking:
		return PunchBreakStart, nil
	case StateOnBreak:
		return PunchBreakEnd, nil
	case StateAwaitingExit:
		return PunchExit, nil
	}
	return "", reject(CodeDayClosed, "no punch expected in state %s", workState)
}

// Next returns the operational state a punch leads to, or a rejection when the punch is not
// legal from workState.
func Next(workState, punchType string) (string, error) {
	if terminal(workState) {
		return "", reject(CodeDayClosed, "day already %s", workState)
	}
	tr, ok := transitions[punchType]
	if !ok {
		return "", reject(CodeIllegalTransition, "unknown punch type %s", punchType)
	}
	for _, s := range tr.from {
		if s == workState {
			return tr.to, nil
		}
	}
	return "", reject(CodeIllegalTransition, "%s not allowed in state %s", punchType, workState)
}

// Position is a reported device location.
type Position struct {
	Latitude       *float64
	Longitude      *float64
	AccuracyMeters *float64
}

func (p Position) known() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Verdict is the geofence outcome for one punch. Flag is empty when the punch is clean.
type Verdict struct {
	Flag           string
	DistanceMeters *float64
}

// CheckGeofence applies the tenant geofence policies to a position.
// A position less accurate than the configured maximum counts as missing.
func CheckGeofence(cfg config.PresenceConfig, pos Position) (Verdict, error) {
	g := cfg.Geofence
	if g == nil {
		return Verdict{}, nil
	}
	if !pos.known() {
		return applyPolicy(cfg.MissingLocationPolicy, nil, CodeMissingLocation, "punch has no location")
	}
	if cfg.MaxAccuracyMeters > 0 && pos.AccuracyMeters != nil && *pos.AccuracyMeters > cfg.MaxAccuracyMeters {
		return applyPolicy(cfg.MissingLocationPolicy, nil, CodeMissingLocation,
			"location accuracy %.0fm exceeds %.0fm", *pos.AccuracyMeters, cfg.MaxAccuracyMeters)
	}
	d := DistanceMeters(g.Latitude, g.Longitude, *pos.Latitude, *pos.Longitude)
	if d <= g.RadiusMeters {
		return Verdict{DistanceMeters: &d}, nil
	}
	return applyPolicy(cfg.OutsidePolicy, &d, CodeOutsideGeofence,
		"punch %.0fm from site, radius %.0fm", d, g.RadiusMeters)
}

func applyPolicy(policy string, distance *float64, code, format string, args ...any) (Verdict, error) {
	switch policy {
	case config.PolicyAllow:
		return Verdict{DistanceMeters: distance}, nil
	case config.PolicyApprove:
		return Verdict{Flag: StatePendingApproval, DistanceMeters: distance}, nil
	case config.PolicyReject:
		return Verdict{DistanceMeters: distance}, reject(code, format, args...)
	default:
		return Verdict{Flag: StatePendingJustification, DistanceMeters: distance}, nil
	}
}

const earthRadiusMeters = 6371000.0

// DistanceMeters is the great-circle distance between two coordinates.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// caseState picks the visible case state after a punch. A pending review survives later
// clean punches; approval outranks justification.
func caseState(current, work, flag string) string {
	switch {
	case flag == StatePendingApproval || current == StatePendingApproval:
		return StatePendingApproval
	case flag != "" || pending(current):
		return StatePendingJustification
	default:
		return work
	}
}
