package decision

import (
	"context"
	"sort"

	"github.com/technosupport/ts-utm/internal/data"
)

// ProtocolSource produces the full active protocol list. Later entries win on
// an identical (type, severity) key.
type ProtocolSource interface {
	Load(ctx context.Context) ([]data.Protocol, error)
}

type protocolKey struct {
	t data.EmergencyType
	s data.Severity
}

// protocolSet is immutable once built; reloads swap the whole set.
type protocolSet struct {
	byKey  map[protocolKey]data.Protocol
	byType map[data.EmergencyType][]data.Protocol
	all    []data.Protocol
}

func newProtocolSet(list []data.Protocol) *protocolSet {
	set := &protocolSet{
		byKey:  make(map[protocolKey]data.Protocol, len(list)),
		byType: make(map[data.EmergencyType][]data.Protocol),
	}
	for _, p := range list {
		set.byKey[protocolKey{p.EmergencyType, p.Severity}] = p
	}
	for _, p := range set.byKey {
		set.byType[p.EmergencyType] = append(set.byType[p.EmergencyType], p)
		set.all = append(set.all, p)
	}
	for _, ps := range set.byType {
		sort.Slice(ps, func(i, j int) bool { return ps[i].Severity.Rank() > ps[j].Severity.Rank() })
	}
	sort.Slice(set.all, func(i, j int) bool {
		if set.all[i].Priority != set.all[j].Priority {
			return set.all[i].Priority < set.all[j].Priority
		}
		if set.all[i].EmergencyType != set.all[j].EmergencyType {
			return set.all[i].EmergencyType < set.all[j].EmergencyType
		}
		return set.all[i].Severity.Rank() > set.all[j].Severity.Rank()
	})
	return set
}

// match returns the protocol for evt and whether one was found. The fallback
// for an unknown type acts by severity alone.
func (s *protocolSet) match(evt data.EmergencyEvent) (data.Protocol, bool) {
	if p, ok := s.byKey[protocolKey{evt.Type, evt.Severity}]; ok {
		return p, true
	}
	if ps := s.byType[evt.Type]; len(ps) > 0 {
		return ps[0], true
	}
	return defaultResponse(evt), false
}

func defaultResponse(evt data.EmergencyEvent) data.Protocol {
	action := data.ActionHover
	switch evt.Severity {
	case data.SeverityEmergency:
		action = data.ActionLand
	case data.SeverityCritical:
		action = data.ActionRTH
	}
	return data.Protocol{
		Name:                       "default " + string(evt.Severity) + " response",
		EmergencyType:              evt.Type,
		Severity:                   evt.Severity,
		ResponseAction:             action,
		FallbackAction:             data.ActionHover,
		RequiresConfirmation:       false,
		ConfirmationTimeoutSeconds: data.DefaultConfirmationTimeoutSeconds,
		AutoExecuteOnTimeout:       true,
		Priority:                   Priority(evt.Type),
		NotifyOperator:             true,
		Source:                     "builtin",
	}
}
