package decision

import (
	"sort"

	"github.com/technosupport/ts-utm/internal/data"
)

const defaultPriority = 100

// priorities: lower is handled first.
var priorities = map[data.EmergencyType]int{
	data.TypeCollisionAircraft:     1,
	data.TypeCollisionDrone:        2,
	data.TypeCollisionObstacle:     5,
	data.TypeGeofenceBreach:        10,
	data.TypeBatteryCritical:       40,
	data.TypeBatteryRapidDischarge: 42,
	data.TypeBatteryLow:            45,
	data.TypeGPSDegraded:           50,
	data.TypeSignalLost:            55,
	data.TypeGeofenceWarning:       60,
	data.TypeSignalWeak:            70,
}

func Priority(t data.EmergencyType) int {
	if p, ok := priorities[t]; ok {
		return p
	}
	return defaultPriority
}

// PrioritizeEmergencies returns a sorted copy of events. Ties on priority go to
// the more severe event, then the earlier detection; the input is untouched.
func PrioritizeEmergencies(events []data.EmergencyEvent) []data.EmergencyEvent {
	out := make([]data.EmergencyEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := Priority(out[i].Type), Priority(out[j].Type)
		if pi != pj {
			return pi < pj
		}
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}
