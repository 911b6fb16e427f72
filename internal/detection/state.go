package detection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-utm/internal/data"
)

const batteryWindowSize = 60

type batteryReading struct {
	level float64
	at    time.Time
}

// droneState is only touched with mu held. Nothing outside this package sees it.
type droneState struct {
	mu sync.Mutex

	battery         []batteryReading
	lastSignal      float64
	signalLostSince time.Time
	active          map[data.EmergencyType]activeEmergency
}

// activeEmergency remembers which event opened the flag so a late close for an
// older incident cannot clear a newer one.
type activeEmergency struct {
	severity data.Severity
	eventID  uuid.UUID
}

func newDroneState() *droneState {
	return &droneState{
		battery: make([]batteryReading, 0, batteryWindowSize),
		active:  make(map[data.EmergencyType]activeEmergency),
	}
}

func (s *droneState) recordBattery(level float64, at time.Time) {
	if len(s.battery) == batteryWindowSize {
		copy(s.battery, s.battery[1:])
		s.battery = s.battery[:batteryWindowSize-1]
	}
	s.battery = append(s.battery, batteryReading{level: level, at: at})
}

// dischargeRate returns percent per minute across the window. ok is false when
// there are too few readings or too short a span for a stable rate.
func (s *droneState) dischargeRate() (rate float64, ok bool) {
	if len(s.battery) < minDischargeSamples {
		return 0, false
	}
	oldest := s.battery[0]
	newest := s.battery[len(s.battery)-1]
	minutes := newest.at.Sub(oldest.at).Minutes()
	if minutes < minDischargeSpanMinutes {
		return 0, false
	}
	return (oldest.level - newest.level) / minutes, true
}

func (s *droneState) reset() {
	s.battery = s.battery[:0]
	s.lastSignal = 0
	s.signalLostSince = time.Time{}
	s.active = make(map[data.EmergencyType]activeEmergency)
}
