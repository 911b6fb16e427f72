package detection

import "time"

// Battery level bands, percent. Only the most severe matching band fires.
const (
	batteryEmergencyLevel = 5.0
	batteryCriticalLevel  = 10.0
	batteryWarningLevel   = 25.0
)

// Discharge rate, percent per minute over the rolling window.
const (
	dischargeCriticalRate   = 5.0
	dischargeWarningRate    = 2.0
	minDischargeSamples     = 10
	minDischargeSpanMinutes = 0.1
)

// Signal strength is 0..100. At or below signalLostThreshold the link counts as lost.
const (
	signalLostThreshold = 20.0
	signalWeakThreshold = 50.0
	signalLostWarning   = 5 * time.Second
	signalLostCritical  = 15 * time.Second
)

const (
	hdopCritical = 5.0
	hdopWarning  = 2.0
)

const geofenceProximityMeters = 100.0

// Collision distances in meters per threat class.
type collisionBand struct {
	emergency float64
	critical  float64
}

var collisionBands = map[string]collisionBand{
	"aircraft": {emergency: 500, critical: 1000},
	"drone":    {emergency: 500, critical: 1000},
	"obstacle": {emergency: 20, critical: 50},
}
