package telemetry

import (
	"errors"
	"time"

	"github.com/technosupport/ts-utm/internal/data"
)

var ErrInvalidSample = errors.New("invalid sample")

type Sample struct {
	FlightID             string        `json:"flightId"`
	DroneID              string        `json:"droneId"`
	Timestamp            time.Time     `json:"timestamp"`
	Position             data.Position `json:"position"`
	BatteryLevel         float64       `json:"batteryLevel"`
	BatteryDischargeRate *float64      `json:"batteryDischargeRate,omitempty"`
	SignalStrength       float64       `json:"signalStrength"`
	GPSHdop              *float64      `json:"gpsHdop,omitempty"`
	GPSSatellites        *int          `json:"gpsSatellites,omitempty"`
	GroundSpeed          float64       `json:"groundSpeed"`
	Heading              float64       `json:"heading"`
	WindSpeed            *float64      `json:"windSpeed,omitempty"`
	Visibility           *float64      `json:"visibility,omitempty"`
}

func (s Sample) Validate() error {
	if s.DroneID == "" {
		return errors.Join(ErrInvalidSample, errors.New("droneId is required"))
	}
	if s.BatteryLevel < 0 || s.BatteryLevel > 100 {
		return errors.Join(ErrInvalidSample, errors.New("batteryLevel must be within 0..100"))
	}
	return nil
}

type GeofenceSample struct {
	FlightID           string  `json:"flightId"`
	DroneID            string  `json:"droneId"`
	DistanceToBoundary float64 `json:"distanceToBoundary"`
	IsBreached         bool    `json:"isBreached"`
	BoundaryName       string  `json:"boundaryName,omitempty"`
}

func (s GeofenceSample) Validate() error {
	if s.DroneID == "" {
		return errors.Join(ErrInvalidSample, errors.New("droneId is required"))
	}
	return nil
}

type ThreatType string

const (
	ThreatAircraft ThreatType = "aircraft"
	ThreatObstacle ThreatType = "obstacle"
	ThreatDrone    ThreatType = "drone"
)

type CollisionSample struct {
	FlightID   string     `json:"flightId"`
	DroneID    string     `json:"droneId"`
	ThreatType ThreatType `json:"threatType"`
	Distance   float64    `json:"distance"`
	Bearing    float64    `json:"bearing"`
	ThreatID   string     `json:"threatId,omitempty"`
}

func (s CollisionSample) Validate() error {
	if s.DroneID == "" {
		return errors.Join(ErrInvalidSample, errors.New("droneId is required"))
	}
	switch s.ThreatType {
	case ThreatAircraft, ThreatObstacle, ThreatDrone:
		return nil
	}
	return errors.Join(ErrInvalidSample, errors.New("unknown threatType "+string(s.ThreatType)))
}

// FlightEnded is sent by the flight service when a flight closes.
type FlightEnded struct {
	FlightID string `json:"flightId"`
	DroneID  string `json:"droneId"`
}
