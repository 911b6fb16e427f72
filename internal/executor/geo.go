package executor

import (
	"math"

	"github.com/technosupport/ts-utm/internal/data"
)

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two positions.
func DistanceKm(a, b data.Position) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func hubPosition(h data.Hub) data.Position {
	return data.Position{Lat: h.Lat, Lng: h.Lng}
}
