// Package geo holds the great-circle helpers shared by clustering and reporting.
package geo

import (
	"math"

	"concretepool/internal/model"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Valid reports whether p is a finite WGS84 coordinate.
func Valid(p model.GeoPoint) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return math.Abs(p.Lat) <= 90 && math.Abs(p.Lng) <= 180
}

// Offset returns the point nKm north and eKm east of p (small-distance approximation).
func Offset(p model.GeoPoint, nKm, eKm float64) model.GeoPoint {
	lat := p.Lat + nKm/earthRadiusKm*180/math.Pi
	lng := p.Lng + eKm/(earthRadiusKm*math.Cos(p.Lat*math.Pi/180))*180/math.Pi
	return model.GeoPoint{Lat: lat, Lng: lng}
}
