package geo

import (
	"log/slog"
	"math"

	"github.com/example/errand-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// DefaultSpeedKmh is the assumed average courier speed when none is given.
const DefaultSpeedKmh = 15.0

// IsValidCoordinate reports whether lat/lon form a usable WGS84 coordinate:
// finite, non-NaN, within range.
func IsValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ValidPoint is IsValidCoordinate for a GeoPoint.
func ValidPoint(p models.GeoPoint) bool {
	return IsValidCoordinate(p.Lat, p.Lon)
}

// DistanceKm returns the haversine great-circle distance between a and b in
// kilometers. Invalid input yields the sentinel 0 and a logged anomaly;
// callers must treat 0-from-invalid as "excluded", never as "closest".
// Check ValidPoint first when 0 is a meaningful distance.
func DistanceKm(a, b models.GeoPoint) float64 {
	if !ValidPoint(a) || !ValidPoint(b) {
		slog.Warn("geo: invalid coordinate excluded",
			"a_lat", a.Lat, "a_lon", a.Lon, "b_lat", b.Lat, "b_lon", b.Lon)
		return 0
	}
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// EtaMinutes estimates travel time in whole minutes at avgSpeedKmh,
// defaulting to DefaultSpeedKmh when the speed is zero or negative.
func EtaMinutes(distanceKm, avgSpeedKmh float64) int {
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = DefaultSpeedKmh
	}
	return int(math.Round(distanceKm / avgSpeedKmh * 60))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
