package geo

import "math"

// EarthRadiusMeters 平均地球半径。地理围栏用途下球面模型足够，
// 不使用椭球模型（只会改变边界附近的判定，不提升正确性）。
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two
// coordinates, using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// WithinRadius reports whether the point lies inside the circle, boundary
// inclusive (distance == radius counts as inside).
func WithinRadius(lat, lon, centerLat, centerLon, radiusMeters float64) bool {
	return Distance(lat, lon, centerLat, centerLon) <= radiusMeters
}

// ValidCoordinates reports whether latitude/longitude fall in range
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
