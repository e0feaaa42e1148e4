package geo

import "math"

// earthRadiusM is the spherical-earth radius used by the haversine formula.
// Close enough for campus-scale geofencing; not navigation grade.
const earthRadiusM = 6371000.0

// Distance returns the great-circle distance in meters between two
// latitude/longitude pairs given in degrees. It is symmetric and returns 0
// for identical coordinates.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}
