package selector

import (
	"math"
	"strings"

	"github.com/yllada/vpn-core/probe"
)

// Score weights.
const (
	pingWeight     = 0.5
	locationWeight = 0.3
	loadWeight     = 0.2

	// maxDistanceKm maps to a location score of zero.
	maxDistanceKm = 15000.0
	earthRadiusKm = 6371.0

	neutralLocationScore = 50.0
)

// PingScore converts latency to 0..100, losing a point every 3 ms.
func PingScore(pingMs float64) float64 {
	return math.Max(0, 100-pingMs/3)
}

// LoadScore is the free capacity of the server; 0 when load is unknown.
func LoadScore(s Server) float64 {
	load, ok := s.ReportedLoad()
	if !ok {
		return 0
	}
	return 100 - load
}

// LocationScore rates how close the server is to the client. Same country
// scores 100; otherwise the great-circle distance is mapped linearly so
// that 15000 km and beyond score 0. Without coordinates the score is neutral.
func LocationScore(client *probe.Location, s Server) float64 {
	if client == nil {
		return neutralLocationScore
	}
	if sameCountry(client, s) {
		return 100
	}
	if !client.HasCoordinates || !s.HasCoordinates() {
		return neutralLocationScore
	}
	d := Haversine(client.Latitude, client.Longitude, *s.Latitude, *s.Longitude)
	return math.Max(0, 100*(1-d/maxDistanceKm))
}

// TotalScore combines the component scores.
func TotalScore(ping, location, load float64) float64 {
	return pingWeight*ping + locationWeight*location + loadWeight*load
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func sameCountry(client *probe.Location, s Server) bool {
	country := strings.TrimSpace(s.Country)
	if country == "" {
		return false
	}
	return strings.EqualFold(country, client.CountryCode) || strings.EqualFold(country, client.Country)
}

// score fills in the derived scores of a successful measurement.
func score(client *probe.Location, s Server, pingMs float64, ts int64) ProbeResult {
	r := ProbeResult{
		PingMs:        pingMs,
		LocationScore: LocationScore(client, s),
		LoadScore:     LoadScore(s),
		Timestamp:     ts,
	}
	r.TotalScore = TotalScore(PingScore(pingMs), r.LocationScore, r.LoadScore)
	return r
}
