package event

import "math"

// geoGrid is the cell size in degrees used for anonymized coordinates.
// 0.01° of latitude is ~1.1 km.
const geoGrid = 0.01

// Anonymize snaps coordinates to the coarse grid and drops the accuracy radius.
func (g Geo) Anonymize() Geo {
	return Geo{
		Latitude:  snap(g.Latitude),
		Longitude: snap(g.Longitude),
		Country:   g.Country,
		Region:    g.Region,
	}
}

func snap(v float64) float64 {
	r := math.Round(v/geoGrid) * geoGrid
	// Trim float noise so 51.51 doesn't serialize as 51.510000000000005.
	return math.Round(r*100) / 100
}
