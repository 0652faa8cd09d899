package location

import "time"

// Fix is a single reported position.
type Fix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`             // metros
	Altitude  float64   `json:"altitude,omitempty"`   // metros
	Speed     float64   `json:"speed,omitempty"`      // km/h
	Bearing   float64   `json:"bearing,omitempty"`    // grados
	Timestamp time.Time `json:"ts"`
	Provider  string    `json:"provider"`
}

// Valid reports whether the coordinates are in range and not the 0,0 placeholder
// trackers send before acquiring a fix.
func (f Fix) Valid() bool {
	return coordsValid(f.Latitude, f.Longitude)
}

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}
