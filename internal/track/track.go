// Package track holds the data types that flow from the live feed to storage.
package track

import "time"

// Frame is the raw payload fetched for exactly one partition.
type Frame struct {
	PartitionID string
	FetchedAt   time.Time
	Payload     []byte
}

// FetchResult is a frame or the reason it could not be fetched.
type FetchResult struct {
	Frame Frame
	Err   error
}

// Record is one live flight as last seen by the feed.
//
// ID is the feed's flight key and the identity used by the live cache.
// ICAO24 identifies the airframe and may be shared by consecutive flights.
type Record struct {
	ID           string    `json:"id"`
	ICAO24       string    `json:"icao24"`
	Callsign     string    `json:"callsign,omitempty"`
	FlightNumber string    `json:"flight_number,omitempty"`
	Registration string    `json:"registration,omitempty"`
	AircraftType string    `json:"aircraft_type,omitempty"`
	Airline      string    `json:"airline,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	Destination  string    `json:"destination,omitempty"`
	Squawk       string    `json:"squawk,omitempty"`
	Radar        string    `json:"radar,omitempty"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Heading      int       `json:"heading"`
	Altitude     int       `json:"altitude"`
	Speed        int       `json:"speed"`
	VerticalRate int       `json:"vertical_rate"`
	OnGround     bool      `json:"on_ground"`
	LastSeen     time.Time `json:"last_seen"`
	PartitionID  string    `json:"partition_id,omitempty"`
}

// DetailRef is the key under which richer persisted details of the record
// can be looked up later.
func (r Record) DetailRef() string {
	if r.ICAO24 == "" {
		return r.ID
	}
	return r.ICAO24 + "/" + r.ID
}
