package fr24

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flightcollector/internal/track"

	"github.com/goccy/go-json"
)

var ErrMalformedPayload = errors.New("malformed feed payload")

// Row layout of one flight in the feed object.
const (
	colICAO24 = iota
	colLat
	colLon
	colHeading
	colAltitude
	colSpeed
	colSquawk
	colRadar
	colType
	colRegistration
	colTimestamp
	colOrigin
	colDestination
	colFlightNumber
	colOnGround
	colVerticalRate
	colCallsign
	colUnused
	colAirline

	minRowLen = colCallsign + 1
)

// Deserializer turns raw feed frames into records. Malformed rows are
// skipped and counted; scalar keys of the feed object are ignored.
type Deserializer struct {
	mu       sync.RWMutex
	prefixes []string

	skipped  atomic.Uint64
	filtered atomic.Uint64
}

func NewDeserializer(callsignPrefixes ...string) *Deserializer {
	d := &Deserializer{}
	d.SetFilter(callsignPrefixes...)
	return d
}

// SetFilter keeps only records whose callsign starts with one of prefixes
// (case-insensitive). No prefixes disables the filter.
func (d *Deserializer) SetFilter(prefixes ...string) {
	var ps []string
	for _, p := range prefixes {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			ps = append(ps, p)
		}
	}
	d.mu.Lock()
	d.prefixes = ps
	d.mu.Unlock()
}

// Skipped is the number of malformed rows seen so far.
func (d *Deserializer) Skipped() uint64 { return d.skipped.Load() }

// Filtered is the number of rows dropped by the callsign filter.
func (d *Deserializer) Filtered() uint64 { return d.filtered.Load() }

// Parse decodes f. Records are ordered by flight ID.
func (d *Deserializer) Parse(f track.Frame) ([]track.Record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(f.Payload, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ids := make([]string, 0, len(obj))
	for k, v := range obj {
		if v = bytes.TrimSpace(v); len(v) > 0 && v[0] == '[' {
			ids = append(ids, k)
		}
	}
	sort.Strings(ids)

	d.mu.RLock()
	prefixes := d.prefixes
	d.mu.RUnlock()

	out := make([]track.Record, 0, len(ids))
	for _, id := range ids {
		var row []any
		if err := json.Unmarshal(obj[id], &row); err != nil {
			d.skipped.Add(1)
			continue
		}
		rec, ok := decodeRow(id, row)
		if !ok {
			d.skipped.Add(1)
			continue
		}
		if !matchPrefix(rec.Callsign, prefixes) {
			d.filtered.Add(1)
			continue
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = f.FetchedAt
		}
		rec.PartitionID = f.PartitionID
		out = append(out, rec)
	}
	return out, nil
}

func decodeRow(id string, row []any) (track.Record, bool) {
	if id == "" || len(row) < minRowLen {
		return track.Record{}, false
	}
	lat, ok1 := num(row[colLat])
	lon, ok2 := num(row[colLon])
	if !ok1 || !ok2 || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return track.Record{}, false
	}

	r := track.Record{
		ID:           id,
		ICAO24:       strings.ToLower(str(row[colICAO24])),
		Lat:          lat,
		Lon:          lon,
		Heading:      integer(row[colHeading]),
		Altitude:     integer(row[colAltitude]),
		Speed:        integer(row[colSpeed]),
		Squawk:       str(row[colSquawk]),
		Radar:        str(row[colRadar]),
		AircraftType: str(row[colType]),
		Registration: str(row[colRegistration]),
		Origin:       str(row[colOrigin]),
		Destination:  str(row[colDestination]),
		FlightNumber: str(row[colFlightNumber]),
		OnGround:     integer(row[colOnGround]) != 0,
		VerticalRate: integer(row[colVerticalRate]),
		Callsign:     str(row[colCallsign]),
	}
	if ts := integer(row[colTimestamp]); ts > 0 {
		r.LastSeen = time.Unix(int64(ts), 0).UTC()
	}
	if len(row) > colAirline {
		r.Airline = str(row[colAirline])
	}
	return r, true
}

func matchPrefix(callsign string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	cs := strings.ToUpper(callsign)
	for _, p := range prefixes {
		if strings.HasPrefix(cs, p) {
			return true
		}
	}
	return false
}

func num(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func integer(v any) int {
	f, _ := num(v)
	return int(f)
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
