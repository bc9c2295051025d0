// Package partition lays a fixed raster of rectangular areas over the
// covered region. The raster is computed once and never changes.
package partition

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Config describes the raster. Steps are in degrees.
type Config struct {
	LatStep, LonStep float64
	MinLat, MaxLat   float64
	MinLon, MaxLon   float64
}

// World covers the whole globe in 10x10 degree cells.
func World() Config {
	return Config{LatStep: 10, LonStep: 10, MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
}

// Area is one cell. North > South and East > West always hold; cells never
// overlap and only share edges.
type Area struct {
	ID    string  `json:"id"`
	Index int     `json:"index"`
	North float64 `json:"north"`
	South float64 `json:"south"`
	West  float64 `json:"west"`
	East  float64 `json:"east"`
}

// Bounds renders the area as "north,south,west,east", the order the live
// feed expects.
func (a Area) Bounds() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(a.North) + "," + f(a.South) + "," + f(a.West) + "," + f(a.East)
}

func (a Area) Contains(lat, lon float64) bool {
	return lat <= a.North && lat >= a.South && lon >= a.West && lon <= a.East
}

// Partitioner holds the immutable ordered raster.
type Partitioner struct {
	cfg   Config
	areas []Area
	byID  map[string]int
}

func New(cfg Config) (*Partitioner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rows := int(math.Ceil((cfg.MaxLat - cfg.MinLat) / cfg.LatStep))
	cols := int(math.Ceil((cfg.MaxLon - cfg.MinLon) / cfg.LonStep))
	width := len(strconv.Itoa(rows*cols - 1))
	if width < 4 {
		width = 4
	}

	p := &Partitioner{cfg: cfg, areas: make([]Area, 0, rows*cols), byID: make(map[string]int, rows*cols)}
	// Row-major from the north-west corner.
	for r := 0; r < rows; r++ {
		north := cfg.MaxLat - float64(r)*cfg.LatStep
		south := math.Max(north-cfg.LatStep, cfg.MinLat)
		for c := 0; c < cols; c++ {
			west := cfg.MinLon + float64(c)*cfg.LonStep
			east := math.Min(west+cfg.LonStep, cfg.MaxLon)
			idx := len(p.areas)
			a := Area{
				ID:    fmt.Sprintf("p%0*d", width, idx),
				Index: idx,
				North: round(north), South: round(south),
				West: round(west), East: round(east),
			}
			p.byID[a.ID] = idx
			p.areas = append(p.areas, a)
		}
	}
	return p, nil
}

func (c Config) validate() error {
	switch {
	case c.LatStep <= 0 || c.LonStep <= 0:
		return errors.New("partition: steps must be > 0")
	case c.MinLat < -90 || c.MaxLat > 90 || c.MinLat >= c.MaxLat:
		return fmt.Errorf("partition: invalid latitude range [%v,%v]", c.MinLat, c.MaxLat)
	case c.MinLon < -180 || c.MaxLon > 180 || c.MinLon >= c.MaxLon:
		return fmt.Errorf("partition: invalid longitude range [%v,%v]", c.MinLon, c.MaxLon)
	}
	return nil
}

// Areas returns a copy of the raster in its stable order.
func (p *Partitioner) Areas() []Area {
	out := make([]Area, len(p.areas))
	copy(out, p.areas)
	return out
}

func (p *Partitioner) Len() int { return len(p.areas) }

func (p *Partitioner) Config() Config { return p.cfg }

func (p *Partitioner) Lookup(id string) (Area, bool) {
	i, ok := p.byID[id]
	if !ok {
		return Area{}, false
	}
	return p.areas[i], true
}

// Locate returns the first area containing the position.
func (p *Partitioner) Locate(lat, lon float64) (Area, bool) {
	for _, a := range p.areas {
		if a.Contains(lat, lon) {
			return a, true
		}
	}
	return Area{}, false
}

// round trims float noise from repeated step arithmetic.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
