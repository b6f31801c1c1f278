// Package export records estimated tracks and writes them as CSV, GeoJSON,
// KML and PNG plots
package export

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"ble-tracker/internal/geom"
	"ble-tracker/internal/tracker"
)

// Origin geo-references the area origin. Heading is the bearing of the area
// x axis in degrees clockwise from north; 90 means x points east.
type Origin struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Heading   float64
}

// ToGeo converts a local area position to longitude/latitude using a
// spherical earth, accurate well beyond the size of an indoor area
func (o Origin) ToGeo(p geom.Point) orb.Point {
	h := o.Heading * math.Pi / 180
	// x axis along the heading, y axis 90° counter-clockwise from it
	north := p.X*math.Cos(h) - p.Y*math.Sin(h)
	east := p.X*math.Sin(h) + p.Y*math.Cos(h)

	lat0 := o.Latitude * math.Pi / 180
	dLat := north / orb.EarthRadius
	dLon := east / (orb.EarthRadius * math.Cos(lat0))
	return orb.Point{
		o.Longitude + dLon*180/math.Pi,
		o.Latitude + dLat*180/math.Pi,
	}
}

// Point is one estimate of a track
type Point struct {
	Cycle    uint64
	Time     time.Time
	Position geom.Point
}

// Recorder keeps every published estimate in memory
type Recorder struct {
	mu      sync.Mutex
	session string
	points  []Point
}

// NewRecorder creates an empty track recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements tracker.Publisher
func (r *Recorder) Publish(est tracker.Estimate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == "" {
		r.session = est.Session
	}
	r.points = append(r.points, Point{Cycle: est.Cycle, Time: est.Time, Position: est.Position})
	return nil
}

// Track returns the recorded points ordered by cycle. Estimates are published
// from concurrent goroutines so arrival order is not cycle order.
func (r *Recorder) Track() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Point(nil), r.points...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Cycle < out[j-1].Cycle; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Session returns the tracker session of the recorded estimates
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// WriteCSV writes one row per estimate with local and geographic coordinates
func WriteCSV(filename string, track []Point, origin Origin) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Write([]string{"cycle", "time", "x", "y", "latitude", "longitude"})
	for _, p := range track {
		g := origin.ToGeo(p.Position)
		writer.Write([]string{
			strconv.FormatUint(p.Cycle, 10),
			p.Time.UTC().Format(time.RFC3339Nano),
			fmt.Sprintf("%.3f", p.Position.X),
			fmt.Sprintf("%.3f", p.Position.Y),
			fmt.Sprintf("%.8f", g.Lat()),
			fmt.Sprintf("%.8f", g.Lon()),
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}

// TrackCollection builds a feature collection holding the track line and one
// point per estimate
func TrackCollection(session string, track []Point, origin Origin) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	line := make(orb.LineString, 0, len(track))
	for _, p := range track {
		g := origin.ToGeo(p.Position)
		line = append(line, g)

		f := geojson.NewFeature(g)
		f.Properties["type"] = "estimate"
		f.Properties["cycle"] = p.Cycle
		f.Properties["time"] = p.Time.UTC().Format(time.RFC3339Nano)
		f.Properties["x"] = p.Position.X
		f.Properties["y"] = p.Position.Y
		fc.Append(f)
	}

	if len(line) > 1 {
		f := geojson.NewFeature(line)
		f.Properties["type"] = "track"
		f.Properties["session"] = session
		f.Properties["length_m"] = geo.Length(line)
		f.Properties["points"] = len(line)
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes the track as a GeoJSON feature collection
func WriteGeoJSON(filename, session string, track []Point, origin Origin) error {
	data, err := TrackCollection(session, track, origin).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write GeoJSON file: %w", err)
	}
	return nil
}

// Options selects the files written by Export
type Options struct {
	Dir     string
	GeoJSON bool
	CSV     bool
	KML     bool
	Plot    bool
	Area    geom.Area
	Anchors []geom.Point
	Origin  Origin
}

// Export writes the recorded track in every enabled format and returns the
// written paths
func Export(rec *Recorder, opts Options) ([]string, error) {
	return ExportTrack(rec.Session(), rec.Track(), opts)
}

// ExportTrack writes a track ordered by cycle in every enabled format
func ExportTrack(session string, track []Point, opts Options) ([]string, error) {
	if len(track) == 0 {
		return nil, fmt.Errorf("no estimates recorded")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	base := filepath.Join(opts.Dir, "track_"+session)
	var written []string

	if opts.CSV {
		name := base + ".csv"
		if err := WriteCSV(name, track, opts.Origin); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	if opts.GeoJSON {
		name := base + ".geojson"
		if err := WriteGeoJSON(name, session, track, opts.Origin); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	if opts.KML {
		name := base + ".kml"
		if err := WriteKML(name, session, track, opts.Anchors, opts.Origin); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	if opts.Plot {
		name := base + ".png"
		if err := WritePlot(name, track, opts.Area, opts.Anchors); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	return written, nil
}
