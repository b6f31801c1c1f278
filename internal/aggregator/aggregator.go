// Package aggregator buffers one distance report per anchor and detects when an
// estimation cycle is complete
package aggregator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"ble-tracker/internal/geom"
)

// ErrInvalidMeasurement is returned for reports that cannot be stored
var ErrInvalidMeasurement = errors.New("invalid measurement")

// Anchor is a fixed reference transmitter at a known position
type Anchor struct {
	ID       int
	Position geom.Point
}

// Report is one distance measurement produced by an anchor
type Report struct {
	AnchorID int        `json:"anchor_id"`
	Distance float64    `json:"distance"`
	Position geom.Point `json:"position"`
}

// String formats the report as an "id,distance,pos_x,pos_y" record
func (r Report) String() string {
	return fmt.Sprintf("%d,%.3f,%.3f,%.3f", r.AnchorID, r.Distance, r.Position.X, r.Position.Y)
}

// Aggregator holds the reports of the current cycle
type Aggregator struct {
	anchors []Anchor
	index   map[int]int // anchor id -> position in anchors

	mu     sync.Mutex
	buffer []Report
}

// New creates an aggregator for the configured anchors. Anchor ids must be
// unique.
func New(anchors []Anchor) (*Aggregator, error) {
	if len(anchors) == 0 {
		return nil, fmt.Errorf("no anchors configured")
	}
	index := make(map[int]int, len(anchors))
	for i, a := range anchors {
		if _, dup := index[a.ID]; dup {
			return nil, fmt.Errorf("duplicate anchor id %d", a.ID)
		}
		index[a.ID] = i
	}
	return &Aggregator{
		anchors: append([]Anchor(nil), anchors...),
		index:   index,
		buffer:  make([]Report, 0, len(anchors)),
	}, nil
}

// Anchors returns the configured anchors in configuration order
func (a *Aggregator) Anchors() []Anchor {
	return append([]Anchor(nil), a.anchors...)
}

// Anchor looks up a configured anchor by id
func (a *Aggregator) Anchor(id int) (Anchor, bool) {
	i, ok := a.index[id]
	if !ok {
		return Anchor{}, false
	}
	return a.anchors[i], true
}

// Validate checks a report against the configured anchors
func (a *Aggregator) Validate(r Report) error {
	if _, ok := a.index[r.AnchorID]; !ok {
		return fmt.Errorf("unknown anchor id %d: %w", r.AnchorID, ErrInvalidMeasurement)
	}
	if math.IsNaN(r.Distance) || math.IsInf(r.Distance, 0) || r.Distance < 0 {
		return fmt.Errorf("anchor %d distance %v: %w", r.AnchorID, r.Distance, ErrInvalidMeasurement)
	}
	return nil
}

// Store upserts a report by anchor id. A new entry is appended unless the
// buffer already holds one report per anchor, in which case nothing happens.
func (a *Aggregator) Store(r Report) error {
	if err := a.Validate(r); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.buffer {
		if a.buffer[i].AnchorID == r.AnchorID {
			a.buffer[i] = r
			return nil
		}
	}
	if len(a.buffer) >= len(a.anchors) {
		return nil
	}
	a.buffer = append(a.buffer, r)
	return nil
}

// IsCycleComplete reports whether every configured anchor has reported
func (a *Aggregator) IsCycleComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete()
}

func (a *Aggregator) complete() bool {
	return len(a.buffer) == len(a.anchors)
}

// Drain returns a copy of the buffered reports ordered like the configured
// anchors, without clearing the buffer
func (a *Aggregator) Drain() []Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drain()
}

func (a *Aggregator) drain() []Report {
	out := make([]Report, len(a.buffer))
	copy(out, a.buffer)
	// insertion sort by configured anchor order, the buffer is tiny
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && a.index[out[j].AnchorID] < a.index[out[j-1].AnchorID]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Clear empties the buffer
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = a.buffer[:0]
}

// Take drains and clears the buffer under one lock acquisition. It returns
// false, leaving the buffer untouched, when the cycle is not complete yet.
func (a *Aggregator) Take() ([]Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.complete() {
		return nil, false
	}
	out := a.drain()
	a.buffer = a.buffer[:0]
	return out, true
}

// Len returns the number of buffered reports
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// ParseReport decodes an "id,distance,pos_x,pos_y" record
func ParseReport(line string) (Report, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 4 {
		return Report{}, fmt.Errorf("record %q has %d fields, want 4: %w", line, len(fields), ErrInvalidMeasurement)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return Report{}, fmt.Errorf("anchor id %q: %w", fields[0], ErrInvalidMeasurement)
	}

	var values [3]float64
	for i, name := range []string{"distance", "pos_x", "pos_y"} {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Report{}, fmt.Errorf("%s %q: %w", name, fields[i+1], ErrInvalidMeasurement)
		}
		values[i] = v
	}
	if values[0] < 0 {
		return Report{}, fmt.Errorf("negative distance %v: %w", values[0], ErrInvalidMeasurement)
	}

	return Report{
		AnchorID: id,
		Distance: values[0],
		Position: geom.Point{X: values[1], Y: values[2]},
	}, nil
}
