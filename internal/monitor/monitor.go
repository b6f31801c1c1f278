// Package monitor renders estimate lines from a tracker as an ASCII map of
// the area
package monitor

import (
	"fmt"
	"io"
	"strings"

	"ble-tracker/internal/geom"
	"ble-tracker/internal/transport"
)

// Map glyphs
const (
	glyphEmpty    = ' '
	glyphParticle = '.'
	glyphTrail    = '*'
	glyphAnchor   = 'A'
	glyphNode     = '@'
)

// Frame is one complete estimate: the particles that preceded it and the node
type Frame struct {
	Particles []geom.Point
	Node      geom.Point
}

// Map accumulates estimate lines into frames and draws them
type Map struct {
	area    geom.Area
	anchors []geom.Point
	width   int
	height  int
	trail   []geom.Point
	maxTail int
	pending []geom.Point
	frame   Frame
	frames  int
}

// NewMap creates a map of the area drawn in width x height characters that
// keeps the last trail node positions
func NewMap(area geom.Area, anchors []geom.Point, width, height, trail int) (*Map, error) {
	if area.Empty() {
		return nil, fmt.Errorf("invalid area %vx%v", area.Width, area.Height)
	}
	if width < 2 || height < 2 {
		return nil, fmt.Errorf("map too small: %dx%d", width, height)
	}
	if trail < 0 {
		trail = 0
	}
	return &Map{area: area, anchors: anchors, width: width, height: height, maxTail: trail}, nil
}

// Apply folds one decoded line into the map and reports whether it completed
// a frame. Particle lines are held until the node line that closes them.
func (m *Map) Apply(l transport.Line) bool {
	if l.Kind == 'p' {
		m.pending = append(m.pending, l.Point)
		return false
	}
	m.frame = Frame{Particles: m.pending, Node: l.Point}
	m.pending = nil
	m.frames++

	if m.maxTail > 0 {
		m.trail = append(m.trail, l.Point)
		if len(m.trail) > m.maxTail {
			m.trail = m.trail[len(m.trail)-m.maxTail:]
		}
	}
	return true
}

// Frame returns the last completed frame
func (m *Map) Frame() (Frame, bool) {
	return m.frame, m.frames > 0
}

// Frames returns the number of completed frames
func (m *Map) Frames() int {
	return m.frames
}

// cell maps an area position to a grid cell; y grows upwards on screen
func (m *Map) cell(p geom.Point) (col, row int) {
	p = m.area.Clamp(p)
	col = int(p.X / m.area.Width * float64(m.width-1))
	row = m.height - 1 - int(p.Y/m.area.Height*float64(m.height-1))
	return col, row
}

// Grid draws the last frame. Later layers overwrite earlier ones: particles,
// trail, anchors, node.
func (m *Map) Grid() [][]rune {
	grid := make([][]rune, m.height)
	for i := range grid {
		grid[i] = make([]rune, m.width)
		for j := range grid[i] {
			grid[i][j] = glyphEmpty
		}
	}
	plot := func(p geom.Point, g rune) {
		c, r := m.cell(p)
		grid[r][c] = g
	}

	for _, p := range m.frame.Particles {
		plot(p, glyphParticle)
	}
	for _, p := range m.trail {
		plot(p, glyphTrail)
	}
	for _, a := range m.anchors {
		plot(a, glyphAnchor)
	}
	if m.frames > 0 {
		plot(m.frame.Node, glyphNode)
	}
	return grid
}

// Render writes the framed map and a status line to w
func (m *Map) Render(w io.Writer) error {
	var b strings.Builder
	border := "+" + strings.Repeat("-", m.width) + "+\n"
	b.WriteString(border)
	for _, row := range m.Grid() {
		b.WriteByte('|')
		b.WriteString(string(row))
		b.WriteString("|\n")
	}
	b.WriteString(border)
	if f, ok := m.Frame(); ok {
		fmt.Fprintf(&b, "frame %d  node %s  particles %d\n", m.frames, f.Node, len(f.Particles))
	} else {
		b.WriteString("waiting for estimates\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
