package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"ble-tracker/internal/geom"
	"ble-tracker/internal/tracker"
)

// Output formats understood by LineWriter
const (
	FormatNode      = "node"      // x,y
	FormatParticles = "particles" // p,x,y per particle then n,x,y
)

// LineWriter publishes estimates as text lines, the protocol read by the
// tracker monitor
type LineWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	format string
}

// NewLineWriter writes estimates to w in the given format
func NewLineWriter(w io.Writer, format string) (*LineWriter, error) {
	switch format {
	case FormatNode, FormatParticles:
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return &LineWriter{w: bufio.NewWriter(w), format: format}, nil
}

// Publish implements tracker.Publisher
func (l *LineWriter) Publish(est tracker.Estimate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == FormatParticles {
		for _, p := range est.Particles {
			fmt.Fprintf(l.w, "p,%s\n", p.Position)
		}
		fmt.Fprintf(l.w, "n,%s\n", est.Position)
	} else {
		fmt.Fprintf(l.w, "%s\n", est.Position)
	}
	return l.w.Flush()
}

// Line is one decoded estimate line
type Line struct {
	Kind  byte // 'p' particle, 'n' node
	Point geom.Point
}

// ParseLine decodes "x,y", "p,x,y" or "n,x,y". A bare "x,y" is a node.
func ParseLine(s string) (Line, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	kind := byte('n')
	switch len(fields) {
	case 2:
	case 3:
		if fields[0] != "p" && fields[0] != "n" {
			return Line{}, fmt.Errorf("unknown line kind %q", fields[0])
		}
		kind = fields[0][0]
		fields = fields[1:]
	default:
		return Line{}, fmt.Errorf("malformed estimate line %q", s)
	}

	x, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return Line{}, fmt.Errorf("bad x in %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Line{}, fmt.Errorf("bad y in %q: %w", s, err)
	}
	return Line{Kind: kind, Point: geom.Point{X: x, Y: y}}, nil
}

// ReadSamples feeds one signed dBm integer per line to handle until r is
// exhausted or ctx is done. Malformed lines are logged and skipped.
func ReadSamples(ctx context.Context, r io.Reader, handle func(rssi int) error) error {
	return scanLines(ctx, r, func(line string) {
		rssi, err := strconv.Atoi(line)
		if err != nil {
			log.Printf("Serial: ignoring sample %q: %v", line, err)
			return
		}
		if err := handle(rssi); err != nil {
			log.Printf("Serial: sample %d: %v", rssi, err)
		}
	})
}

// ReadRecords feeds report records to handle until r is exhausted or ctx is
// done. Failed records are logged and skipped.
func ReadRecords(ctx context.Context, r io.Reader, handle RecordHandler) error {
	return scanLines(ctx, r, func(line string) {
		if err := handle(line); err != nil {
			log.Printf("Input: dropped record %q: %v", line, err)
		}
	})
}

func scanLines(ctx context.Context, r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}
