// Package gps resolves the geographic origin of the tracking area from an
// NMEA receiver, a gpsd daemon or fixed coordinates
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/stratoberry/go-gpsd"
	"go.bug.st/serial"

	"ble-tracker/internal/config"
)

// Position is a geographic fix
type Position struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Timestamp  time.Time
	FixQuality int
	Satellites int
}

// Valid reports whether the position comes from a usable fix
func (p Position) Valid() bool {
	return p.FixQuality > 0
}

var fixQualityNames = map[int]string{
	0: "Invalid",
	1: "GPS fix (SPS)",
	2: "DGPS fix",
	3: "PPS fix",
	4: "Real Time Kinematic",
	5: "Float RTK",
	6: "estimated (dead reckoning)",
	7: "Manual input mode",
	8: "Simulation mode",
}

// FixQualityString names a GGA fix quality
func FixQualityString(quality int) string {
	if s, ok := fixQualityNames[quality]; ok {
		return s
	}
	return "Unknown"
}

// Source delivers fixes
type Source interface {
	Start() error
	WaitForFix(ctx context.Context) (Position, error)
	Close() error
}

// fixState is the latest fix shared between the reader and waiters
type fixState struct {
	mu       sync.RWMutex
	position Position
	fixChan  chan Position
}

func (f *fixState) update(pos Position) {
	f.mu.Lock()
	f.position = pos
	f.mu.Unlock()

	select {
	case f.fixChan <- pos:
	default:
	}
}

func (f *fixState) current() Position {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.position
}

func (f *fixState) wait(ctx context.Context) (Position, error) {
	if pos := f.current(); pos.Valid() {
		return pos, nil
	}
	for {
		select {
		case pos := <-f.fixChan:
			if pos.Valid() {
				return pos, nil
			}
		case <-ctx.Done():
			return Position{}, fmt.Errorf("waiting for GPS fix: %w", ctx.Err())
		}
	}
}

// NMEAReader parses GGA/RMC sentences from a serial stream
type NMEAReader struct {
	fixState
	r     io.ReadCloser
	debug bool
	done  chan struct{}
}

// OpenNMEA opens an NMEA receiver on a serial port
func OpenNMEA(portName string, baudRate int) (*NMEAReader, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS port %s: %w", portName, err)
	}
	return NewNMEAReader(port), nil
}

// NewNMEAReader reads NMEA sentences from r
func NewNMEAReader(r io.ReadCloser) *NMEAReader {
	return &NMEAReader{fixState: fixState{fixChan: make(chan Position, 10)}, r: r, done: make(chan struct{})}
}

// SetDebug enables logging of every sentence
func (n *NMEAReader) SetDebug(debug bool) {
	n.debug = debug
}

// Start launches the read loop
func (n *NMEAReader) Start() error {
	go n.readLoop()
	return nil
}

// Done is closed when the stream ends
func (n *NMEAReader) Done() <-chan struct{} {
	return n.done
}

func (n *NMEAReader) readLoop() {
	defer close(n.done)
	scanner := bufio.NewScanner(n.r)
	for scanner.Scan() {
		n.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Printf("GPS: Scanner error: %v", err)
	}
}

func (n *NMEAReader) handleLine(line string) {
	if len(line) == 0 || line[0] != '$' {
		return
	}
	// binary UBX traffic shares the port on u-blox receivers
	for _, r := range line {
		if r < 32 || r > 126 {
			return
		}
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		if n.debug {
			log.Printf("GPS: NMEA parse error: %v (line: %s)", err, line)
		}
		return
	}

	switch s := sentence.(type) {
	case nmea.GGA:
		n.processGGA(s)
	case nmea.RMC:
		n.processRMC(s)
	default:
		if n.debug {
			log.Printf("GPS: ignoring %T", s)
		}
	}
}

func (n *NMEAReader) processGGA(s nmea.GGA) {
	quality := 0
	switch s.FixQuality {
	case nmea.GPS:
		quality = 1
	case nmea.DGPS:
		quality = 2
	case nmea.PPS:
		quality = 3
	case nmea.RTK:
		quality = 4
	case nmea.FRTK:
		quality = 5
	case nmea.Manual:
		quality = 7
	}
	if quality == 0 {
		return
	}

	pos := Position{
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Altitude:   s.Altitude,
		Timestamp:  time.Now(),
		FixQuality: quality,
		Satellites: int(s.NumSatellites),
	}
	if n.debug {
		log.Printf("GPS: fix %.6f, %.6f (%s, %d satellites)", pos.Latitude, pos.Longitude, FixQualityString(quality), pos.Satellites)
	}
	n.update(pos)
}

// processRMC refreshes the coordinates of an existing fix; RMC carries no
// altitude or fix quality
func (n *NMEAReader) processRMC(s nmea.RMC) {
	if s.Validity != "A" {
		return
	}
	current := n.current()
	if !current.Valid() {
		return
	}
	current.Latitude = s.Latitude
	current.Longitude = s.Longitude
	current.Timestamp = time.Now()
	n.mu.Lock()
	n.position = current
	n.mu.Unlock()
}

// WaitForFix blocks until a valid fix arrives or ctx is done
func (n *NMEAReader) WaitForFix(ctx context.Context) (Position, error) {
	return n.wait(ctx)
}

// Close closes the underlying port
func (n *NMEAReader) Close() error {
	return n.r.Close()
}

// GPSDClient receives fixes from a gpsd daemon
type GPSDClient struct {
	fixState
	address    string
	session    *gpsd.Session
	satellites int
}

// NewGPSDClient creates a client for gpsd at host:port
func NewGPSDClient(host, port string) *GPSDClient {
	return &GPSDClient{fixState: fixState{fixChan: make(chan Position, 10)}, address: fmt.Sprintf("%s:%s", host, port)}
}

// Start connects to gpsd and watches TPV and SKY reports
func (g *GPSDClient) Start() error {
	session, err := gpsd.Dial(g.address)
	if err != nil {
		return fmt.Errorf("failed to connect to gpsd at %s: %w", g.address, err)
	}
	g.session = session
	session.AddFilter("TPV", g.handleTPV)
	session.AddFilter("SKY", g.handleSKY)
	session.Watch()
	return nil
}

func (g *GPSDClient) handleTPV(r interface{}) {
	tpv, ok := r.(*gpsd.TPVReport)
	if !ok {
		return
	}
	// modes 2 and 3 are 2D and 3D fixes
	if tpv.Mode < 2 || (tpv.Lat == 0 && tpv.Lon == 0) {
		return
	}

	g.mu.RLock()
	sats := g.satellites
	g.mu.RUnlock()

	g.update(Position{
		Latitude:   tpv.Lat,
		Longitude:  tpv.Lon,
		Altitude:   tpv.Alt,
		Timestamp:  tpv.Time,
		FixQuality: 1,
		Satellites: sats,
	})
}

func (g *GPSDClient) handleSKY(r interface{}) {
	sky, ok := r.(*gpsd.SKYReport)
	if !ok {
		return
	}
	g.mu.Lock()
	g.satellites = len(sky.Satellites)
	if g.position.Valid() {
		g.position.Satellites = g.satellites
	}
	g.mu.Unlock()
}

// WaitForFix blocks until a valid fix arrives or ctx is done
func (g *GPSDClient) WaitForFix(ctx context.Context) (Position, error) {
	return g.wait(ctx)
}

// Close ends the gpsd session
func (g *GPSDClient) Close() error {
	if g.session != nil {
		g.session.Close()
	}
	return nil
}

// ResolveOrigin returns the position of the area origin for the configured
// site mode. Hardware modes wait up to cfg.Timeout for a fix.
func ResolveOrigin(ctx context.Context, cfg config.SiteConfig) (Position, error) {
	var src Source
	switch cfg.Mode {
	case "manual":
		return Position{
			Latitude:   cfg.Latitude,
			Longitude:  cfg.Longitude,
			Altitude:   cfg.Altitude,
			Timestamp:  time.Now(),
			FixQuality: 7,
		}, nil
	case "nmea":
		reader, err := OpenNMEA(cfg.Port, cfg.BaudRate)
		if err != nil {
			return Position{}, err
		}
		src = reader
	case "gpsd":
		src = NewGPSDClient(cfg.GPSDHost, cfg.GPSDPort)
	default:
		return Position{}, fmt.Errorf("invalid site mode: %s (must be 'nmea', 'gpsd', or 'manual')", cfg.Mode)
	}
	defer src.Close()

	if err := src.Start(); err != nil {
		return Position{}, err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	log.Printf("GPS: waiting for fix via %s", cfg.Mode)
	return src.WaitForFix(ctx)
}
