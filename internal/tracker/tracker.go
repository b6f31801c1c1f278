// Package tracker wires ranging, aggregation and the particle engine into the
// ingestion pipeline of one tracked node
package tracker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/particle"
	"ble-tracker/internal/ranging"
)

// ErrNoLocalAnchor is returned by HandleSample when no local anchor is configured
var ErrNoLocalAnchor = errors.New("no local anchor configured")

// positionTolerance is how far a reported anchor position may drift from the
// configured one before it is logged
const positionTolerance = 0.01

// Estimator runs one estimation cycle without blocking on a busy particle
// set. With snapshot set the result carries the particles the estimate was
// taken from.
type Estimator interface {
	TryCycle(reports []aggregator.Report, snapshot bool) (particle.Result, error)
}

// Estimate is one published position
type Estimate struct {
	Session   string              `json:"session"`
	Cycle     uint64              `json:"cycle"`
	Time      time.Time           `json:"time"`
	Position  geom.Point          `json:"position"`
	Reports   []aggregator.Report `json:"reports,omitempty"`
	Particles []particle.Particle `json:"-"`
}

// Publisher receives every estimate of a completed, non-skipped cycle
type Publisher interface {
	Publish(est Estimate) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(est Estimate) error

func (f PublisherFunc) Publish(est Estimate) error { return f(est) }

// MultiPublisher fans an estimate out to several publishers. Every publisher
// is called; the errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(est Estimate) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(est); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options configures a Tracker
type Options struct {
	LocalAnchor int              // anchor ranged from raw samples, 0 disables HandleSample
	Ranging     ranging.Params   // ranging filter constants for local samples
	Particles   bool             // attach a particle snapshot to every estimate
	Now         func() time.Time // clock, nil means time.Now
}

// Stats counts pipeline events
type Stats struct {
	Reports   uint64 // reports accepted into the buffer
	Rejected  uint64 // invalid reports dropped
	Cycles    uint64 // completed cycles handed to the estimator
	Estimates uint64 // estimates published
	Skipped   uint64 // cycles dropped because the estimator was busy or a newer cycle ran first
	Failed    uint64 // cycles that failed with any other error
}

// Tracker accepts reports from any goroutine and runs one estimation per
// completed cycle
type Tracker struct {
	agg       *aggregator.Aggregator
	estimator Estimator
	publisher Publisher
	ranger    *ranging.Ranger
	local     aggregator.Anchor
	hasLocal  bool
	particles bool
	now       func() time.Time
	session   string
	debug     atomic.Bool

	wg sync.WaitGroup

	// applyMu serializes cycles from estimation to publication; applied is
	// the last cycle handed to the estimator
	applyMu sync.Mutex
	applied uint64

	reports   atomic.Uint64
	rejected  atomic.Uint64
	cycles    atomic.Uint64
	estimates atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a tracker. A nil publisher discards estimates.
func New(agg *aggregator.Aggregator, estimator Estimator, publisher Publisher, opts Options) (*Tracker, error) {
	if agg == nil || estimator == nil {
		return nil, fmt.Errorf("tracker needs an aggregator and an estimator")
	}
	if publisher == nil {
		publisher = PublisherFunc(func(Estimate) error { return nil })
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	t := &Tracker{
		agg:       agg,
		estimator: estimator,
		publisher: publisher,
		particles: opts.Particles,
		now:       now,
		session:   uuid.NewString(),
	}

	if opts.LocalAnchor != 0 {
		a, ok := agg.Anchor(opts.LocalAnchor)
		if !ok {
			return nil, fmt.Errorf("local anchor %d is not configured", opts.LocalAnchor)
		}
		t.local = a
		t.hasLocal = true
		t.ranger = ranging.NewRanger(opts.Ranging, now)
	}
	return t, nil
}

// SetDebug enables per-report debug logging
func (t *Tracker) SetDebug(debug bool) {
	t.debug.Store(debug)
}

// Session returns the id stamped on every estimate of this tracker
func (t *Tracker) Session() string {
	return t.session
}

// HandleRecord parses and stores an "id,distance,pos_x,pos_y" record
func (t *Tracker) HandleRecord(line string) error {
	r, err := aggregator.ParseReport(line)
	if err != nil {
		t.rejected.Add(1)
		return err
	}
	return t.HandleReport(r)
}

// HandleReport stores a report and starts an estimation once every anchor
// has reported
func (t *Tracker) HandleReport(r aggregator.Report) error {
	if a, ok := t.agg.Anchor(r.AnchorID); ok {
		if a.Position.Distance(r.Position) > positionTolerance {
			log.Printf("Tracker: anchor %d reported position %s, using configured %s", r.AnchorID, r.Position, a.Position)
		}
		r.Position = a.Position
	}

	if err := t.agg.Store(r); err != nil {
		t.rejected.Add(1)
		return err
	}
	t.reports.Add(1)
	if t.debug.Load() {
		log.Printf("Tracker: stored %s", r)
	}

	reports, ok := t.agg.Take()
	if !ok {
		return nil
	}
	cycle := t.cycles.Add(1)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.estimate(cycle, reports)
	}()
	return nil
}

// HandleSample ranges a raw RSSI sample observed by the local anchor and
// stores the resulting report
func (t *Tracker) HandleSample(rssi int) error {
	if !t.hasLocal {
		return ErrNoLocalAnchor
	}
	d := t.ranger.Update(t.local.ID, rssi)
	return t.HandleReport(aggregator.Report{
		AnchorID: t.local.ID,
		Distance: d,
		Position: t.local.Position,
	})
}

// estimate runs one cycle. A busy estimator drops the cycle, and so does a
// newer cycle that got there first: the particle set only moves forward.
func (t *Tracker) estimate(cycle uint64, reports []aggregator.Report) {
	if !t.applyMu.TryLock() {
		t.skip(cycle, "previous estimate still running")
		return
	}
	defer t.applyMu.Unlock()

	if cycle <= t.applied {
		t.skip(cycle, fmt.Sprintf("cycle %d already applied", t.applied))
		return
	}
	t.applied = cycle

	res, err := t.estimator.TryCycle(reports, t.particles)
	if errors.Is(err, particle.ErrLockUnavailable) {
		t.skip(cycle, "particle set busy")
		return
	}
	if err != nil {
		t.failed.Add(1)
		log.Printf("Tracker: cycle %d failed: %v", cycle, err)
		return
	}

	est := Estimate{
		Session:   t.session,
		Cycle:     cycle,
		Time:      t.now(),
		Position:  res.Position,
		Reports:   reports,
		Particles: res.Particles,
	}

	t.estimates.Add(1)
	if err := t.publisher.Publish(est); err != nil {
		log.Printf("Tracker: publish cycle %d: %v", cycle, err)
	}
}

func (t *Tracker) skip(cycle uint64, reason string) {
	t.skipped.Add(1)
	if t.debug.Load() {
		log.Printf("Tracker: cycle %d skipped, %s", cycle, reason)
	}
}

// Wait blocks until every in-flight estimation has finished
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Stats returns the pipeline counters
func (t *Tracker) Stats() Stats {
	return Stats{
		Reports:   t.reports.Load(),
		Rejected:  t.rejected.Load(),
		Cycles:    t.cycles.Load(),
		Estimates: t.estimates.Load(),
		Skipped:   t.skipped.Load(),
		Failed:    t.failed.Load(),
	}
}
