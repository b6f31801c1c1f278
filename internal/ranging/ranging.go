// Package ranging converts raw BLE RSSI samples into smoothed distance
// estimates using a scalar Kalman filter, the log-distance path-loss model and
// an adaptive low-pass filter
package ranging

import (
	"math"
	"sync"
	"time"

	"ble-tracker/internal/sampling"
)

// Params holds the tuned constants of one ranging filter
type Params struct {
	ErrorCovariance   float64 // initial error covariance P0
	ProcessNoise      float64 // Q
	MeasurementNoise  float64 // R
	TxPower           float64 // received power at 1 m in dBm
	EnvironmentFactor float64 // path-loss exponent n
}

// DefaultParams returns the indoor tuning of the deployed anchors
func DefaultParams() Params {
	return Params{
		ErrorCovariance:   1,
		ProcessNoise:      0.005,
		MeasurementNoise:  20,
		TxPower:           -60,
		EnvironmentFactor: 2,
	}
}

// State is the scalar Kalman filter state over the RSSI signal
type State struct {
	Signal           float64
	Covariance       float64
	ProcessNoise     float64
	MeasurementNoise float64
}

// Estimate folds one measurement into the state
func (s *State) Estimate(measurement float64) {
	predicted := s.Covariance + s.ProcessNoise
	gain := predicted / (predicted + s.MeasurementNoise)
	s.Signal += gain * (measurement - s.Signal)
	s.Covariance = (1 - gain) * predicted
}

// ToMeters converts a signal strength in dBm to meters:
// d = 10^((A - RSSI) / (10 * n))
func ToMeters(rssi, txPower, envFactor float64) float64 {
	return math.Pow(10, (txPower-rssi)/(10*envFactor))
}

// FromMeters is the inverse of ToMeters, the RSSI expected at distance meters
func FromMeters(distance, txPower, envFactor float64) float64 {
	return txPower - 10*envFactor*math.Log10(distance)
}

// LowPass is a time-aware low-pass filter over distances. The smoothing factor
// grows with the time since the previous sample and shrinks with distance.
type LowPass struct {
	Previous float64
	timer    *sampling.Timer
	seeded   bool
}

// NewLowPass creates an unseeded low-pass filter on the given clock
func NewLowPass(now func() time.Time) *LowPass {
	return &LowPass{timer: sampling.NewTimer(now)}
}

// Filter folds distance into the filter and returns the smoothed distance
func (l *LowPass) Filter(distance float64) float64 {
	dt := l.timer.Lap()
	if !l.seeded {
		l.Previous = distance
		l.seeded = true
		return l.Previous
	}
	if distance+dt == 0 {
		return l.Previous
	}
	alpha := dt / (distance + dt)
	l.Previous += alpha * (distance - l.Previous)
	return l.Previous
}

// Filter ranges a single anchor. It is not safe for concurrent use.
type Filter struct {
	params  Params
	state   State
	lowPass *LowPass
	started bool
}

// NewFilter creates a ranging filter on the given clock; nil means time.Now
func NewFilter(params Params, now func() time.Time) *Filter {
	return &Filter{params: params, lowPass: NewLowPass(now)}
}

// Update processes one raw RSSI sample in dBm and returns the smoothed
// distance in meters
func (f *Filter) Update(rssi int) float64 {
	if !f.started {
		f.state = State{
			Signal:           float64(rssi),
			Covariance:       f.params.ErrorCovariance,
			ProcessNoise:     f.params.ProcessNoise,
			MeasurementNoise: f.params.MeasurementNoise,
		}
		f.started = true
	}
	f.state.Estimate(float64(rssi))

	distance := ToMeters(f.state.Signal, f.params.TxPower, f.params.EnvironmentFactor)
	return f.lowPass.Filter(distance)
}

// State returns a copy of the Kalman state
func (f *Filter) State() State {
	return f.state
}

// Ranger keeps one ranging filter per anchor, created on the first sample
type Ranger struct {
	params  Params
	now     func() time.Time
	mu      sync.Mutex
	filters map[int]*Filter
}

// NewRanger creates an empty per-anchor ranger
func NewRanger(params Params, now func() time.Time) *Ranger {
	return &Ranger{
		params:  params,
		now:     now,
		filters: make(map[int]*Filter),
	}
}

// Update ranges a raw sample observed for anchorID
func (r *Ranger) Update(anchorID, rssi int) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.filters[anchorID]
	if !ok {
		f = NewFilter(r.params, r.now)
		r.filters[anchorID] = f
	}
	return f.Update(rssi)
}

// Anchors returns the number of anchors with a live filter
func (r *Ranger) Anchors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filters)
}
