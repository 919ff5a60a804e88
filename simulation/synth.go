package simulation

import (
	"math"
	"math/rand"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Synthesizer produces the next synthetic record. The fallback calls it
// from a single goroutine.
type Synthesizer interface {
	Next(now time.Time) (telemetry.Record, error)
}

// Home is the trajectory centre in decimal degrees.
type Home struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// DefaultHome is the field the team flies from.
var DefaultHome = Home{Latitude: -5.3584, Longitude: 105.3117}

// Trajectory defaults
const (
	DefaultRadius = 0.0015 // degrees
	DefaultPeriod = 2 * time.Minute

	batteryFull  = 16.8
	batteryEmpty = 13.2
	batteryDrain = 0.002 // volts per sample

	metersPerDegree = 111320.0
)

// Trajectory flies a circle around Home while the battery drains and the
// radio link weakens with distance from a ground station on the circle's
// southern edge.
type Trajectory struct {
	home   Home
	radius float64
	period time.Duration
	rng    *rand.Rand

	start      time.Time
	voltage    float64
	satellites int
}

// NewTrajectory creates a synthesizer. Zero radius or period use the
// defaults; seed makes the noise reproducible.
func NewTrajectory(home Home, radius float64, period time.Duration, seed int64) *Trajectory {
	if radius <= 0 {
		radius = DefaultRadius
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Trajectory{
		home:       home,
		radius:     radius,
		period:     period,
		rng:        rand.New(rand.NewSource(seed)),
		voltage:    batteryFull,
		satellites: 10,
	}
}

// Next implements Synthesizer.
func (t *Trajectory) Next(now time.Time) (telemetry.Record, error) {
	if t.start.IsZero() {
		t.start = now
	}
	angle := 2 * math.Pi * float64(now.Sub(t.start)) / float64(t.period)

	lat := t.home.Latitude + t.radius*math.Sin(angle)
	lng := t.home.Longitude + t.radius*math.Cos(angle)
	alt := 50 + 10*math.Sin(2*angle)

	// battery swap when empty
	t.voltage -= batteryDrain
	if t.voltage < batteryEmpty {
		t.voltage = batteryFull
	}

	current := 2.0 + 0.05*(alt-50) + t.noise(0.1)
	if current < 0 {
		current = 0
	}

	dist := t.distanceToStation(lat, lng)
	rssi := clamp(-40-0.1*dist+t.noise(2), -127, 0)

	t.satellites += t.rng.Intn(3) - 1
	t.satellites = int(clamp(float64(t.satellites), 8, 14))

	circumference := 2 * math.Pi * t.radius * metersPerDegree
	speed := circumference / t.period.Seconds() * 3.6

	return telemetry.Record{
		Voltage:        telemetry.Ptr(round(t.voltage, 2)),
		Current:        telemetry.Ptr(round(current, 2)),
		Power:          telemetry.Ptr(round(t.voltage*current, 2)),
		Temperature:    telemetry.Ptr(round(30+t.noise(1), 1)),
		Humidity:       telemetry.Ptr(round(clamp(60+t.noise(3), 0, 100), 1)),
		Latitude:       telemetry.Ptr(lat),
		Longitude:      telemetry.Ptr(lng),
		Altitude:       telemetry.Ptr(round(alt, 1)),
		Speed:          telemetry.Ptr(round(speed, 1)),
		SignalStrength: telemetry.Ptr(math.Round(rssi)),
		Satellites:     telemetry.Ptr(t.satellites),
		RelayOn:        telemetry.Ptr(true),
		Emergency:      telemetry.Ptr(telemetry.EmergencyNormal),
	}, nil
}

// distanceToStation returns metres from the ground station.
func (t *Trajectory) distanceToStation(lat, lng float64) float64 {
	stationLat := t.home.Latitude - t.radius
	dy := (lat - stationLat) * metersPerDegree
	dx := (lng - t.home.Longitude) * metersPerDegree * math.Cos(t.home.Latitude*math.Pi/180)
	return math.Hypot(dx, dy)
}

// noise is uniform in [-amp, amp].
func (t *Trajectory) noise(amp float64) float64 {
	return (t.rng.Float64()*2 - 1) * amp
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
