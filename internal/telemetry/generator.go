// Package telemetry produces synthetic sensor readings and encodes them
// into transport-ready messages.
//
// A [Generator] yields an endless sequence of [Reading] values whose
// temperature and humidity are drawn uniformly from configured
// intervals. An [Encoder] turns each reading into an [EncodedMessage]:
// a JSON payload plus string properties a broker can filter on without
// parsing the body (notably temperatureAlert).
package telemetry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Reading is a single synthetic sensor sample. It is a value type and
// is never modified after the generator returns it.
type Reading struct {
	Temperature float64
	Humidity    float64
	Timestamp   time.Time
}

// GeneratorOptions shapes the readings. Each value is drawn from
// [Base, Base+Range).
type GeneratorOptions struct {
	BaseTemp      float64
	TempRange     float64
	BaseHumidity  float64
	HumidityRange float64

	// Seed fixes the random sequence. Zero seeds from the runtime's
	// random source.
	Seed uint64

	// Now supplies reading timestamps. Defaults to [time.Now].
	Now func() time.Time
}

// DefaultGeneratorOptions returns the classic sample ranges: 20-35 °C
// and 60-80 % relative humidity.
func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		BaseTemp:      20,
		TempRange:     15,
		BaseHumidity:  60,
		HumidityRange: 20,
	}
}

// Generator produces readings. It is not safe for concurrent use; the
// publisher loop owns it.
type Generator struct {
	opts GeneratorOptions
	rng  *rand.Rand
	now  func() time.Time
}

// NewGenerator creates a Generator. The sequence is lazy and infinite;
// there is no way to restart it other than creating a new Generator
// with the same seed.
func NewGenerator(opts GeneratorOptions) *Generator {
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		opts: opts,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:  now,
	}
}

// Next returns the next reading.
func (g *Generator) Next() Reading {
	return Reading{
		Temperature: g.draw(g.opts.BaseTemp, g.opts.TempRange),
		Humidity:    g.draw(g.opts.BaseHumidity, g.opts.HumidityRange),
		Timestamp:   g.now(),
	}
}

// draw returns a value in [base, base+span). Rounding in the addition
// can land exactly on the upper bound, so that case steps back by one
// ulp to keep the interval half-open.
func (g *Generator) draw(base, span float64) float64 {
	v := base + g.rng.Float64()*span
	if span > 0 && v >= base+span {
		v = math.Nextafter(base+span, base)
	}
	return v
}
