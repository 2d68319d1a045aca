// Package sweep checks the chip's guest-visible invariants exhaustively,
// one property per worker.
package sweep

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/i8254/internal/i8254"
)

// maxFailures bounds the failures kept per property.
const maxFailures = 16

// Failure is one counterexample.
type Failure struct {
	Property string `yaml:"property"`
	Input    uint32 `yaml:"input"`
	Detail   string `yaml:"detail"`
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: input 0x%04x: %s", f.Property, f.Input, f.Detail)
}

// Report is the outcome of one property.
type Report struct {
	Property string    `yaml:"property"`
	Checked  int       `yaml:"checked"`
	Failures []Failure `yaml:"failures,omitempty"`
	// Truncated is set when more failures were found than kept.
	Truncated bool `yaml:"truncated,omitempty"`
}

// Passed reports whether the property held for every input.
func (r Report) Passed() bool { return len(r.Failures) == 0 }

// Options selects what to sweep.
type Options struct {
	PortBase uint16
	Policy   i8254.TerminalPolicy
	// Workers bounds the properties checked at once. Zero means GOMAXPROCS.
	Workers int
	// Properties names the properties to run. Empty means all of them.
	Properties []string
}

func (o Options) normalize() Options {
	if o.PortBase == 0 {
		o.PortBase = i8254.DefaultPortBase
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if len(o.Properties) == 0 {
		o.Properties = Names()
	}
	return o
}

// recorder collects failures for one property.
type recorder struct {
	name    string
	checked int
	report  Report
	step    func(int)
	pending int
}

func (r *recorder) check(input uint32, ok bool, format string, args ...any) {
	r.checked++
	r.pending++
	if r.pending == 1024 {
		r.step(r.pending)
		r.pending = 0
	}
	if ok {
		return
	}
	if len(r.report.Failures) >= maxFailures {
		r.report.Truncated = true
		return
	}
	r.report.Failures = append(r.report.Failures, Failure{
		Property: r.name,
		Input:    input,
		Detail:   fmt.Sprintf(format, args...),
	})
}

func (r *recorder) flush() {
	if r.pending > 0 {
		r.step(r.pending)
		r.pending = 0
	}
}

type property struct {
	name  string
	total int
	run   func(ctx context.Context, o Options, r *recorder) error
}

var properties = []property{
	{"latch", binaryRange + bcdRange, latchRoundTrip},
	{"byteorder", 3 * binaryRange, byteOrder},
	{"periodic", 2 * 2 * binaryRange, periodicity},
	{"bcd", bcdRange, bcdBoundary},
	{"gate", 2 * binaryRange, gateFreeze},
	{"isolation", 2 * binaryRange, latchIsolation},
	{"ports", binaryRange, portClaim},
}

func lookup(name string) (property, bool) {
	for _, p := range properties {
		if p.name == name {
			return p, true
		}
	}
	return property{}, false
}

// Names lists the available properties.
func Names() []string {
	names := make([]string, len(properties))
	for i, p := range properties {
		names[i] = p.name
	}
	return names
}

// Total returns the number of checks Run will make for o.
func Total(o Options) (int, error) {
	o = o.normalize()
	total := 0
	for _, name := range o.Properties {
		p, ok := lookup(name)
		if !ok {
			return 0, fmt.Errorf("sweep: unknown property %q", name)
		}
		total += p.total
	}
	return total, nil
}

// Run checks the selected properties in parallel. progress, if set, is
// called with the number of checks finished since its last call; calls are
// serialised. Reports come back in property order.
func Run(ctx context.Context, o Options, progress func(n int)) ([]Report, error) {
	o = o.normalize()
	if _, err := Total(o); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	step := func(n int) {
		if progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		progress(n)
	}

	reports := make([]Report, len(o.Properties))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Workers)
	for i, name := range o.Properties {
		p, _ := lookup(name)
		g.Go(func() error {
			r := &recorder{name: p.name, report: Report{Property: p.name}, step: step}
			if err := p.run(ctx, o, r); err != nil {
				return fmt.Errorf("sweep: %s: %w", p.name, err)
			}
			r.flush()
			r.report.Checked = r.checked
			reports[i] = r.report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Failures flattens the failures of reports, ordered by property then input.
func Failures(reports []Report) []Failure {
	var out []Failure
	for _, r := range reports {
		out = append(out, r.Failures...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Property != out[j].Property {
			return out[i].Property < out[j].Property
		}
		return out[i].Input < out[j].Input
	})
	return out
}
