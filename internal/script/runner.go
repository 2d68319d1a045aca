package script

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/i8254/internal/i8254"
)

// MismatchError reports a step whose observation differs from its
// expectation.
type MismatchError struct {
	Step int
	Name string
	Kind string
	Want uint16
	Got  uint16
}

func (e *MismatchError) Error() string {
	label := e.Kind
	if e.Name != "" {
		label = fmt.Sprintf("%s %q", e.Kind, e.Name)
	}
	return fmt.Sprintf("step %d (%s): want 0x%04x, got 0x%04x", e.Step, label, e.Want, e.Got)
}

// Observation is what one step saw.
type Observation struct {
	Step  int    `yaml:"step"`
	Kind  string `yaml:"kind"`
	Port  uint16 `yaml:"port,omitempty"`
	Value uint16 `yaml:"value"`
	Tick  uint64 `yaml:"tick"`
}

// Result is the record of a script run.
type Result struct {
	Name         string        `yaml:"name"`
	Ticks        uint64        `yaml:"ticks"`
	Observations []Observation `yaml:"observations"`
	Final        i8254.State   `yaml:"final"`
}

// Runner executes scripts on a chip driven by a manual clock.
type Runner struct {
	Log *slog.Logger
}

// NewRunner creates a runner logging to slog.Default.
func NewRunner() *Runner {
	return &Runner{Log: slog.Default()}
}

// Run replays s against a fresh chip. It stops at the first failed
// expectation, returning the observations made so far with a
// *MismatchError.
func (r *Runner) Run(ctx context.Context, s *Script) (Result, error) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	if err := s.Validate(); err != nil {
		return Result{}, fmt.Errorf("script %q: %w", s.Name, err)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout.Duration())
		defer cancel()
	}

	policy, _ := i8254.ParseTerminalPolicy(s.TerminalPolicy)
	var ticks uint64
	opts := []i8254.Option{i8254.WithTerminalPolicy(policy)}
	if s.PortBase != 0 {
		opts = append(opts, i8254.WithPortBase(s.PortBase))
	}
	chip := i8254.New(func() uint64 { return ticks }, opts...)

	res := Result{Name: s.Name}
	finish := func(err error) (Result, error) {
		res.Ticks = ticks
		res.Final = chip.Snapshot()
		return res, err
	}

	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return finish(fmt.Errorf("script %q: step %d: %w", s.Name, i, err))
		}

		obs := Observation{Step: i, Kind: step.Kind(), Tick: ticks}
		var want *uint16
		switch {
		case step.Out != nil:
			obs.Port = step.Out.Port
			for _, b := range step.Out.bytes() {
				chip.Outb(step.Out.Port, b)
				obs.Value = uint16(b)
			}
		case step.In != nil:
			obs.Port = step.In.Port
			obs.Value = uint16(chip.Inb(step.In.Port))
			want = step.In.Expect
		case step.Read16 != nil:
			obs.Port = step.Read16.Port
			lo := chip.Inb(step.Read16.Port)
			hi := chip.Inb(step.Read16.Port)
			obs.Value = uint16(hi)<<8 | uint16(lo)
			want = step.Read16.Expect
		case step.Advance != 0:
			ticks += step.Advance
			obs.Tick = ticks
		case step.Gate != nil:
			chip.SetGate(step.Gate.Counter, step.Gate.High)
			obs.Value = boolValue(step.Gate.High)
		case step.Latch != nil:
			chip.Outb(chip.PortBase()+i8254.ControlOffset, i8254.LatchWord(*step.Latch))
			obs.Port = chip.PortBase() + i8254.ControlOffset
		case step.ExpectOutput != nil:
			obs.Value = boolValue(chip.Output(step.ExpectOutput.Counter))
			expect := boolValue(step.ExpectOutput.High)
			want = &expect
		}
		res.Observations = append(res.Observations, obs)
		log.Debug("script step", "script", s.Name, "step", i, "kind", obs.Kind, "port", obs.Port, "value", obs.Value, "tick", obs.Tick)

		if want != nil && *want != obs.Value {
			return finish(&MismatchError{Step: i, Name: step.Name, Kind: obs.Kind, Want: *want, Got: obs.Value})
		}
	}
	return finish(nil)
}

func boolValue(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
