package serialport

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bladesense/gateway/internal/monitoring"
)

// TimedCommand is one command of a routine with its delay from the start
// of each cycle.
type TimedCommand struct {
	Command string        `json:"command"`
	Delay   time.Duration `json:"-"`
}

// Routine schedules commands onto the node: each cycle sends every
// command after its delay, optionally repeating every Period, optionally
// sending "stop" after StopAfter. Used to script measurement sessions
// without an operator at the base station.
type Routine struct {
	Commands  []TimedCommand
	Period    time.Duration // zero means run one cycle only
	StopAfter time.Duration // zero means never auto-stop

	sender *CommandSender
}

// NewRoutine validates and builds a routine over the given sender.
func NewRoutine(commands []TimedCommand, period, stopAfter time.Duration, sender *CommandSender) (*Routine, error) {
	for _, c := range commands {
		if c.Delay < 0 {
			return nil, fmt.Errorf("command %q has negative delay", c.Command)
		}
		if period > 0 && c.Delay > period {
			return nil, fmt.Errorf("command %q delay %v exceeds period %v", c.Command, c.Delay, period)
		}
	}
	if stopAfter > 0 && period > 0 && stopAfter < period {
		return nil, fmt.Errorf("stop_after %v is shorter than period %v", stopAfter, period)
	}

	sorted := make([]TimedCommand, len(commands))
	copy(sorted, commands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Delay < sorted[j].Delay })

	return &Routine{
		Commands:  sorted,
		Period:    period,
		StopAfter: stopAfter,
		sender:    sender,
	}, nil
}

// Run executes the routine until it completes, StopAfter elapses or the
// context is cancelled. Send failures are logged and the routine keeps
// going; a dropped command must not kill the whole session script.
func (r *Routine) Run(ctx context.Context) error {
	start := time.Now()
	if r.StopAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.StopAfter)
		defer cancel()
		defer func() {
			if err := r.sender.Send("stop"); err != nil {
				monitoring.Logf("routine: failed to send stop: %v", err)
			}
		}()
	}

	for cycle := 0; ; cycle++ {
		cycleStart := start.Add(time.Duration(cycle) * r.Period)
		for _, c := range r.Commands {
			if err := sleepUntil(ctx, cycleStart.Add(c.Delay)); err != nil {
				return nil
			}
			if err := r.sender.Send(c.Command); err != nil {
				monitoring.Logf("routine: %v", err)
			}
		}

		if r.Period == 0 {
			return nil
		}
		if err := sleepUntil(ctx, cycleStart.Add(r.Period)); err != nil {
			return nil
		}
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
