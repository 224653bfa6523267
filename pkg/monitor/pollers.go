package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	oerrors "github.com/openpower/optest/errors"
)

// CommandRunner runs a shell command and returns its output lines.
// *console.Console and *host.Host implement it.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string, timeout time.Duration) ([]string, error)
}

// CommandPoller runs a command on its own console every poll. The runner
// must not be shared with the main test.
type CommandPoller struct {
	Label   string
	Runner  CommandRunner
	Command string
	Timeout time.Duration
	// OnOutput receives the output of every successful run
	OnOutput func(lines []string)

	mu   sync.Mutex
	last []string
}

func (p *CommandPoller) Name() string {
	if p.Label != "" {
		return p.Label
	}
	return "command"
}

func (p *CommandPoller) Poll(ctx context.Context) error {
	lines, err := p.Runner.RunCommand(ctx, p.Command, p.Timeout)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.last = lines
	p.mu.Unlock()
	if p.OnOutput != nil {
		p.OnOutput(lines)
	}
	return nil
}

// Last returns the output of the most recent successful run
func (p *CommandPoller) Last() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.last...)
}

// SELSource lists the platform event log. platform.Ops implements it.
type SELSource interface {
	SELList(ctx context.Context) ([]string, error)
}

// SELPoller reports event log entries that appeared since the previous poll
type SELPoller struct {
	Source SELSource
	// OnNew receives entries not seen before, in log order
	OnNew func(entries []string)

	mu   sync.Mutex
	seen map[string]bool
	all  []string
}

func (p *SELPoller) Name() string { return "sel" }

func (p *SELPoller) Poll(ctx context.Context) error {
	entries, err := p.Source.SELList(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	var fresh []string
	for _, e := range entries {
		if !p.seen[e] {
			p.seen[e] = true
			fresh = append(fresh, e)
		}
	}
	p.all = append(p.all, fresh...)
	p.mu.Unlock()

	if len(fresh) > 0 && p.OnNew != nil {
		p.OnNew(fresh)
	}
	return nil
}

// Entries returns every entry seen so far
func (p *SELPoller) Entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.all...)
}

// IPMIRunner runs an ipmitool subcommand. *bmc.IPMITool implements it.
type IPMIRunner interface {
	Run(ctx context.Context, sub ...string) (string, error)
}

// Reading is one sensor line of `ipmitool sdr elist`
type Reading struct {
	Name   string
	Status string
	Value  string
}

// SensorPoller samples the sensor data repository
type SensorPoller struct {
	IPMI IPMIRunner
	// OnSample receives every parsed sample
	OnSample func(readings []Reading)

	mu   sync.Mutex
	last []Reading
}

func (p *SensorPoller) Name() string { return "sensors" }

func (p *SensorPoller) Poll(ctx context.Context) error {
	out, err := p.IPMI.Run(ctx, "sdr", "elist")
	if err != nil {
		return err
	}
	readings, err := ParseSDR(out)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.last = readings
	p.mu.Unlock()
	if p.OnSample != nil {
		p.OnSample(readings)
	}
	return nil
}

// Last returns the most recent sample
func (p *SensorPoller) Last() []Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Reading(nil), p.last...)
}

// ParseSDR parses `sdr elist` lines of the form
// "name | id | status | entity | reading"
func ParseSDR(out string) ([]Reading, error) {
	var readings []Reading
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 5 {
			return nil, oerrors.Newf(oerrors.ErrInvalidInput, "malformed sdr line %q", line)
		}
		readings = append(readings, Reading{
			Name:   strings.TrimSpace(fields[0]),
			Status: strings.TrimSpace(fields[2]),
			Value:  strings.TrimSpace(fields[4]),
		})
	}
	return readings, nil
}
