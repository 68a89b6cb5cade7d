// Package gpu reads point-in-time device health from nvidia-smi.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Reading is a snapshot of device state.
type Reading struct {
	MemoryUsedMB  int
	MemoryTotalMB int
	TemperatureC  int
	ProcessCount  int
}

// MemoryFraction returns used/total, or 1.0 when total is unknown so that
// callers err on the side of treating the device as full.
func (r Reading) MemoryFraction() float64 {
	if r.MemoryTotalMB <= 0 {
		return 1.0
	}
	return float64(r.MemoryUsedMB) / float64(r.MemoryTotalMB)
}

// Probe returns a device reading. A probe failure means the device state is
// unknown, not unhealthy; callers decide how to degrade.
type Probe interface {
	Probe(ctx context.Context) (Reading, error)
}

// SMIProbe shells out to nvidia-smi with CSV output.
type SMIProbe struct {
	path string
}

// NewSMIProbe creates a probe using the given nvidia-smi binary.
func NewSMIProbe(path string) *SMIProbe {
	if path == "" {
		path = "nvidia-smi"
	}
	return &SMIProbe{path: path}
}

func (p *SMIProbe) Probe(ctx context.Context) (Reading, error) {
	out, err := exec.CommandContext(ctx, p.path,
		"--query-gpu=memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return Reading{}, fmt.Errorf("nvidia-smi query failed: %w", err)
	}

	reading, err := parseQueryOutput(string(out))
	if err != nil {
		return Reading{}, err
	}

	// Process count comes from a second query; its failure is tolerable.
	procs, err := exec.CommandContext(ctx, p.path,
		"--query-compute-apps=pid",
		"--format=csv,noheader",
	).Output()
	if err == nil {
		reading.ProcessCount = countNonEmptyLines(string(procs))
	}

	return reading, nil
}

// parseQueryOutput parses one line of "used, total, temp" CSV. Multi-GPU
// hosts report several lines; the first device is the one we drive.
func parseQueryOutput(out string) (Reading, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return Reading{}, fmt.Errorf("nvidia-smi returned no devices")
	}

	fields := strings.Split(lines[0], ",")
	if len(fields) != 3 {
		return Reading{}, fmt.Errorf("unexpected nvidia-smi output: %q", lines[0])
	}

	var r Reading
	var err error
	if r.MemoryUsedMB, err = parseField(fields[0]); err != nil {
		return Reading{}, fmt.Errorf("bad memory.used: %w", err)
	}
	if r.MemoryTotalMB, err = parseField(fields[1]); err != nil {
		return Reading{}, fmt.Errorf("bad memory.total: %w", err)
	}
	if r.TemperatureC, err = parseField(fields[2]); err != nil {
		return Reading{}, fmt.Errorf("bad temperature.gpu: %w", err)
	}
	return r, nil
}

func parseField(s string) (int, error) {
	s = strings.TrimSpace(s)
	// Some drivers report "[N/A]" for fields they cannot read.
	if s == "" || strings.HasPrefix(s, "[") {
		return 0, fmt.Errorf("value unavailable: %q", s)
	}
	return strconv.Atoi(s)
}

func countNonEmptyLines(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
