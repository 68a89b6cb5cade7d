package gpu

import (
	"testing"
)

func TestParseQueryOutput(t *testing.T) {
	r, err := parseQueryOutput("8192, 16384, 61\n")
	if err != nil {
		t.Fatalf("parseQueryOutput failed: %v", err)
	}
	if r.MemoryUsedMB != 8192 || r.MemoryTotalMB != 16384 || r.TemperatureC != 61 {
		t.Errorf("got %+v", r)
	}
	if r.MemoryFraction() != 0.5 {
		t.Errorf("fraction = %v, want 0.5", r.MemoryFraction())
	}
}

func TestParseQueryOutputMultiGPU(t *testing.T) {
	// First device wins.
	r, err := parseQueryOutput("100, 16384, 40\n16000, 16384, 80\n")
	if err != nil {
		t.Fatalf("parseQueryOutput failed: %v", err)
	}
	if r.MemoryUsedMB != 100 || r.TemperatureC != 40 {
		t.Errorf("got %+v", r)
	}
}

func TestParseQueryOutputErrors(t *testing.T) {
	for _, out := range []string{
		"",
		"garbage",
		"1, 2",
		"[N/A], 16384, 61",
		"a, b, c",
	} {
		if _, err := parseQueryOutput(out); err == nil {
			t.Errorf("parseQueryOutput(%q) succeeded, want error", out)
		}
	}
}

func TestMemoryFractionUnknownTotal(t *testing.T) {
	r := Reading{MemoryUsedMB: 100, MemoryTotalMB: 0}
	if r.MemoryFraction() != 1.0 {
		t.Errorf("fraction = %v, want 1.0 for unknown total", r.MemoryFraction())
	}
}

func TestCountNonEmptyLines(t *testing.T) {
	if n := countNonEmptyLines("123\n456\n\n"); n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
	if n := countNonEmptyLines(""); n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}
