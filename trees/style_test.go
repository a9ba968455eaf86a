package trees

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEncodeStyleRadius(t *testing.T) {
	tests := []struct {
		name     string
		diameter float64
		height   float64
		radius   float64
		class    string
	}{
		{"no measurements", 0, 0, 4, "min"},
		{"negative measurements", -5, -1, 4, "min"},
		{"small tree", 10, 0, 4.4, "small"},
		{"small segment boundary", 50, 0, 6, "medium"},
		{"medium segment boundary", 125, 0, 10, "large"},
		{"large segment boundary", 250, 0, 16, "xlarge"},
		{"sqrt compression", 300, 15, 16 + 10*math.Sqrt(110*0.005), "xlarge"},
		{"sqrt cap", 1000, 15, 26, "xlarge"},
	}

	for _, tt := range tests {
		got := EncodeStyle(tt.diameter, tt.height)
		if !almostEqual(got.Radius, tt.radius) {
			t.Errorf("%s: expected radius %v, got %v", tt.name, tt.radius, got.Radius)
		}
		if got.SizeClass != tt.class {
			t.Errorf("%s: expected class %q, got %q", tt.name, tt.class, got.SizeClass)
		}
	}
}

func TestEncodeStyleHeightBonus(t *testing.T) {
	// height 20 alone puts size at 120, base radius 16+10*sqrt(0.1)
	base := 16 + 10*math.Sqrt(20*0.005)
	got := EncodeStyle(0, 20)
	if !almostEqual(got.Radius, base+2) {
		t.Errorf("Expected radius %v, got %v", base+2, got.Radius)
	}

	// just under the threshold gets no bonus
	got = EncodeStyle(0, 19.99)
	if got.Radius >= base+2 {
		t.Errorf("Expected no height bonus below 20m, got radius %v", got.Radius)
	}

	// the bonus never pushes past the cap
	got = EncodeStyle(1000, 30)
	if !almostEqual(got.Radius, 28) {
		t.Errorf("Expected capped radius 28, got %v", got.Radius)
	}
}

func TestEncodeStyleColors(t *testing.T) {
	tests := []struct {
		height float64
		fill   string
		border string
	}{
		{0, "#66BB6A", "#388E3C"},
		{15.9, "#66BB6A", "#388E3C"},
		{16, "#2E7D32", "#1B5E20"},
		{18.9, "#2E7D32", "#1B5E20"},
		{19, "#1B5E20", "#0D3311"},
		{30, "#1B5E20", "#0D3311"},
	}

	for _, tt := range tests {
		got := EncodeStyle(100, tt.height)
		if got.Fill != tt.fill || got.Border != tt.border {
			t.Errorf("height %v: expected %s/%s, got %s/%s",
				tt.height, tt.fill, tt.border, got.Fill, got.Border)
		}
	}
}

func TestStyleForSingularOverride(t *testing.T) {
	// Measurements are ignored entirely for the singular partition
	got := StyleFor(SingularDistrictCode, 500, 30)
	if got.Radius != 12 {
		t.Errorf("Expected singular radius 12, got %v", got.Radius)
	}
	if got.SizeClass != "singular" {
		t.Errorf("Expected class singular, got %q", got.SizeClass)
	}
	if got.Fill != "#8E24AA" || got.Border != "#4A148C" {
		t.Errorf("Expected purple fill/border, got %s/%s", got.Fill, got.Border)
	}

	// Any other code goes through the size encoding
	normal := StyleFor("01", 500, 30)
	if normal.SizeClass == "singular" {
		t.Errorf("Non-singular district should not get the singular style")
	}
	if normal != EncodeStyle(500, 30) {
		t.Errorf("Expected StyleFor to match EncodeStyle for regular districts")
	}
}
