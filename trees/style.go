package trees

import "math"

// SingularDistrictCode marks the curated "singular trees" partition.
// Its markers get a fixed purple style regardless of measurements.
const SingularDistrictCode = "singulares"

// Height thresholds for the three green tiers.
const (
	tallHeight     = 16.0
	veryTallHeight = 19.0
	extremeHeight  = 20.0 // flat radius bonus above this
)

// Green tiers, light to dark, plus the singular purple.
const (
	fillLight  = "#66BB6A"
	lineLight  = "#388E3C"
	fillMid    = "#2E7D32"
	lineMid    = "#1B5E20"
	fillDark   = "#1B5E20"
	lineDark   = "#0D3311"
	fillPurple = "#8E24AA"
	linePurple = "#4A148C"
)

const (
	minRadius      = 4.0
	maxRadius      = 28.0
	singularRadius = 12.0
)

// MarkerStyle is the visual encoding of one tree: a circle radius, a
// coarse size class and a fill/border color pair.
type MarkerStyle struct {
	Radius    float64
	SizeClass string
	Fill      string
	Border    string
}

// EncodeStyle maps a tree's diameter (cm) and height (m) to a marker
// style. The composite size weighs height more heavily than diameter,
// with height scaled to the same order of magnitude; the radius curve is
// piecewise with square-root compression at the top so the largest trees
// do not dominate the map. Color depends only on height.
func EncodeStyle(diameter, height float64) MarkerStyle {
	size := 0.0
	if diameter > 0 {
		size += 0.4 * diameter
	}
	if height > 0 {
		size += 0.6 * height * 10
	}

	var radius float64
	var class string
	switch {
	case size <= 0:
		// No usable measurements: smallest dot, not an error.
		radius, class = minRadius, "min"
	case size < 20:
		radius, class = 4+size*0.1, "small"
	case size < 50:
		radius, class = 6+(size-20)*0.1333, "medium"
	case size < 100:
		radius, class = 10+(size-50)*0.12, "large"
	default:
		over := math.Min(size-100, 200)
		radius = 16 + 10*math.Sqrt(over*0.005)
		if radius > 26 {
			radius = 26
		}
		class = "xlarge"
	}

	if height >= extremeHeight {
		radius += 2
		if radius > maxRadius {
			radius = maxRadius
		}
	}

	fill, border := colorForHeight(height)
	return MarkerStyle{Radius: radius, SizeClass: class, Fill: fill, Border: border}
}

func colorForHeight(height float64) (fill, border string) {
	switch {
	case height >= veryTallHeight:
		return fillDark, lineDark
	case height >= tallHeight:
		return fillMid, lineMid
	default:
		return fillLight, lineLight
	}
}

// SingularStyle is the fixed style of the singular-trees partition.
func SingularStyle() MarkerStyle {
	return MarkerStyle{
		Radius:    singularRadius,
		SizeClass: "singular",
		Fill:      fillPurple,
		Border:    linePurple,
	}
}

// StyleFor applies the partition's style rule: the singular district
// overrides everything, all other districts use the size/color encoding.
func StyleFor(districtCode string, diameter, height float64) MarkerStyle {
	if districtCode == SingularDistrictCode {
		return SingularStyle()
	}
	return EncodeStyle(diameter, height)
}
