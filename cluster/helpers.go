package cluster

import (
	"math/rand"
)

// ViewSummary aggregates the clustered view for an inspector panel:
// species distribution plus size statistics over everything in view.
type ViewSummary struct {
	TotalTrees     int                `json:"totalTrees"`
	NumClusters    int                `json:"numClusters"`
	NumSingleTrees int                `json:"numSingleTrees"`
	HeightStats    SizeStats          `json:"heightStats"`
	DiameterStats  SizeStats          `json:"diameterStats"`
	SpeciesShare   map[string]float64 `json:"speciesShare"`
	DistrictCounts map[string]int     `json:"districtCounts"`
}

type SizeStats struct {
	Min     float32 `json:"min"`
	Max     float32 `json:"max"`
	Average float32 `json:"average"`
}

// SummarizeView computes a ViewSummary from a clustered view. Species
// share is only derivable from single markers (an aggregate does not
// retain per-member species), so it is reported over those.
func SummarizeView(clusters []ClusterNode) ViewSummary {
	summary := ViewSummary{
		SpeciesShare:   make(map[string]float64),
		DistrictCounts: make(map[string]int),
	}
	if len(clusters) == 0 {
		return summary
	}

	var heightSum, diameterSum float64
	var weight float64
	first := true
	speciesCounts := make(map[string]int)
	singles := 0

	for _, c := range clusters {
		if c.Count > 1 {
			summary.NumClusters++
		} else {
			summary.NumSingleTrees++
		}
		summary.TotalTrees += int(c.Count)

		w := float64(c.Count)
		heightSum += float64(c.AvgHeight) * w
		diameterSum += float64(c.AvgDiameter) * w
		weight += w

		if first {
			summary.HeightStats.Min = c.AvgHeight
			summary.HeightStats.Max = c.AvgHeight
			summary.DiameterStats.Min = c.AvgDiameter
			summary.DiameterStats.Max = c.AvgDiameter
			first = false
		} else {
			if c.AvgHeight < summary.HeightStats.Min {
				summary.HeightStats.Min = c.AvgHeight
			}
			if c.AvgHeight > summary.HeightStats.Max {
				summary.HeightStats.Max = c.AvgHeight
			}
			if c.AvgDiameter < summary.DiameterStats.Min {
				summary.DiameterStats.Min = c.AvgDiameter
			}
			if c.AvgDiameter > summary.DiameterStats.Max {
				summary.DiameterStats.Max = c.AvgDiameter
			}
		}

		if c.District != "" {
			summary.DistrictCounts[c.District] += int(c.Count)
		}
		if c.Marker != nil && c.Marker.Species != "" {
			speciesCounts[c.Marker.Species]++
			singles++
		}
	}

	if weight > 0 {
		summary.HeightStats.Average = float32(heightSum / weight)
		summary.DiameterStats.Average = float32(diameterSum / weight)
	}
	for species, count := range speciesCounts {
		summary.SpeciesShare[species] = float64(count) / float64(singles) * 100
	}

	return summary
}

// GenerateTestMarkers creates n styled markers inside a bounding box.
// Deterministic when seeded; used by tests and the preload tool's
// self-check mode.
func GenerateTestMarkers(n int, bounds KDBounds, seed int64) []Marker {
	source := rand.NewSource(seed)
	r := rand.New(source)

	species := []string{"Platanus x hispanica", "Ulmus pumila", "Pinus pinea", "Celtis australis"}
	districts := []string{"01", "02", "03", "04"}

	markers := make([]Marker, n)
	for i := 0; i < n; i++ {
		height := r.Float32() * 25
		diameter := r.Float32() * 80
		markers[i] = Marker{
			Lng:      bounds.MinX + r.Float32()*(bounds.MaxX-bounds.MinX),
			Lat:      bounds.MinY + r.Float32()*(bounds.MaxY-bounds.MinY),
			Radius:   4 + r.Float32()*20,
			Fill:     "#66BB6A",
			Border:   "#388E3C",
			Height:   height,
			Diameter: diameter,
			Species:  species[r.Intn(len(species))],
			District: districts[r.Intn(len(districts))],
		}
	}
	return markers
}
