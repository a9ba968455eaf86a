package cluster

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Marker is one render-ready tree: a position, a frozen visual style and
// the attributes resolved from the source record. Markers are immutable
// once handed to the TreeCluster; only clustering state changes afterwards.
type Marker struct {
	ID           uint32
	Lng, Lat     float32
	Radius       float32
	Fill         string
	Border       string
	SizeClass    string
	Species      string
	CommonName   string
	Diameter     float32
	Height       float32
	District     string
	Neighborhood string
}

type KDNode struct {
	PointIdx int32 // index into points array
	Left     int32 // index into nodes array
	Right    int32 // index into nodes array
	Axis     uint8 // 0 or 1 is sufficient
	MinChild uint32
	MaxChild uint32
}

// KDPoint is the tree-internal view of a marker: a position plus an index
// into the marker slice, so the KD structure stays fixed-width.
type KDPoint struct {
	X, Y      float32
	ID        uint32
	NumPoints uint32
	MarkerIdx uint32
}

type KDTree struct {
	Nodes    []KDNode
	Points   []KDPoint
	NodeSize int
	Bounds   KDBounds
}

// ClusterNode is one entry of a zoom-level view: either an aggregate of
// several markers or a single marker passed through with its style.
type ClusterNode struct {
	ID          uint32
	Lng, Lat    float32
	Count       uint32
	AvgRadius   float32
	AvgHeight   float32
	AvgDiameter float32
	District    string  // set only when shared by every member
	Marker      *Marker // set for single-marker nodes
}

// TreeCluster is the spatial-clustering render sink. The district loader
// hands it batches of markers; map clients query it by bounds and zoom.
type TreeCluster struct {
	mu      sync.RWMutex
	Tree    *KDTree
	Markers []Marker
	Options TreeClusterOptions

	LoadedDistricts []string // district codes carried through snapshots
	nextID          uint32
}

type TreeClusterOptions struct {
	MinZoom   int
	MaxZoom   int
	MinPoints int
	Radius    float64
	NodeSize  int
	Extent    int
	Log       bool
}

// GeoJSON types
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// NewTreeCluster creates an empty clustering sink with the specified
// options. It validates and sets default values for the options if not
// provided.
func NewTreeCluster(options TreeClusterOptions) *TreeCluster {
	if options.MinZoom < 0 {
		options.MinZoom = 0
	}
	if options.MaxZoom <= 0 {
		options.MaxZoom = 16
	}
	if options.NodeSize <= 0 {
		options.NodeSize = 64
	}
	if options.Extent <= 0 {
		options.Extent = 512
	}
	if options.Radius <= 0 {
		options.Radius = 40
	}
	if options.MinPoints <= 0 {
		options.MinPoints = 3
	}
	if options.MinZoom > options.MaxZoom {
		options.MinZoom = options.MaxZoom
	}
	if options.MaxZoom > 16 {
		options.MaxZoom = 16
	}

	return &TreeCluster{Options: options}
}

// AddBatch appends a batch of markers to the index. The first batch builds
// the KD-tree; later batches insert into the existing structure. IDs are
// assigned here: the sink owns markers once they are handed over.
func (tc *TreeCluster) AddBatch(markers []Marker) {
	if len(markers) == 0 {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	kdPoints := make([]KDPoint, len(markers))
	base := uint32(len(tc.Markers))
	for i := range markers {
		tc.nextID++
		markers[i].ID = tc.nextID
		kdPoints[i] = KDPoint{
			X:         markers[i].Lng,
			Y:         markers[i].Lat,
			ID:        markers[i].ID,
			NumPoints: 1,
			MarkerIdx: base + uint32(i),
		}
	}
	tc.Markers = append(tc.Markers, markers...)

	if tc.Tree == nil {
		tc.Tree = NewKDTree(kdPoints, tc.Options.NodeSize)
		return
	}
	for _, p := range kdPoints {
		tc.Tree.Insert(p)
	}
}

// Add inserts a single marker.
func (tc *TreeCluster) Add(m Marker) {
	tc.AddBatch([]Marker{m})
}

// Count reports how many markers the sink currently holds.
func (tc *TreeCluster) Count() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.Markers)
}

// Cleanup releases memory held by the index.
func (tc *TreeCluster) Cleanup() {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	tc.Tree = nil
	tc.Markers = nil
	tc.LoadedDistricts = nil
	tc.mu.Unlock()

	runtime.GC()
	debug.FreeOSMemory()
}

func NewKDTree(points []KDPoint, nodeSize int) *KDTree {
	maxNodes := len(points) * 2 // Worst case for a binary tree
	tree := &KDTree{
		Nodes:    make([]KDNode, 0, maxNodes),
		Points:   make([]KDPoint, len(points)),
		NodeSize: nodeSize,
	}

	// Copy points to avoid modifying input
	copy(tree.Points, points)

	bounds := KDBounds{
		MinX: float32(math.Inf(1)),
		MinY: float32(math.Inf(1)),
		MaxX: float32(math.Inf(-1)),
		MaxY: float32(math.Inf(-1)),
	}
	for _, p := range points {
		bounds.Extend(p.X, p.Y)
	}
	tree.Bounds = bounds

	if len(points) > 0 {
		tree.buildNodes(0, len(points)-1, 0)
	}

	return tree
}

func (t *KDTree) buildNodes(start, end, depth int) int32 {
	if start > end {
		return -1
	}

	nodeIdx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, KDNode{})
	node := &t.Nodes[nodeIdx]

	if end-start <= t.NodeSize {
		node.PointIdx = int32(start)
		node.Left = -1
		node.Right = -1
		setMinMaxChild(node, t.Points[start:end+1])
		return nodeIdx
	}

	axis := depth % 2
	median := (start + end) / 2

	sortPointsRange(t.Points[start:end+1], axis)

	node.PointIdx = int32(median)
	node.Axis = uint8(axis)

	node.Left = t.buildNodes(start, median-1, depth+1)
	node.Right = t.buildNodes(median+1, end, depth+1)

	setMinMaxChild(node, t.Points[start:end+1])
	return nodeIdx
}

func setMinMaxChild(node *KDNode, points []KDPoint) {
	node.MinChild = points[0].ID
	node.MaxChild = points[0].ID
	for _, p := range points[1:] {
		if p.ID < node.MinChild {
			node.MinChild = p.ID
		}
		if p.ID > node.MaxChild {
			node.MaxChild = p.ID
		}
	}
}

func sortPointsRange(points []KDPoint, axis int) {
	if axis == 0 {
		sort.Slice(points, func(i, j int) bool {
			return points[i].X < points[j].X
		})
	} else {
		sort.Slice(points, func(i, j int) bool {
			return points[i].Y < points[j].Y
		})
	}
}

// Insert adds a new point to an existing KDTree
func (t *KDTree) Insert(point KDPoint) {
	if len(t.Nodes) == 0 {
		t.Nodes = append(t.Nodes, KDNode{
			PointIdx: 0,
			Left:     -1,
			Right:    -1,
			Axis:     0,
			MinChild: point.ID,
			MaxChild: point.ID,
		})
		t.Points = append(t.Points, point)
		return
	}

	t.Bounds.Extend(point.X, point.Y)

	pointIdx := int32(len(t.Points))
	t.Points = append(t.Points, point)

	t.insertNode(0, pointIdx, 0)
}

func (t *KDTree) insertNode(nodeIdx int32, pointIdx int32, depth int) {
	if nodeIdx < 0 || int(nodeIdx) >= len(t.Nodes) {
		return
	}

	node := &t.Nodes[nodeIdx]
	newPoint := t.Points[pointIdx]

	if newPoint.ID < node.MinChild {
		node.MinChild = newPoint.ID
	}
	if newPoint.ID > node.MaxChild {
		node.MaxChild = newPoint.ID
	}

	axis := depth % 2

	var compareVal, nodeVal float32
	if axis == 0 {
		compareVal = newPoint.X
		nodeVal = t.Points[node.PointIdx].X
	} else {
		compareVal = newPoint.Y
		nodeVal = t.Points[node.PointIdx].Y
	}

	if compareVal < nodeVal {
		if node.Left == -1 {
			newNodeIdx := int32(len(t.Nodes))
			t.Nodes = append(t.Nodes, KDNode{
				PointIdx: pointIdx,
				Left:     -1,
				Right:    -1,
				Axis:     uint8((axis + 1) % 2),
				MinChild: newPoint.ID,
				MaxChild: newPoint.ID,
			})
			node.Left = newNodeIdx
		} else {
			t.insertNode(node.Left, pointIdx, depth+1)
		}
	} else {
		if node.Right == -1 {
			newNodeIdx := int32(len(t.Nodes))
			t.Nodes = append(t.Nodes, KDNode{
				PointIdx: pointIdx,
				Left:     -1,
				Right:    -1,
				Axis:     uint8((axis + 1) % 2),
				MinChild: newPoint.ID,
				MaxChild: newPoint.ID,
			})
			node.Right = newNodeIdx
		} else {
			t.insertNode(node.Right, pointIdx, depth+1)
		}
	}
}

// GetClusters returns the clustered view for the given bounds and zoom
// level. Single markers keep their frozen style; aggregates carry the
// weighted centroid, the averaged radius and whatever attributes every
// member shares.
func (tc *TreeCluster) GetClusters(bounds KDBounds, zoom int) []ClusterNode {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if tc.Tree == nil {
		return nil
	}
	if tc.Options.Log {
		fmt.Printf("Getting clusters for zoom %d over %d markers\n", zoom, len(tc.Tree.Points))
	}

	// Project bounds to tile space for current zoom level
	minP := tc.projectFast(bounds.MinX, bounds.MaxY, zoom)
	maxP := tc.projectFast(bounds.MaxX, bounds.MinY, zoom)

	var points []KDPoint
	for _, p := range tc.Tree.Points {
		proj := tc.projectFast(p.X, p.Y, zoom)
		if proj[0] >= minP[0] && proj[0] <= maxP[0] &&
			proj[1] >= minP[1] && proj[1] <= maxP[1] {
			points = append(points, p)
		}
	}

	zoomFactor := math.Pow(2, float64(tc.Options.MaxZoom-zoom))
	radius := float32(tc.Options.Radius * zoomFactor / float64(tc.Options.Extent))

	projected := tc.projectPoints(points, zoom)
	clusters := tc.clusterPoints(projected, radius)

	// Convert centroids back to lng/lat
	for i := range clusters {
		unproj := tc.unprojectFast(clusters[i].Lng, clusters[i].Lat, zoom)
		clusters[i].Lng = unproj[0]
		clusters[i].Lat = unproj[1]
	}

	return clusters
}

func (tc *TreeCluster) projectPoints(points []KDPoint, zoom int) []KDPoint {
	projected := make([]KDPoint, 0, len(points))
	for _, p := range points {
		proj := tc.projectFast(p.X, p.Y, zoom)
		projected = append(projected, KDPoint{
			X:         proj[0],
			Y:         proj[1],
			ID:        p.ID,
			NumPoints: p.NumPoints,
			MarkerIdx: p.MarkerIdx,
		})
	}
	return projected
}

func (tc *TreeCluster) clusterPoints(points []KDPoint, radius float32) []ClusterNode {
	var clusters []ClusterNode
	processed := make(map[uint32]bool)

	for _, p := range points {
		if processed[p.ID] {
			continue
		}

		var nearby []KDPoint
		for _, other := range points {
			if other.ID == p.ID || processed[other.ID] {
				continue
			}
			dx := other.X - p.X
			dy := other.Y - p.Y
			if dx*dx+dy*dy <= radius*radius {
				nearby = append(nearby, other)
			}
		}

		if len(nearby) >= tc.Options.MinPoints {
			cluster := tc.createCluster(append(nearby, p))
			clusters = append(clusters, cluster)
			for _, np := range nearby {
				processed[np.ID] = true
			}
			processed[p.ID] = true
		} else {
			m := &tc.Markers[p.MarkerIdx]
			clusters = append(clusters, ClusterNode{
				ID:          p.ID,
				Lng:         p.X,
				Lat:         p.Y,
				Count:       1,
				AvgRadius:   m.Radius,
				AvgHeight:   m.Height,
				AvgDiameter: m.Diameter,
				District:    m.District,
				Marker:      m,
			})
			processed[p.ID] = true
		}
	}

	return clusters
}

func (tc *TreeCluster) createCluster(points []KDPoint) ClusterNode {
	var sumX, sumY, sumRadius, sumHeight, sumDiameter float64
	var totalPoints uint32

	sharedDistrict := ""
	districtShared := true

	for i, p := range points {
		weight := float64(p.NumPoints)
		sumX += float64(p.X) * weight
		sumY += float64(p.Y) * weight
		totalPoints += p.NumPoints

		m := &tc.Markers[p.MarkerIdx]
		sumRadius += float64(m.Radius) * weight
		sumHeight += float64(m.Height) * weight
		sumDiameter += float64(m.Diameter) * weight

		if i == 0 {
			sharedDistrict = m.District
		} else if m.District != sharedDistrict {
			districtShared = false
		}
	}

	if totalPoints == 0 {
		return ClusterNode{ID: uuid.New().ID()}
	}
	if !districtShared {
		sharedDistrict = ""
	}

	invTotal := 1.0 / float64(totalPoints)
	return ClusterNode{
		ID:          uuid.New().ID(),
		Lng:         float32(sumX * invTotal),
		Lat:         float32(sumY * invTotal),
		Count:       totalPoints,
		AvgRadius:   float32(sumRadius * invTotal),
		AvgHeight:   float32(sumHeight * invTotal),
		AvgDiameter: float32(sumDiameter * invTotal),
		District:    sharedDistrict,
	}
}

// ToGeoJSON converts a clustered view to GeoJSON format.
func (tc *TreeCluster) ToGeoJSON(bounds KDBounds, zoom int) (*FeatureCollection, error) {
	clusters := tc.GetClusters(bounds, zoom)

	features := make([]Feature, len(clusters))
	for i, c := range clusters {
		properties := make(map[string]interface{})
		properties["cluster"] = c.Count > 1
		properties["cluster_id"] = c.ID
		properties["point_count"] = c.Count
		properties["radius"] = c.AvgRadius

		if c.Marker != nil {
			m := c.Marker
			properties["fill"] = m.Fill
			properties["border"] = m.Border
			properties["size_class"] = m.SizeClass
			if m.Species != "" {
				properties["species"] = m.Species
			}
			if m.CommonName != "" {
				properties["common_name"] = m.CommonName
			}
			if m.Neighborhood != "" {
				properties["neighborhood"] = m.Neighborhood
			}
		} else {
			properties["avg_height"] = c.AvgHeight
			properties["avg_diameter"] = c.AvgDiameter
		}
		if c.District != "" {
			properties["district"] = c.District
		}

		features[i] = Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{float64(c.Lng), float64(c.Lat)},
			},
			Properties: properties,
		}
	}

	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}, nil
}

type KDBounds struct {
	MinX, MinY, MaxX, MaxY float32
}

// Extend expands bounds to include another point
func (b *KDBounds) Extend(x, y float32) {
	b.MinX = float32(math.Min(float64(b.MinX), float64(x)))
	b.MinY = float32(math.Min(float64(b.MinY), float64(y)))
	b.MaxX = float32(math.Max(float64(b.MaxX), float64(x)))
	b.MaxY = float32(math.Max(float64(b.MaxY), float64(y)))
}

// projectFast converts lng/lat to tile coordinates
func (tc *TreeCluster) projectFast(lng, lat float32, zoom int) [2]float32 {
	sin := float32(math.Sin(float64(lat) * math.Pi / 180))
	x := (lng + 180) / 360
	y := float32(0.5 - 0.25*math.Log(float64((1+sin)/(1-sin)))/math.Pi)

	scale := float32(math.Pow(2, float64(zoom)))
	return [2]float32{
		x * scale * float32(tc.Options.Extent),
		y * scale * float32(tc.Options.Extent),
	}
}

// unprojectFast converts tile coordinates back to lng/lat
func (tc *TreeCluster) unprojectFast(x, y float32, zoom int) [2]float32 {
	scale := float32(math.Pow(2, float64(zoom)))

	x = x / (scale * float32(tc.Options.Extent))
	y = y / (scale * float32(tc.Options.Extent))

	lng := x*360 - 180
	lat := float32(math.Atan(math.Sinh(float64(math.Pi*(1-2*y))))) * 180 / math.Pi

	return [2]float32{lng, lat}
}
