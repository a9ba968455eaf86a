package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Snapshot layout: sizes first for allocation, then options, KD nodes,
// KD points, markers, and finally the district codes the snapshot covers.
// All integers little-endian; strings are length-prefixed.

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// SaveCompressed writes the whole sink (tree, markers, loaded district
// codes) as a zstd-compressed snapshot.
func (tc *TreeCluster) SaveCompressed(filename string) error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if tc.Tree == nil {
		return fmt.Errorf("nothing to save: sink is empty")
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %v", err)
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	enc, err := zstd.NewWriter(bufWriter,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}
	defer enc.Close()

	// Write sizes first for allocation
	binary.Write(enc, binary.LittleEndian, uint32(len(tc.Tree.Nodes)))
	binary.Write(enc, binary.LittleEndian, uint32(len(tc.Tree.Points)))
	binary.Write(enc, binary.LittleEndian, uint32(len(tc.Markers)))
	binary.Write(enc, binary.LittleEndian, uint32(len(tc.LoadedDistricts)))

	// Write options
	binary.Write(enc, binary.LittleEndian, int32(tc.Options.MinZoom))
	binary.Write(enc, binary.LittleEndian, int32(tc.Options.MaxZoom))
	binary.Write(enc, binary.LittleEndian, int32(tc.Options.MinPoints))
	binary.Write(enc, binary.LittleEndian, tc.Options.Radius)
	binary.Write(enc, binary.LittleEndian, int32(tc.Options.NodeSize))
	binary.Write(enc, binary.LittleEndian, int32(tc.Options.Extent))

	// Write nodes
	for _, node := range tc.Tree.Nodes {
		binary.Write(enc, binary.LittleEndian, node.PointIdx)
		binary.Write(enc, binary.LittleEndian, node.Left)
		binary.Write(enc, binary.LittleEndian, node.Right)
		binary.Write(enc, binary.LittleEndian, node.Axis)
		binary.Write(enc, binary.LittleEndian, node.MinChild)
		binary.Write(enc, binary.LittleEndian, node.MaxChild)
	}

	// Write KD points
	for _, point := range tc.Tree.Points {
		binary.Write(enc, binary.LittleEndian, point.X)
		binary.Write(enc, binary.LittleEndian, point.Y)
		binary.Write(enc, binary.LittleEndian, point.ID)
		binary.Write(enc, binary.LittleEndian, point.NumPoints)
		binary.Write(enc, binary.LittleEndian, point.MarkerIdx)
	}

	// Write markers
	for i := range tc.Markers {
		m := &tc.Markers[i]
		binary.Write(enc, binary.LittleEndian, m.ID)
		binary.Write(enc, binary.LittleEndian, m.Lng)
		binary.Write(enc, binary.LittleEndian, m.Lat)
		binary.Write(enc, binary.LittleEndian, m.Radius)
		binary.Write(enc, binary.LittleEndian, m.Diameter)
		binary.Write(enc, binary.LittleEndian, m.Height)
		for _, s := range []string{m.Fill, m.Border, m.SizeClass, m.Species, m.CommonName, m.District, m.Neighborhood} {
			if err := writeString(enc, s); err != nil {
				return fmt.Errorf("failed to write marker strings: %v", err)
			}
		}
	}

	// Write district codes
	for _, code := range tc.LoadedDistricts {
		if err := writeString(enc, code); err != nil {
			return fmt.Errorf("failed to write district code: %v", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %v", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %v", err)
	}

	return nil
}

// LoadCompressedTreeCluster restores a sink from a zstd snapshot.
func LoadCompressedTreeCluster(filename string) (*TreeCluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	bufReader := bufio.NewReaderSize(file, 1024*1024)
	dec, err := zstd.NewReader(bufReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer dec.Close()

	var numNodes, numPoints, numMarkers, numDistricts uint32
	binary.Read(dec, binary.LittleEndian, &numNodes)
	binary.Read(dec, binary.LittleEndian, &numPoints)
	binary.Read(dec, binary.LittleEndian, &numMarkers)
	binary.Read(dec, binary.LittleEndian, &numDistricts)

	var minZoom, maxZoom, minPoints, nodeSize, extent int32
	var radius float64
	binary.Read(dec, binary.LittleEndian, &minZoom)
	binary.Read(dec, binary.LittleEndian, &maxZoom)
	binary.Read(dec, binary.LittleEndian, &minPoints)
	binary.Read(dec, binary.LittleEndian, &radius)
	binary.Read(dec, binary.LittleEndian, &nodeSize)
	binary.Read(dec, binary.LittleEndian, &extent)

	tc := NewTreeCluster(TreeClusterOptions{
		MinZoom:   int(minZoom),
		MaxZoom:   int(maxZoom),
		MinPoints: int(minPoints),
		Radius:    radius,
		NodeSize:  int(nodeSize),
		Extent:    int(extent),
	})

	nodes := make([]KDNode, numNodes)
	for i := range nodes {
		binary.Read(dec, binary.LittleEndian, &nodes[i].PointIdx)
		binary.Read(dec, binary.LittleEndian, &nodes[i].Left)
		binary.Read(dec, binary.LittleEndian, &nodes[i].Right)
		binary.Read(dec, binary.LittleEndian, &nodes[i].Axis)
		binary.Read(dec, binary.LittleEndian, &nodes[i].MinChild)
		binary.Read(dec, binary.LittleEndian, &nodes[i].MaxChild)
	}

	points := make([]KDPoint, numPoints)
	for i := range points {
		binary.Read(dec, binary.LittleEndian, &points[i].X)
		binary.Read(dec, binary.LittleEndian, &points[i].Y)
		binary.Read(dec, binary.LittleEndian, &points[i].ID)
		binary.Read(dec, binary.LittleEndian, &points[i].NumPoints)
		binary.Read(dec, binary.LittleEndian, &points[i].MarkerIdx)
	}

	markers := make([]Marker, numMarkers)
	var maxID uint32
	for i := range markers {
		m := &markers[i]
		binary.Read(dec, binary.LittleEndian, &m.ID)
		binary.Read(dec, binary.LittleEndian, &m.Lng)
		binary.Read(dec, binary.LittleEndian, &m.Lat)
		binary.Read(dec, binary.LittleEndian, &m.Radius)
		binary.Read(dec, binary.LittleEndian, &m.Diameter)
		binary.Read(dec, binary.LittleEndian, &m.Height)
		for _, dst := range []*string{&m.Fill, &m.Border, &m.SizeClass, &m.Species, &m.CommonName, &m.District, &m.Neighborhood} {
			s, err := readString(dec)
			if err != nil {
				return nil, fmt.Errorf("failed to read marker strings: %v", err)
			}
			*dst = s
		}
		if m.ID > maxID {
			maxID = m.ID
		}
	}

	districts := make([]string, numDistricts)
	for i := range districts {
		s, err := readString(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to read district code: %v", err)
		}
		districts[i] = s
	}

	tc.Tree = &KDTree{
		Nodes:    nodes,
		Points:   points,
		NodeSize: int(nodeSize),
		Bounds: KDBounds{
			MinX: float32(math.Inf(1)),
			MinY: float32(math.Inf(1)),
			MaxX: float32(math.Inf(-1)),
			MaxY: float32(math.Inf(-1)),
		},
	}
	for _, p := range points {
		tc.Tree.Bounds.Extend(p.X, p.Y)
	}
	tc.Markers = markers
	tc.LoadedDistricts = districts
	tc.nextID = maxID

	return tc, nil
}
