package cluster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
)

// MMapWriter handles writing to memory-mapped files
type MMapWriter struct {
	data   mmap.MMap
	offset int
}

func NewMMapWriter(data mmap.MMap) *MMapWriter {
	return &MMapWriter{data: data}
}

func (w *MMapWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], v)
	w.offset += 4
}

func (w *MMapWriter) WriteFloat64(v float64) {
	binary.LittleEndian.PutUint64(w.data[w.offset:], math.Float64bits(v))
	w.offset += 8
}

func (w *MMapWriter) WriteFloat32(v float32) {
	binary.LittleEndian.PutUint32(w.data[w.offset:], math.Float32bits(v))
	w.offset += 4
}

func (w *MMapWriter) WriteBytes(b []byte) {
	copy(w.data[w.offset:], b)
	w.offset += len(b)
}

func (w *MMapWriter) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.WriteBytes([]byte(s))
}

// MMapReader handles reading from memory-mapped files
type MMapReader struct {
	data   mmap.MMap
	offset int
}

func NewMMapReader(data mmap.MMap) *MMapReader {
	return &MMapReader{data: data}
}

func (r *MMapReader) ReadUint32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

func (r *MMapReader) ReadFloat64() float64 {
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return math.Float64frombits(v)
}

func (r *MMapReader) ReadFloat32() float32 {
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return math.Float32frombits(v)
}

func (r *MMapReader) ReadBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, r.data[r.offset:r.offset+n])
	r.offset += n
	return b
}

func (r *MMapReader) ReadString() string {
	n := r.ReadUint32()
	return string(r.ReadBytes(int(n)))
}

func markerStrings(m *Marker) []string {
	return []string{m.Fill, m.Border, m.SizeClass, m.Species, m.CommonName, m.District, m.Neighborhood}
}

// calculateSize computes the total byte size the mmap snapshot needs.
// Same layout as the zstd snapshot, so the two formats stay in sync.
func (tc *TreeCluster) calculateSize() int64 {
	size := int64(16) // header: 4 uint32 counts

	// Options: 5 int32 + 1 float64
	size += 5*4 + 8

	// Nodes: PointIdx, Left, Right (int32) + Axis (1 byte) + Min/MaxChild (uint32)
	size += int64(len(tc.Tree.Nodes)) * (3*4 + 1 + 2*4)

	// KD points: X, Y, ID, NumPoints, MarkerIdx
	size += int64(len(tc.Tree.Points)) * 20

	// Markers: fixed fields + length-prefixed strings
	for i := range tc.Markers {
		size += 24 // ID, Lng, Lat, Radius, Diameter, Height
		for _, s := range markerStrings(&tc.Markers[i]) {
			size += 4 + int64(len(s))
		}
	}

	// District codes
	for _, code := range tc.LoadedDistricts {
		size += 4 + int64(len(code))
	}

	return size
}

// SaveMMap writes the sink to a memory-mapped snapshot file.
func (tc *TreeCluster) SaveMMap(filename string) error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if tc.Tree == nil {
		return fmt.Errorf("nothing to save: sink is empty")
	}

	size := tc.calculateSize()

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %v", err)
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate file: %v", err)
	}

	mmapData, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap file: %v", err)
	}
	defer mmapData.Unmap()

	writer := NewMMapWriter(mmapData)

	writer.WriteUint32(uint32(len(tc.Tree.Nodes)))
	writer.WriteUint32(uint32(len(tc.Tree.Points)))
	writer.WriteUint32(uint32(len(tc.Markers)))
	writer.WriteUint32(uint32(len(tc.LoadedDistricts)))

	writer.WriteUint32(uint32(tc.Options.MinZoom))
	writer.WriteUint32(uint32(tc.Options.MaxZoom))
	writer.WriteUint32(uint32(tc.Options.MinPoints))
	writer.WriteFloat64(tc.Options.Radius)
	writer.WriteUint32(uint32(tc.Options.NodeSize))
	writer.WriteUint32(uint32(tc.Options.Extent))

	for _, node := range tc.Tree.Nodes {
		writer.WriteUint32(uint32(node.PointIdx))
		writer.WriteUint32(uint32(node.Left))
		writer.WriteUint32(uint32(node.Right))
		writer.WriteBytes([]byte{node.Axis})
		writer.WriteUint32(node.MinChild)
		writer.WriteUint32(node.MaxChild)
	}

	for _, point := range tc.Tree.Points {
		writer.WriteFloat32(point.X)
		writer.WriteFloat32(point.Y)
		writer.WriteUint32(point.ID)
		writer.WriteUint32(point.NumPoints)
		writer.WriteUint32(point.MarkerIdx)
	}

	for i := range tc.Markers {
		m := &tc.Markers[i]
		writer.WriteUint32(m.ID)
		writer.WriteFloat32(m.Lng)
		writer.WriteFloat32(m.Lat)
		writer.WriteFloat32(m.Radius)
		writer.WriteFloat32(m.Diameter)
		writer.WriteFloat32(m.Height)
		for _, s := range markerStrings(m) {
			writer.WriteString(s)
		}
	}

	for _, code := range tc.LoadedDistricts {
		writer.WriteString(code)
	}

	return mmapData.Flush()
}

// LoadMMapTreeCluster restores a sink from a mmap snapshot file.
func LoadMMapTreeCluster(filename string) (*TreeCluster, error) {
	file, err := os.OpenFile(filename, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	mmapData, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap file: %v", err)
	}
	defer mmapData.Unmap()

	reader := NewMMapReader(mmapData)

	numNodes := reader.ReadUint32()
	numPoints := reader.ReadUint32()
	numMarkers := reader.ReadUint32()
	numDistricts := reader.ReadUint32()

	options := TreeClusterOptions{
		MinZoom:   int(reader.ReadUint32()),
		MaxZoom:   int(reader.ReadUint32()),
		MinPoints: int(reader.ReadUint32()),
		Radius:    reader.ReadFloat64(),
		NodeSize:  int(reader.ReadUint32()),
		Extent:    int(reader.ReadUint32()),
	}

	tc := NewTreeCluster(options)

	nodes := make([]KDNode, numNodes)
	for i := range nodes {
		nodes[i] = KDNode{
			PointIdx: int32(reader.ReadUint32()),
			Left:     int32(reader.ReadUint32()),
			Right:    int32(reader.ReadUint32()),
			Axis:     reader.ReadBytes(1)[0],
			MinChild: reader.ReadUint32(),
			MaxChild: reader.ReadUint32(),
		}
	}

	points := make([]KDPoint, numPoints)
	for i := range points {
		points[i].X = reader.ReadFloat32()
		points[i].Y = reader.ReadFloat32()
		points[i].ID = reader.ReadUint32()
		points[i].NumPoints = reader.ReadUint32()
		points[i].MarkerIdx = reader.ReadUint32()
	}

	markers := make([]Marker, numMarkers)
	var maxID uint32
	for i := range markers {
		m := &markers[i]
		m.ID = reader.ReadUint32()
		m.Lng = reader.ReadFloat32()
		m.Lat = reader.ReadFloat32()
		m.Radius = reader.ReadFloat32()
		m.Diameter = reader.ReadFloat32()
		m.Height = reader.ReadFloat32()
		m.Fill = reader.ReadString()
		m.Border = reader.ReadString()
		m.SizeClass = reader.ReadString()
		m.Species = reader.ReadString()
		m.CommonName = reader.ReadString()
		m.District = reader.ReadString()
		m.Neighborhood = reader.ReadString()
		if m.ID > maxID {
			maxID = m.ID
		}
	}

	districts := make([]string, numDistricts)
	for i := range districts {
		districts[i] = reader.ReadString()
	}

	tc.Tree = &KDTree{
		Nodes:    nodes,
		Points:   points,
		NodeSize: options.NodeSize,
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

// SaveCompressedMMap writes an mmap snapshot and compresses it with zstd.
func (tc *TreeCluster) SaveCompressedMMap(filename string) error {
	tempFile := filename + ".tmp"
	if err := tc.SaveMMap(tempFile); err != nil {
		return fmt.Errorf("failed to save mmap: %v", err)
	}
	defer os.Remove(tempFile)

	src, err := os.Open(tempFile)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %v", err)
	}
	defer src.Close()

	dst, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create compressed file: %v", err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}
	defer enc.Close()

	if _, err := io.Copy(enc, src); err != nil {
		return fmt.Errorf("failed to compress data: %v", err)
	}

	return nil
}

// LoadCompressedMMap decompresses a zstd-wrapped mmap snapshot and loads it.
func LoadCompressedMMap(filename string) (*TreeCluster, error) {
	tempFile := filename + ".tmp"
	dst, err := os.Create(tempFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %v", err)
	}
	defer os.Remove(tempFile)
	defer dst.Close()

	src, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed file: %v", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer dec.Close()

	if _, err := io.Copy(dst, dec); err != nil {
		return nil, fmt.Errorf("failed to decompress data: %v", err)
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync temp file: %v", err)
	}

	return LoadMMapTreeCluster(tempFile)
}
