package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"roiconsensus/internal/models"
)

// Label maps are stored in a small little-endian container:
//
//	magic   [4]byte "LMAP"
//	version uint32
//	dims    [3]int32 (X, Y, Z)
//	affine  [16]float64, row-major voxel-to-world transform
//	data    X*Y*Z int32, flat index z*X*Y + y*X + x
var lmapMagic = [4]byte{'L', 'M', 'A', 'P'}

const lmapVersion = 1

// maxVoxels bounds the grids accepted from disk.
const maxVoxels = 1 << 30

type lmapHeader struct {
	Magic   [4]byte
	Version uint32
	Dims    [3]int32
	Affine  [16]float64
}

// EncodeLabelMap writes m in the LMAP format.
func EncodeLabelMap(w io.Writer, m *models.LabelMap) error {
	if len(m.Data) != m.Shape.Len() {
		return fmt.Errorf("%w: %d values for grid %s", models.ErrShapeMismatch, len(m.Data), m.Shape)
	}
	bw := bufio.NewWriter(w)
	h := lmapHeader{
		Magic:   lmapMagic,
		Version: lmapVersion,
		Dims:    [3]int32{int32(m.Shape.X), int32(m.Shape.Y), int32(m.Shape.Z)},
		Affine:  m.Affine,
	}
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, m.Data); err != nil {
		return fmt.Errorf("write voxels: %w", err)
	}
	return bw.Flush()
}

// DecodeLabelMap reads a map written by EncodeLabelMap.
func DecodeLabelMap(r io.Reader) (*models.LabelMap, error) {
	br := bufio.NewReader(r)
	var h lmapHeader
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if h.Magic != lmapMagic {
		return nil, fmt.Errorf("not a label map: bad magic %q", h.Magic[:])
	}
	if h.Version != lmapVersion {
		return nil, fmt.Errorf("unsupported label map version %d", h.Version)
	}
	shape := models.Shape{X: int(h.Dims[0]), Y: int(h.Dims[1]), Z: int(h.Dims[2])}
	if !validGrid(shape) {
		return nil, fmt.Errorf("invalid label map grid %s", shape)
	}

	m := models.NewLabelMap(shape)
	m.Affine = h.Affine
	if err := binary.Read(br, binary.LittleEndian, m.Data); err != nil {
		return nil, fmt.Errorf("read voxels: %w", err)
	}
	return m, nil
}

// validGrid reports whether every dim is positive and the voxel count stays
// within maxVoxels. The product is checked one factor at a time so header
// dims cannot overflow it.
func validGrid(s models.Shape) bool {
	if s.X <= 0 || s.Y <= 0 || s.Z <= 0 {
		return false
	}
	if s.X > maxVoxels || s.Y > maxVoxels/s.X {
		return false
	}
	return s.Z <= maxVoxels/(s.X*s.Y)
}
