package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/heuristics"
)

func sampleMap() *models.LabelMap {
	m := models.NewLabelMap(models.Shape{X: 3, Y: 2, Z: 2})
	for i := range m.Data {
		m.Data[i] = int32(i % 3)
	}
	m.Affine[3] = -90.5
	return m
}

func TestLabelMapCodecRoundTrip(t *testing.T) {
	m := sampleMap()
	var buf bytes.Buffer
	require.NoError(t, EncodeLabelMap(&buf, m))
	assert.Equal(t, 4+4+12+128+4*m.Shape.Len(), buf.Len())

	got, err := DecodeLabelMap(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeLabelMap(strings.NewReader("NIFTI but not really, a long enough header to parse........................................................................................................................................."))
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeLabelMap(&buf, sampleMap()))
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err = DecodeLabelMap(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestDecodeRejectsOversizedGrid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeLabelMap(&buf, sampleMap()))
	raw := buf.Bytes()

	tests := []struct {
		name string
		dims [3]uint32
	}{
		// the product wraps to zero in int arithmetic
		{"wrapping product", [3]uint32{1 << 21, 1 << 21, 1 << 22}},
		{"single huge dim", [3]uint32{1<<31 - 1, 1, 1}},
		{"above limit", [3]uint32{1 << 10, 1 << 10, 1 << 11}},
		{"negative dim", [3]uint32{3, 0xffffffff, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := append([]byte(nil), raw...)
			for i, d := range tt.dims {
				binary.LittleEndian.PutUint32(header[8+4*i:], d)
			}
			m, err := DecodeLabelMap(bytes.NewReader(header))
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Contains(t, err.Error(), "invalid label map grid")
		})
	}
}

func TestFileStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), true)
	ref := Ref{Kind: KindGroup, ROI: "BA4_L", Clusters: 3}

	_, err := store.LabelMap(ctx, ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, models.Skippable(err))

	first := sampleMap()
	require.NoError(t, store.WriteLabelMap(ctx, ref, first, "run1"))
	second := first.Clone()
	second.Data[0] = 7
	require.NoError(t, store.WriteLabelMap(ctx, ref, second, "run2"))

	got, err := store.LabelMap(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, second.Data, got.Data)

	prevPath := store.Path(ref) + ".prev-run2"
	f, err := os.Open(prevPath)
	require.NoError(t, err)
	defer f.Close()
	prev, err := DecodeLabelMap(f)
	require.NoError(t, err)
	assert.Equal(t, first.Data, prev.Data)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(store.Path(ref)))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileStoreWithoutVersions(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), false)
	ref := Ref{Kind: KindRelabeled, ROI: "r", Subject: "100307", Clusters: 2}
	require.NoError(t, store.WriteLabelMap(ctx, ref, sampleMap(), "a"))
	require.NoError(t, store.WriteLabelMap(ctx, ref, sampleMap(), "b"))
	entries, err := os.ReadDir(filepath.Dir(store.Path(ref)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "r_k2_relabeled.lmap", entries[0].Name())
}

func TestFileStoreDomainAndConnectivity(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir(), false)

	mask := models.NewLabelMap(models.Shape{X: 2, Y: 2, Z: 1})
	mask.Data[1] = 1
	mask.Data[3] = 1
	require.NoError(t, store.WriteLabelMap(ctx, Ref{Kind: KindMask, ROI: "r"}, mask, ""))
	d, err := store.Domain(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []models.Coord{{X: 1, Y: 0}, {X: 1, Y: 1}}, d.Coords)
	assert.Equal(t, mask.Affine, d.Affine)

	require.NoError(t, store.WriteLabelMap(ctx, Ref{Kind: KindMask, ROI: "empty"}, models.NewLabelMap(mask.Shape), ""))
	_, err = store.Domain(ctx, "empty")
	assert.True(t, errors.Is(err, models.ErrDegenerateLabelSet))

	conn := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, store.WriteConnectivity("r", "s1", conn, ""))
	got, err := store.Connectivity(ctx, "r", "s1")
	require.NoError(t, err)
	assert.True(t, mat.Equal(conn, got))

	_, err = store.Connectivity(ctx, "r", "s2")
	assert.True(t, models.Skippable(err))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(true)
	ref := Ref{Kind: KindSubject, ROI: "r", Subject: "s1", Clusters: 2}

	_, err := store.LabelMap(ctx, ref)
	assert.True(t, models.Skippable(err))

	m := sampleMap()
	store.Put(ref, m)
	m.Data[0] = 9
	got, err := store.LabelMap(ctx, ref)
	require.NoError(t, err)
	assert.NotEqual(t, int32(9), got.Data[0], "store keeps its own copy")

	require.NoError(t, store.WriteLabelMap(ctx, ref, m, "run"))
	require.Len(t, store.Previous(ref), 1)
	assert.Equal(t, int32(0), store.Previous(ref)[0].Data[0])

	_, err = store.Domain(ctx, "missing")
	assert.True(t, models.Skippable(err))

	shape := models.Shape{X: 2, Y: 1, Z: 1}
	store.Put(Ref{Kind: KindMask, ROI: "empty"}, models.NewLabelMap(shape))
	_, err = store.Domain(ctx, "empty")
	assert.True(t, errors.Is(err, models.ErrDegenerateLabelSet))

	mask := models.NewLabelMap(shape)
	mask.Data[1] = 1
	mask.Affine[7] = 12.5
	store.Put(Ref{Kind: KindMask, ROI: "r"}, mask)
	d, err := store.Domain(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []models.Coord{{X: 1}}, d.Coords)
	assert.Equal(t, mask.Affine, d.Affine)
}

func TestWriteScores(t *testing.T) {
	var buf bytes.Buffer
	records := []models.ScoreRecord{
		{RunID: "r1", Comparison: "split-half", ROI: "BA4", Split: 1, Clusters: 2, Dice: 0.5, Jaccard: 0.25, NMI: 0.75, Rand: 0.125},
		{RunID: "r1", Comparison: "split-half", ROI: "BA4", Split: 1, Clusters: 3, Err: "solver failure"},
	}
	require.NoError(t, WriteScores(&buf, records))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ScoreHeader, rows[0])
	assert.Equal(t, []string{"r1", "split-half", "BA4", "", "1", "2", "0.5", "0.25", "0.75", "0.125", ""}, rows[1])
	assert.Equal(t, "solver failure", rows[2][10])
}

func TestWriteLabelScores(t *testing.T) {
	var buf bytes.Buffer
	tables := []models.LabelScores{{
		ROI: "r", Clusters: 2,
		Dice:    map[int32]float64{2: 0.5, 1: 1},
		Jaccard: map[int32]float64{2: 0.25, 1: 1},
	}}
	require.NoError(t, WriteLabelScores(&buf, tables))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"r", "2", "1", "1", "1"}, rows[1])
	assert.Equal(t, []string{"r", "2", "2", "0.5", "0.25"}, rows[2])
}

func TestWriteHeuristics(t *testing.T) {
	var ratios, eigen bytes.Buffer
	results := []*heuristics.Result{
		{Subject: "s1", Ratios: []float64{0.75, 0.25}, Eigenvalues: []float64{3, 1}, Kaiser: 1, BrokenStick: 1},
		{Subject: "s2", Ratios: []float64{1}, Eigenvalues: []float64{2}, Kaiser: 0, BrokenStick: 1},
	}
	require.NoError(t, WriteHeuristics(&ratios, &eigen, results))

	rrows, err := csv.NewReader(&ratios).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"subject", "PC1", "PC2"}, rrows[0])
	assert.Equal(t, []string{"s2", "1", ""}, rrows[2])

	erows, err := csv.NewReader(&eigen).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"subject", "PC1", "PC2", "kaiser", "broken_stick"}, erows[0])
	assert.Equal(t, []string{"s1", "3", "1", "1", "1"}, erows[1])
}

func TestMappingRoundTrip(t *testing.T) {
	mapping := &models.LabelMapping{
		Pairs:      []models.LabelPair{{A: 1, B: 2, Dice: 0.9}, {A: 2, B: 1, Dice: 0.8}},
		UnmatchedB: []int32{3},
		TotalCost:  0.3,
	}
	var buf bytes.Buffer
	require.NoError(t, WriteMapping(&buf, mapping))
	assert.Contains(t, buf.String(), "unmatchedB")

	got, err := ReadMapping(&buf)
	require.NoError(t, err)
	assert.Equal(t, mapping, got)
}

func TestReadSubjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subjects.txt")
	require.NoError(t, os.WriteFile(path, []byte("100307\n\n# excluded\n100408 \n"), 0644))
	subjects, err := ReadSubjects(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"100307", "100408"}, subjects)
}
