package coassociation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/workerpool"
)

var line8 = models.Shape{X: 8, Y: 1, Z: 1}

func fullDomain(t *testing.T, shape models.Shape) *models.VoxelDomain {
	t.Helper()
	mask := models.NewLabelMap(shape)
	for i := range mask.Data {
		mask.Data[i] = 1
	}
	d, err := MaskDomain("roi", mask)
	require.NoError(t, err)
	return d
}

func TestBuildHandComputedCounts(t *testing.T) {
	vectors := [][]int32{
		{1, 1, 2, 2, 1, 1, 2, 2},
		{1, 1, 1, 2, 2, 2, 2, 1},
		{2, 2, 2, 2, 1, 1, 1, 1},
	}
	co, err := Build(vectors, fullDomain(t, line8), Options{})
	require.NoError(t, err)

	assert.Equal(t, 8, co.Size)
	assert.Equal(t, 3, co.Subjects)
	assert.Equal(t, int32(3), co.At(0, 1))
	assert.Equal(t, int32(2), co.At(0, 2))
	assert.Equal(t, int32(1), co.At(0, 7))
	assert.Equal(t, int32(2), co.At(2, 3))
	assert.Equal(t, int32(1), co.At(3, 4))
	for i := 0; i < co.Size; i++ {
		assert.Zero(t, co.At(i, i))
	}
}

func TestBuildIgnoresSharedBackground(t *testing.T) {
	vectors := [][]int32{
		{0, 0, 1, 1},
		{0, 0, 1, 2},
	}
	co, err := Build(vectors, fullDomain(t, models.Shape{X: 4, Y: 1, Z: 1}), Options{})
	require.NoError(t, err)
	assert.Zero(t, co.At(0, 1))
	assert.Equal(t, int32(1), co.At(2, 3))
}

func TestBuildSymmetricAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	shape := models.Shape{X: 5, Y: 3, Z: 2}
	domain := fullDomain(t, shape)
	vectors := make([][]int32, 7)
	for s := range vectors {
		vectors[s] = make([]int32, domain.Len())
		for i := range vectors[s] {
			vectors[s][i] = int32(rng.Intn(4))
		}
	}

	serial, err := Build(vectors, domain, Options{})
	require.NoError(t, err)
	striped, err := Build(vectors, domain, Options{Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, serial.Counts, striped.Counts)

	for i := 0; i < serial.Size; i++ {
		assert.Zero(t, serial.At(i, i))
		for j := 0; j < serial.Size; j++ {
			assert.Equal(t, serial.At(i, j), serial.At(j, i))
			assert.GreaterOrEqual(t, serial.At(i, j), int32(0))
			assert.LessOrEqual(t, serial.At(i, j), int32(len(vectors)))
		}
	}
}

func TestBuildRejectsShortVector(t *testing.T) {
	_, err := Build([][]int32{{1, 2}}, fullDomain(t, line8), Options{})
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
}

func TestExtractExcludesFailedSubjects(t *testing.T) {
	maps := map[string]*models.LabelMap{
		"s1": {Shape: line8, Data: []int32{1, 1, 2, 2, 1, 1, 2, 2}},
		"s3": {Shape: line8, Data: []int32{2, 2, 2, 2, 1, 1, 1, 1}},
		"s4": {Shape: models.Shape{X: 4, Y: 2, Z: 1}, Data: make([]int32, 8)},
	}
	loader := LoaderFunc(func(_ context.Context, subject string) (*models.LabelMap, error) {
		m, ok := maps[subject]
		if !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrMissingInput, subject)
		}
		return m, nil
	})

	domain := fullDomain(t, line8)
	ext, err := Extract(context.Background(), workerpool.New("io", 2), loader,
		[]string{"s1", "s2", "s3", "s4"}, domain, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s3"}, ext.Subjects)
	require.Len(t, ext.Failures, 2)
	assert.True(t, models.Skippable(ext.Failures[0]))
	assert.True(t, errors.Is(ext.Failures[1], models.ErrShapeMismatch))

	var ue *models.UnitError
	require.True(t, errors.As(ext.Failures[0], &ue))
	assert.Equal(t, "s2", ue.Subject)

	co, err := Build(ext.Vectors, domain, Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, co.Subjects)
	assert.Equal(t, int32(2), co.At(0, 1))
}

func TestExtractFailsWithoutSubjects(t *testing.T) {
	loader := LoaderFunc(func(context.Context, string) (*models.LabelMap, error) {
		return nil, models.ErrMissingInput
	})
	_, err := Extract(context.Background(), workerpool.New("io", 1), loader, []string{"s1"}, fullDomain(t, line8), zerolog.Nop())
	assert.True(t, models.Skippable(err))
}

func TestGroupOccurrenceDomain(t *testing.T) {
	shape := models.Shape{X: 4, Y: 1, Z: 1}
	maps := []*models.LabelMap{
		{Shape: shape, Data: []int32{1, 1, 0, 0}},
		{Shape: shape, Data: []int32{1, 2, 1, 0}},
		{Shape: shape, Data: []int32{2, 0, 0, 0}},
	}

	// int(0.5*3) = 1, so voxels need at least two subjects
	d, err := GroupOccurrenceDomain("roi", maps, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []models.Coord{{X: 0}, {X: 1}}, d.Coords)

	d, err = GroupOccurrenceDomain("roi", maps, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())

	_, err = GroupOccurrenceDomain("roi", maps, 1)
	assert.True(t, errors.Is(err, models.ErrDegenerateLabelSet))

	_, err = GroupOccurrenceDomain("roi", nil, 0.5)
	assert.True(t, models.Skippable(err))
}

func TestMaskDomainOrder(t *testing.T) {
	shape := models.Shape{X: 2, Y: 2, Z: 2}
	mask := models.NewLabelMap(shape)
	mask.Set(models.Coord{X: 1, Y: 0, Z: 0}, 1)
	mask.Set(models.Coord{X: 0, Y: 1, Z: 1}, 1)
	mask.Set(models.Coord{X: 0, Y: 0, Z: 1}, 1)

	d, err := MaskDomain("roi", mask)
	require.NoError(t, err)
	assert.Equal(t, []models.Coord{{X: 0, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 1}, {X: 1, Y: 0, Z: 0}}, d.Coords)

	_, err = MaskDomain("roi", models.NewLabelMap(shape))
	assert.True(t, errors.Is(err, models.ErrDegenerateLabelSet))
}
