package consensus

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// kmeans is Lloyd's algorithm with k-means++ seeding and restarts.
type kmeans struct {
	k       int
	nInit   int
	maxIter int
	tol     float64
	seed    uint64
}

func (km kmeans) fit(data *mat.Dense) []int {
	n, dims := data.Dims()
	points := make([][]float64, n)
	for i := range points {
		points[i] = mat.Row(nil, i, data)
	}

	nInit := km.nInit
	if nInit < 1 {
		nInit = 1
	}
	maxIter := km.maxIter
	if maxIter < 1 {
		maxIter = 300
	}
	tol := km.tol * meanVariance(data, dims)

	rng := rand.New(rand.NewSource(km.seed))
	var best []int
	bestInertia := math.Inf(1)
	for run := 0; run < nInit; run++ {
		centers := km.seedCenters(points, rng)
		labels, inertia := lloyd(points, centers, maxIter, tol)
		if inertia < bestInertia {
			best, bestInertia = labels, inertia
		}
	}
	return best
}

// seedCenters picks k initial centers, each new one drawn with probability
// proportional to its squared distance from the closest chosen center.
func (km kmeans) seedCenters(points [][]float64, rng *rand.Rand) [][]float64 {
	n := len(points)
	centers := make([][]float64, 0, km.k)
	centers = append(centers, clone(points[rng.Intn(n)]))

	closest := make([]float64, n)
	for i, p := range points {
		closest[i] = sqDist(p, centers[0])
	}
	for len(centers) < km.k {
		total := floats.Sum(closest)
		next := 0
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, d := range closest {
				acc += d
				if acc >= target && d > 0 {
					next = i
					break
				}
			}
		} else {
			next = rng.Intn(n)
		}
		c := clone(points[next])
		centers = append(centers, c)
		for i, p := range points {
			if d := sqDist(p, c); d < closest[i] {
				closest[i] = d
			}
		}
	}
	return centers
}

// lloyd refines centers until their total squared shift drops to tol.
func lloyd(points, centers [][]float64, maxIter int, tol float64) ([]int, float64) {
	k := len(centers)
	dims := len(centers[0])
	labels := make([]int, len(points))
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, dims)
	}
	sizes := make([]int, k)

	for iter := 0; iter < maxIter; iter++ {
		assign(points, centers, labels)
		recompute(points, centers, labels, sums, sizes)

		shift := 0.0
		for c := range centers {
			if sizes[c] == 0 {
				continue
			}
			floats.Scale(1/float64(sizes[c]), sums[c])
			shift += sqDist(sums[c], centers[c])
			copy(centers[c], sums[c])
		}
		if shift <= tol {
			break
		}
	}

	inertia := assign(points, centers, labels)
	return labels, inertia
}

// assign labels every point with its nearest center and returns the inertia.
func assign(points, centers [][]float64, labels []int) float64 {
	inertia := 0.0
	for i, p := range points {
		best, bestD := 0, math.Inf(1)
		for c, center := range centers {
			if d := sqDist(p, center); d < bestD {
				best, bestD = c, d
			}
		}
		labels[i] = best
		inertia += bestD
	}
	return inertia
}

// recompute rebuilds the per-cluster coordinate sums and sizes from labels.
// An empty cluster takes over the point farthest from its center, which is
// first removed from the cluster it leaves.
func recompute(points, centers [][]float64, labels []int, sums [][]float64, sizes []int) {
	for c := range sums {
		floats.Scale(0, sums[c])
		sizes[c] = 0
	}
	for i, p := range points {
		floats.Add(sums[labels[i]], p)
		sizes[labels[i]]++
	}

	for c := range sizes {
		if sizes[c] > 0 {
			continue
		}
		far := farthest(points, centers, labels, sizes)
		if far < 0 {
			continue
		}
		donor := labels[far]
		floats.Sub(sums[donor], points[far])
		sizes[donor]--
		labels[far] = c
		copy(sums[c], points[far])
		sizes[c] = 1
	}
}

// farthest returns the point farthest from its center among clusters that
// can spare one, or -1 if none can.
func farthest(points, centers [][]float64, labels []int, sizes []int) int {
	idx, bestD := -1, -1.0
	for i, p := range points {
		if sizes[labels[i]] < 2 {
			continue
		}
		if d := sqDist(p, centers[labels[i]]); d > bestD {
			idx, bestD = i, d
		}
	}
	return idx
}

func meanVariance(data *mat.Dense, dims int) float64 {
	if dims == 0 {
		return 0
	}
	n, _ := data.Dims()
	col := make([]float64, n)
	sum := 0.0
	for j := 0; j < dims; j++ {
		mat.Col(col, j, data)
		_, v := stat.PopMeanVariance(col, nil)
		sum += v
	}
	return sum / float64(dims)
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(p []float64) []float64 {
	out := make([]float64, len(p))
	copy(out, p)
	return out
}
