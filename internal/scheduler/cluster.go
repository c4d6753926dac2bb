package scheduler

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"engram/internal/logging"
)

// Embedding-based clustering of recent nodes. K-means++ seeding keeps the
// clusters stable enough to be useful without a heavier density method;
// K defaults to sqrt(n/2) bounded to [2, 32].

const (
	kmeansMaxIterations = 25
	kmeansMaxClusters   = 32
)

// runClustering loads every embedding for the current model and rewrites
// the cluster tables.
func (s *Scheduler) runClustering(ctx context.Context) error {
	if s.engine == nil {
		logging.SchedulerDebug("Clustering: no embedding engine configured")
		return nil
	}

	vectors, err := s.store.AllEmbeddings(s.engine.Name())
	if err != nil {
		return err
	}
	if len(vectors) < 4 {
		logging.SchedulerDebug("Clustering: only %d embeddings, skipping", len(vectors))
		return nil
	}

	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic input order

	points := make([][]float32, len(ids))
	for i, id := range ids {
		points[i] = vectors[id]
	}

	k := int(math.Sqrt(float64(len(points)) / 2))
	if k < 2 {
		k = 2
	}
	if k > kmeansMaxClusters {
		k = kmeansMaxClusters
	}

	assignments, distances := kmeans(ctx, points, k)
	if assignments == nil {
		return ctx.Err()
	}

	clusters := make([][]string, k)
	clusterDists := make([][]float64, k)
	for i, c := range assignments {
		clusters[c] = append(clusters[c], ids[i])
		clusterDists[c] = append(clusterDists[c], distances[i])
	}

	// Drop empty clusters before persisting.
	var outClusters [][]string
	var outDists [][]float64
	for i := range clusters {
		if len(clusters[i]) > 0 {
			outClusters = append(outClusters, clusters[i])
			outDists = append(outDists, clusterDists[i])
		}
	}

	if err := s.store.ReplaceClusters(s.engine.Name(), outClusters, outDists); err != nil {
		return err
	}
	logging.Scheduler("Clustering: %d nodes into %d clusters", len(ids), len(outClusters))
	return nil
}

// kmeans runs K-means with K-means++ seeding. Returns per-point cluster
// assignments and distances to the assigned centroid, or nil on
// cancellation.
func kmeans(ctx context.Context, points [][]float32, k int) ([]int, []float64) {
	rng := rand.New(rand.NewSource(1)) // deterministic seeding per run
	centroids := seedCentroids(rng, points, k)

	assignments := make([]int, len(points))
	distances := make([]float64, len(points))

	for iter := 0; iter < kmeansMaxIterations; iter++ {
		if ctx.Err() != nil {
			return nil, nil
		}

		changed := false
		for i, p := range points {
			best, bestDist := 0, math.MaxFloat64
			for c, centroid := range centroids {
				d := sqDistance(p, centroid)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
			distances[i] = math.Sqrt(bestDist)
		}
		if !changed && iter > 0 {
			break
		}

		// Recompute centroids.
		dim := len(points[0])
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, p := range points {
			c := assignments[i]
			counts[c]++
			for j, v := range p {
				sums[c][j] += float64(v)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
			}
		}
	}
	return assignments, distances
}

// seedCentroids implements K-means++ seeding: each new centroid is drawn
// with probability proportional to squared distance from the nearest
// existing one.
func seedCentroids(rng *rand.Rand, points [][]float32, k int) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := points[rng.Intn(len(points))]
	centroids = append(centroids, cloneVec(first))

	for len(centroids) < k {
		weights := make([]float64, len(points))
		total := 0.0
		for i, p := range points {
			minDist := math.MaxFloat64
			for _, c := range centroids {
				if d := sqDistance(p, c); d < minDist {
					minDist = d
				}
			}
			weights[i] = minDist
			total += minDist
		}
		if total == 0 {
			// All points coincide with existing centroids.
			centroids = append(centroids, cloneVec(points[rng.Intn(len(points))]))
			continue
		}
		target := rng.Float64() * total
		acc := 0.0
		chosen := len(points) - 1
		for i, w := range weights {
			acc += w
			if acc >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, cloneVec(points[chosen]))
	}
	return centroids
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func sqDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
