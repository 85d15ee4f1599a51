package triangulate

import "math"

const (
	noise     = -1
	unvisited = 0

	// distance slack so identical vectors stay neighbours despite rounding
	distanceSlack = 1e-9
)

// cosineDistance returns 1 - cosine similarity. Zero or mismatched vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// dbscan labels points with cluster numbers starting at 1; noise is labelled -1.
// A point counts itself towards minPts. Points are visited in slice order,
// so the labels are deterministic for a given input order.
func dbscan(points [][]float32, eps float64, minPts int) []int {
	labels := make([]int, len(points))

	neighbours := func(i int) []int {
		var out []int
		for j := range points {
			if cosineDistance(points[i], points[j]) <= eps+distanceSlack {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		seeds := neighbours(i)
		if len(seeds) < minPts {
			labels[i] = noise
			continue
		}

		cluster++
		labels[i] = cluster
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == noise {
				labels[j] = cluster // border point
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if more := neighbours(j); len(more) >= minPts {
				seeds = append(seeds, more...)
			}
		}
	}
	return labels
}
