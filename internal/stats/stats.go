// Package stats implements the pure statistics kernel used by the
// store and the anomaly engine: summary statistics, least-squares
// regression, and Z-scores over float64 windows.
package stats

import (
	"math"
	"sort"

	"github.com/azzuwayed/serversentry/internal/model"
)

// Summary computes descriptive statistics over xs.
// An empty input yields a zero Statistics with Valid=false.
func Summary(xs []float64) model.Statistics {
	n := len(xs)
	if n == 0 {
		return model.Statistics{}
	}

	var sum, sumSq float64
	min, max := xs[0], xs[0]
	for _, x := range xs {
		sum += x
		sumSq += x * x
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	stdDev := math.Sqrt(math.Max(variance, 0))

	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)

	var median float64
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	q1 := sorted[quartileIndex(0.25, n)]
	q3 := sorted[quartileIndex(0.75, n)]

	return model.Statistics{
		Count:  n,
		Mean:   mean,
		StdDev: stdDev,
		Median: median,
		Q1:     q1,
		Q3:     q3,
		Min:    min,
		Max:    max,
		IQR:    q3 - q1,
		Valid:  true,
	}
}

// quartileIndex returns the 0-based index of the quartile element:
// 1-based position floor(p*n)+1, clamped to [1, n].
func quartileIndex(p float64, n int) int {
	pos := int(math.Floor(p*float64(n))) + 1
	if pos < 1 {
		pos = 1
	}
	if pos > n {
		pos = n
	}
	return pos - 1
}

// LinearRegression fits y = a + b*x over x = 1..n and returns the
// slope b and the Pearson correlation. Both are zero when fewer than
// two points are given or either variance is zero.
func LinearRegression(ys []float64) (slope, correlation float64) {
	if len(ys) < 2 {
		return 0, 0
	}
	n := float64(len(ys))
	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i, y := range ys {
		x := float64(i + 1)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
	}
	denomX := n*sumXX - sumX*sumX
	denomY := n*sumYY - sumY*sumY
	if denomX <= 0 || denomY <= 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denomX
	correlation = (n*sumXY - sumX*sumY) / math.Sqrt(denomX*denomY)
	return slope, correlation
}

// ZScore returns (x-mean)/stdDev. ok is false when stdDev is not
// positive, meaning the score is not applicable.
func ZScore(x, mean, stdDev float64) (z float64, ok bool) {
	if stdDev <= 0 {
		return 0, false
	}
	return (x - mean) / stdDev, true
}
