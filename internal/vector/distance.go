package vector

import "math"

// Distance returns the distance between a and b under metric, where a
// smaller value means more similar. Dot product is negated. Mismatched or
// empty vectors are maximally distant.
func Distance(metric string, a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}

	switch NormalizeMetric(metric) {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return sum
	case MetricDot:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot
	default:
		var dot, na, nb float64
		for i := range a {
			x := float64(a[i])
			y := float64(b[i])
			dot += x * y
			na += x * x
			nb += y * y
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}
