package main

import "math"

// starShape returns the closed outline of a five-pointed star centered on (cx, cy), alternating
// between the outer and inner radius and starting from the top point.
func starShape(cx, cy, rOuter, rInner float64) ([]float64, []float64) {
	const step = math.Pi / 5
	x := make([]float64, 0, 11)
	y := make([]float64, 0, 11)
	for i := 0; i < 10; i++ {
		r := rOuter
		if i%2 == 1 {
			r = rInner
		}
		theta := float64(i)*step + math.Pi/2
		x = append(x, cx+r*math.Cos(theta))
		y = append(y, cy+r*math.Sin(theta))
	}
	return append(x, x[0]), append(y, y[0])
}
