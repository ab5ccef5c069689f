package state

// Shape returns a copy of raw bounded for transport. Strokes above MaxPoints
// are stride-downsampled, then the point count is halved until the JSON
// encoding fits MaxPayloadBytes or a single point remains. The first and
// last points survive every reduction step. A single-point stroke is returned
// as-is even when its styling alone exceeds the budget.
func Shape(raw Stroke) Stroke {
	out := raw.Clone()
	if len(out.Points) > MaxPoints {
		out.Points = strideDownsample(out.Points, MaxPoints)
	}
	for len(out.Points) > 1 && out.Size() > MaxPayloadBytes {
		out.Points = halve(out.Points)
	}
	return out
}

// strideDownsample keeps every step-th point with step = ceil(n/limit),
// always ending on the original last point.
func strideDownsample(points []Point, limit int) []Point {
	n := len(points)
	step := (n + limit - 1) / limit
	kept := make([]Point, 0, limit)
	for i := 0; i < n; i += step {
		kept = append(kept, points[i])
	}
	if (n-1)%step != 0 {
		if len(kept) < limit {
			kept = append(kept, points[n-1])
		} else {
			kept[len(kept)-1] = points[n-1]
		}
	}
	return kept
}

// halve drops every odd-indexed point, re-adding the last one if it was
// dropped. Two points cannot shrink that way and collapse to the first.
func halve(points []Point) []Point {
	n := len(points)
	if n <= 2 {
		return points[:1:1]
	}
	kept := make([]Point, 0, n/2+1)
	for i := 0; i < n; i += 2 {
		kept = append(kept, points[i])
	}
	if (n-1)%2 != 0 {
		kept = append(kept, points[n-1])
	}
	return kept
}
