package video

import "sort"

// Point is an image-space coordinate.
type Point struct {
	X, Y float64
}

// ratioTolerance is the fractional slack allowed around the canonical
// 1:1:3:1:1 finder run-length ratio when scanning a row.
const ratioTolerance = 0.5

// minClusterRows is the minimum number of consecutive rows a run-length
// hit must appear on before it is reported as a finder candidate,
// filtering single-row false positives.
const minClusterRows = 3

type cluster struct {
	sumX, sumY float64
	count      int
	lastY      int
	sumUnit    float64
}

func (c *cluster) centroid() Point {
	return Point{X: c.sumX / float64(c.count), Y: c.sumY / float64(c.count)}
}

// FindFinders scans luma row by row for the canonical QR finder
// 1:1:3:1:1 dark/light run pattern (binarising on the fly against
// threshold), clusters same-column hits across consecutive rows, and
// returns up to three candidate centroids ordered by cluster strength
// (most rows matched first), along with the estimated finder square
// width in pixels (derived from the strongest candidate's run scale).
func FindFinders(luma []byte, width, height int, threshold byte) (candidates []Point, finderWidth float64) {
	var clusters []*cluster

	for y := 0; y < height; y++ {
		runs, starts := rowRuns(luma, y, width, threshold)

		for i := 0; i+5 <= len(runs); i++ {
			if luma[y*width+starts[i]] >= threshold {
				continue // the pattern starts on a dark run
			}
			w := runs[i : i+5]
			unit := float64(w[0]+w[1]+w[2]+w[3]+w[4]) / 7.0
			if unit <= 0 || !matchesFinderRatio(w, unit) {
				continue
			}

			x := float64(starts[i]) + float64(w[0]+w[1]) + float64(w[2])/2

			merged := false
			for _, c := range clusters {
				if c.lastY != y-1 && c.lastY != y {
					continue
				}
				if avgX := c.sumX / float64(c.count); abs(x-avgX) > unit {
					continue
				}
				c.sumX += x
				c.sumY += float64(y)
				c.sumUnit += unit
				c.count++
				c.lastY = y
				merged = true
				break
			}
			if !merged {
				clusters = append(clusters, &cluster{sumX: x, sumY: float64(y), sumUnit: unit, count: 1, lastY: y})
			}
		}
	}

	var kept []*cluster
	for _, c := range clusters {
		if c.count >= minClusterRows {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].count > kept[j].count })

	if len(kept) > 3 {
		kept = kept[:3]
	}
	for _, c := range kept {
		candidates = append(candidates, c.centroid())
	}
	if len(kept) > 0 {
		finderWidth = 7 * (kept[0].sumUnit / float64(kept[0].count))
	}
	return candidates, finderWidth
}

// rowRuns computes the run-length encoding of row y's binarised pixels,
// returning each run's length and its starting column.
func rowRuns(luma []byte, y, width int, threshold byte) (runs []int, starts []int) {
	base := y * width
	bit := func(x int) byte {
		if luma[base+x] >= threshold {
			return 1
		}
		return 0
	}

	prev := bit(0)
	start := 0
	count := 1
	for x := 1; x < width; x++ {
		c := bit(x)
		if c == prev {
			count++
			continue
		}
		runs = append(runs, count)
		starts = append(starts, start)
		start = x
		count = 1
		prev = c
	}
	runs = append(runs, count)
	starts = append(starts, start)
	return runs, starts
}

func matchesFinderRatio(runs []int, unit float64) bool {
	expected := [5]float64{1, 1, 3, 1, 1}
	for i, want := range expected {
		ratio := float64(runs[i]) / unit
		if ratio < want*(1-ratioTolerance) || ratio > want*(1+ratioTolerance) {
			return false
		}
	}
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sub(a, b Point) Point   { return Point{X: a.X - b.X, Y: a.Y - b.Y} }
func add(a, b Point) Point   { return Point{X: a.X + b.X, Y: a.Y + b.Y} }
func scale(a Point, s float64) Point { return Point{X: a.X * s, Y: a.Y * s} }

func unit(a Point) Point {
	n := sqrt(a.X*a.X + a.Y*a.Y)
	if n == 0 {
		return Point{}
	}
	return Point{X: a.X / n, Y: a.Y / n}
}

// OrderCorners arranges three finder centroids into (topLeft, topRight,
// bottomLeft) order: topLeft is the point opposite the longest of the
// three sides; of the remaining two, the one sharing topLeft's row more
// closely is topRight.
func OrderCorners(candidates []Point) (topLeft, topRight, bottomLeft Point, ok bool) {
	if len(candidates) != 3 {
		return Point{}, Point{}, Point{}, false
	}

	dist := func(a, b Point) float64 {
		dx, dy := a.X-b.X, a.Y-b.Y
		return dx*dx + dy*dy
	}

	// The corner opposite the longest side (the hypotenuse) is topLeft.
	d01 := dist(candidates[0], candidates[1])
	d02 := dist(candidates[0], candidates[2])
	d12 := dist(candidates[1], candidates[2])

	var tl, a, b Point
	switch {
	case d01 >= d02 && d01 >= d12:
		tl, a, b = candidates[2], candidates[0], candidates[1]
	case d02 >= d01 && d02 >= d12:
		tl, a, b = candidates[1], candidates[0], candidates[2]
	default:
		tl, a, b = candidates[0], candidates[1], candidates[2]
	}

	if abs(a.Y-tl.Y) <= abs(b.Y-tl.Y) {
		return tl, a, b, true
	}
	return tl, b, a, true
}
