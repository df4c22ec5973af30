package video

import "github.com/precursor-systems/cram-hal/herr"

// SanityTolerancePx is the maximum pixel deviation allowed between a
// forward-mapped original finder position and that finder's expected
// canonical centre before rectification is rejected.
const SanityTolerancePx = 2.0

// modulePixels is how many rectified-buffer pixels one QR module occupies.
const modulePixels = 4

// SymbolDecoder is the pluggable final decode step: given a square
// module grid (true = dark module) of the stated side length, it
// extracts whatever payload the grid encodes.
type SymbolDecoder interface {
	Decode(modules [][]bool, size int) (string, error)
}

// NopDecoder performs no decoding; it exists so the geometry stages
// (capture, finder search, rectification, sanity check) can be exercised
// and tested without a real QR payload decoder.
type NopDecoder struct{}

func (NopDecoder) Decode(modules [][]bool, size int) (string, error) {
	return "", herr.New(herr.NotFound, "Decode", nil)
}

// Pipeline runs the capture-to-decode chain over successive luma frames.
type Pipeline struct {
	Decoder   SymbolDecoder
	Threshold byte
}

// NewPipeline constructs a Pipeline with the default binarisation
// threshold and the given decoder.
func NewPipeline(decoder SymbolDecoder) *Pipeline {
	return &Pipeline{Decoder: decoder, Threshold: BWThreshold}
}

// Result is one pipeline run's findings.
type Result struct {
	Corners     [3]Point
	FinderWidth float64
	ModuleCount int
	Payload     string
}

// Process runs the full finder-search -> homography -> sanity-check ->
// decode chain over one luma frame.
func (p *Pipeline) Process(luma []byte, width, height int) (Result, error) {
	candidates, finderWidth := FindFinders(luma, width, height, p.Threshold)
	if len(candidates) < 3 {
		return Result{}, herr.New(herr.NotFound, "Process", nil)
	}

	tl, tr, bl, ok := OrderCorners(candidates)
	if !ok {
		return Result{}, herr.New(herr.NotFound, "Process", nil)
	}

	moduleCount := estimateModuleCount(tl, tr, finderWidth)
	canonical := float64(moduleCount * modulePixels)

	// The finder centroids sit half a finder-width in from the symbol's
	// true outer corners; extrapolate those corners along the row/column
	// axes the three centroids define before solving the homography.
	u := unit(sub(tr, tl))
	v := unit(sub(bl, tl))
	half := finderWidth / 2

	trueTL := sub(sub(tl, scale(u, half)), scale(v, half))
	trueTR := add(sub(tr, scale(v, half)), scale(u, half))
	trueBL := add(sub(bl, scale(u, half)), scale(v, half))
	trueBR := Point{X: trueTR.X + trueBL.X - trueTL.X, Y: trueTR.Y + trueBL.Y - trueTL.Y}

	src := [4]Point{trueTL, trueTR, trueBL, trueBR}
	dst := [4]Point{{0, 0}, {canonical, 0}, {0, canonical}, {canonical, canonical}}

	h, err := SolveHomography(src, dst)
	if err != nil {
		return Result{}, err
	}
	hInv, err := h.Invert()
	if err != nil {
		return Result{}, err
	}

	size := int(canonical)
	rectified := rectify(luma, width, height, hInv, size)

	if err := sanityCheck(h, tl, tr, bl, finderWidth, canonical, rectified, size, p.Threshold); err != nil {
		return Result{}, err
	}

	grid := moduleGrid(rectified, size, moduleCount, p.Threshold)
	payload, _ := p.Decoder.Decode(grid, moduleCount)

	return Result{
		Corners:     [3]Point{tl, tr, bl},
		FinderWidth: finderWidth,
		ModuleCount: moduleCount,
		Payload:     payload,
	}, nil
}

// estimateModuleCount infers the QR module count from the ratio of the
// top-edge finder separation to the finder width (each finder pattern is
// 7 modules square).
func estimateModuleCount(tl, tr Point, finderWidth float64) int {
	if finderWidth <= 0 {
		return 21
	}
	dx, dy := tr.X-tl.X, tr.Y-tl.Y
	sep := sqrt(dx*dx + dy*dy)
	// Finder centres sit 3.5 modules in from each edge, so the centre-to-
	// centre separation spans (moduleCount-7) modules.
	modules := int(sep*7/finderWidth+0.5) + 7
	if modules < 21 {
		modules = 21
	}
	return modules
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 32; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

// rectify builds a size x size canonical-space pixel buffer by inverse
// mapping each destination pixel through hInv into source image space
// and nearest-sampling luma there.
func rectify(luma []byte, width, height int, hInv Matrix3, size int) []byte {
	out := make([]byte, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sp := hInv.Apply(Point{X: float64(x), Y: float64(y)})
			sx, sy := int(sp.X+0.5), int(sp.Y+0.5)
			if sx < 0 || sx >= width || sy < 0 || sy >= height {
				continue
			}
			out[y*size+x] = luma[sy*width+sx]
		}
	}
	return out
}

// sanityCheck re-runs finder detection on the rectified buffer and
// requires that forward-mapping each original finder centroid through h
// lands within SanityTolerancePx of that finder's expected canonical
// centre (3.5 modules in from the corresponding canonical corner).
func sanityCheck(h Matrix3, tl, tr, bl Point, finderWidth, canonical float64, rectified []byte, size int, threshold byte) error {
	checked, _ := FindFinders(rectified, size, size, threshold)
	if len(checked) < 3 {
		return herr.New(herr.NotFound, "sanityCheck", nil)
	}

	scaleFactor := modulePixels * 7 / finderWidth
	inset := (finderWidth / 2) * scaleFactor

	expected := [3]Point{
		{inset, inset},
		{canonical - inset, inset},
		{inset, canonical - inset},
	}
	original := [3]Point{tl, tr, bl}

	for i := 0; i < 3; i++ {
		mapped := h.Apply(original[i])
		dx, dy := mapped.X-expected[i].X, mapped.Y-expected[i].Y
		if sqrt(dx*dx+dy*dy) > SanityTolerancePx {
			return herr.New(herr.NotFound, "sanityCheck", nil)
		}
	}
	return nil
}

// moduleGrid samples the centre of each module cell in the rectified
// buffer into a boolean grid (true = dark module).
func moduleGrid(rectified []byte, size, moduleCount int, threshold byte) [][]bool {
	grid := make([][]bool, moduleCount)
	cell := float64(size) / float64(moduleCount)

	for row := 0; row < moduleCount; row++ {
		grid[row] = make([]bool, moduleCount)
		for col := 0; col < moduleCount; col++ {
			sx := int((float64(col) + 0.5) * cell)
			sy := int((float64(row) + 0.5) * cell)
			if sx >= size {
				sx = size - 1
			}
			if sy >= size {
				sy = size - 1
			}
			grid[row][col] = rectified[sy*size+sx] < threshold
		}
	}
	return grid
}
