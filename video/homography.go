package video

import "github.com/precursor-systems/cram-hal/herr"

// Matrix3 is a row-major 3x3 projective transform.
type Matrix3 [3][3]float64

// SolveHomography finds the 3x3 matrix H such that H*src[i] ~ dst[i]
// (in homogeneous coordinates) for all four correspondences, via direct
// linear transform: an 8-unknown linear system (h[2][2] is fixed to 1)
// solved by Gaussian elimination with partial pivoting.
func SolveHomography(src, dst [4]Point) (Matrix3, error) {
	var a [8][9]float64

	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y

		r0 := 2 * i
		a[r0] = [9]float64{x, y, 1, 0, 0, 0, -x * u, -y * u, u}
		a[r0+1] = [9]float64{0, 0, 0, x, y, 1, -x * v, -y * v, v}
	}

	if !gaussianEliminate(a[:]) {
		return Matrix3{}, herr.New(herr.VendorInternal, "SolveHomography", nil)
	}

	var h Matrix3
	h[0] = [3]float64{a[0][8], a[1][8], a[2][8]}
	h[1] = [3]float64{a[3][8], a[4][8], a[5][8]}
	h[2] = [3]float64{a[6][8], a[7][8], 1}
	return h, nil
}

// gaussianEliminate reduces the 8x9 augmented matrix to reduced row
// echelon form in place, leaving the solution in column 8. Returns false
// if the system is singular.
func gaussianEliminate(a [][9]float64) bool {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if abs(a[r][col]) > abs(a[pivot][col]) {
				pivot = r
			}
		}
		if abs(a[pivot][col]) < 1e-12 {
			return false
		}
		a[col], a[pivot] = a[pivot], a[col]

		pv := a[col][col]
		for k := col; k < 9; k++ {
			a[col][k] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := a[r][col]
			if factor == 0 {
				continue
			}
			for k := col; k < 9; k++ {
				a[r][k] -= factor * a[col][k]
			}
		}
	}
	return true
}

// Invert returns h's matrix inverse via the adjugate/determinant method.
func (h Matrix3) Invert() (Matrix3, error) {
	det := h[0][0]*(h[1][1]*h[2][2]-h[1][2]*h[2][1]) -
		h[0][1]*(h[1][0]*h[2][2]-h[1][2]*h[2][0]) +
		h[0][2]*(h[1][0]*h[2][1]-h[1][1]*h[2][0])

	if abs(det) < 1e-12 {
		return Matrix3{}, herr.New(herr.VendorInternal, "Invert", nil)
	}

	inv := Matrix3{
		{h[1][1]*h[2][2] - h[1][2]*h[2][1], h[0][2]*h[2][1] - h[0][1]*h[2][2], h[0][1]*h[1][2] - h[0][2]*h[1][1]},
		{h[1][2]*h[2][0] - h[1][0]*h[2][2], h[0][0]*h[2][2] - h[0][2]*h[2][0], h[0][2]*h[1][0] - h[0][0]*h[1][2]},
		{h[1][0]*h[2][1] - h[1][1]*h[2][0], h[0][1]*h[2][0] - h[0][0]*h[2][1], h[0][0]*h[1][1] - h[0][1]*h[1][0]},
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			inv[r][c] /= det
		}
	}
	return inv, nil
}

// Apply maps p through h in homogeneous coordinates.
func (h Matrix3) Apply(p Point) Point {
	w := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]
	if w == 0 {
		return Point{}
	}
	return Point{
		X: (h[0][0]*p.X + h[0][1]*p.Y + h[0][2]) / w,
		Y: (h[1][0]*p.X + h[1][1]*p.Y + h[1][2]) / w,
	}
}
