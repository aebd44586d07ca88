package chaos

import (
	"cmp"
	"fmt"
	"slices"

	"examseal/internal/sealerr"
)

// Plan holds the precomputed remap tables for one key and one image size.
// A Plan is immutable and safe for concurrent use.
type Plan struct {
	width, height int

	// perm is the stable argsort of the logistic sequence.
	perm []int

	// n is the side of the leading square the cat map acts on.
	n int
	// fwd[x*n+y] is the destination of square pixel (x, y) after one round;
	// inv is its inverse.
	fwd []int
	inv []int
}

// NewPlan validates key and precomputes the permutation and cat map
// tables for a width x height image.
func NewPlan(key Key, width, height int) (*Plan, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("%w: %dx%d", sealerr.ErrDimensionMismatch, width, height)
	}

	p := &Plan{
		width:  width,
		height: height,
		perm:   permutation(key.LogisticR, key.LogisticX0, width*height),
		n:      min(width, height),
	}
	p.fwd, p.inv = catMapTables(key.ArnoldA, key.ArnoldB, p.n)
	return p, nil
}

// logisticSequence iterates x <- r*x*(1-x) from x0, recording each
// successor.
func logisticSequence(r, x0 float64, length int) []float64 {
	seq := make([]float64, length)
	x := x0
	for i := range seq {
		// Explicit conversion forces rounding of the product before the
		// second multiply.
		x = float64(r*x) * (1 - x)
		seq[i] = x
	}
	return seq
}

// permutation returns the stable argsort of the logistic sequence. Ties
// are broken by index order.
func permutation(r, x0 float64, length int) []int {
	seq := logisticSequence(r, x0, length)
	perm := make([]int, length)
	for i := range perm {
		perm[i] = i
	}
	slices.SortFunc(perm, func(a, b int) int {
		if c := cmp.Compare(seq[a], seq[b]); c != 0 {
			return c
		}
		return a - b
	})
	return perm
}

// catMapTables builds the forward cat map on an n x n grid, with x the
// row and y the column, and its inverse. The matrix [[1 a] [b ab+1]] has
// determinant 1, so its adjugate [[ab+1 -a] [-b 1]] is the exact inverse
// modulo n.
func catMapTables(a, b, n int) (fwd, inv []int) {
	am, bm := a%n, b%n
	cm := (am*bm + 1) % n

	fwd = make([]int, n*n)
	inv = make([]int, n*n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			nx := (x + am*y) % n
			ny := (bm*x + cm*y) % n
			fwd[x*n+y] = nx*n + ny

			ox := mod(cm*x-am*y, n)
			oy := mod(y-bm*x, n)
			inv[x*n+y] = ox*n + oy
		}
	}
	return fwd, inv
}

func mod(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// Scramble applies the permutation and then Iterations cat map rounds.
func (p *Plan) Scramble(img Raster) (Raster, error) {
	if err := p.match(img); err != nil {
		return Raster{}, err
	}

	out := NewRaster(p.width, p.height)
	for k, src := range p.perm {
		copy(out.Pix[k*3:k*3+3], img.Pix[src*3:src*3+3])
	}

	for i := 0; i < Iterations; i++ {
		out = p.remapSquare(out, p.fwd)
	}
	return out, nil
}

// Unscramble applies Iterations inverse cat map rounds and then the
// inverse permutation.
func (p *Plan) Unscramble(img Raster) (Raster, error) {
	if err := p.match(img); err != nil {
		return Raster{}, err
	}

	cur := img
	for i := 0; i < Iterations; i++ {
		cur = p.remapSquare(cur, p.inv)
	}

	// Scattering through perm is the gather through argsort(perm).
	out := NewRaster(p.width, p.height)
	for k, dst := range p.perm {
		copy(out.Pix[dst*3:dst*3+3], cur.Pix[k*3:k*3+3])
	}
	return out, nil
}

// remapSquare moves every pixel of the leading n x n square to the
// position given by table and copies pixels outside the square unchanged.
func (p *Plan) remapSquare(src Raster, table []int) Raster {
	dst := Raster{Width: src.Width, Height: src.Height, Pix: slices.Clone(src.Pix)}
	n, w := p.n, p.width
	for i, t := range table {
		sx, sy := i/n, i%n
		tx, ty := t/n, t%n
		s := (sx*w + sy) * 3
		d := (tx*w + ty) * 3
		copy(dst.Pix[d:d+3], src.Pix[s:s+3])
	}
	return dst
}

func (p *Plan) match(img Raster) error {
	if err := img.Check(); err != nil {
		return err
	}
	if img.Width != p.width || img.Height != p.height {
		return fmt.Errorf("%w: plan is %dx%d, image is %dx%d",
			sealerr.ErrDimensionMismatch, p.width, p.height, img.Width, img.Height)
	}
	return nil
}

// Scramble scrambles a single image with key.
func Scramble(img Raster, key Key) (Raster, error) {
	if err := img.Check(); err != nil {
		return Raster{}, err
	}
	p, err := NewPlan(key, img.Width, img.Height)
	if err != nil {
		return Raster{}, err
	}
	return p.Scramble(img)
}

// Unscramble reverses Scramble for the same key.
func Unscramble(img Raster, key Key) (Raster, error) {
	if err := img.Check(); err != nil {
		return Raster{}, err
	}
	p, err := NewPlan(key, img.Width, img.Height)
	if err != nil {
		return Raster{}, err
	}
	return p.Unscramble(img)
}
