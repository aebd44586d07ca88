package chaos

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examseal/internal/sealerr"
)

var testKey = Key{LogisticR: 3.91, LogisticX0: 0.37, ArnoldA: 3, ArnoldB: 5, Seed: 42}

func randomRaster(t *testing.T, w, h int, seed int64) Raster {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	r := NewRaster(w, h)
	rng.Read(r.Pix)
	return r
}

func TestScrambleRoundTrip(t *testing.T) {
	sizes := []struct{ w, h int }{
		{1, 1}, {1, 7}, {7, 1}, {2, 2}, {5, 3}, {3, 5}, {16, 16}, {31, 17}, {64, 48},
	}
	for i, sz := range sizes {
		img := randomRaster(t, sz.w, sz.h, int64(i))
		scrambled, err := Scramble(img, testKey)
		require.NoError(t, err)
		assert.Equal(t, sz.w, scrambled.Width)
		assert.Equal(t, sz.h, scrambled.Height)

		restored, err := Unscramble(scrambled, testKey)
		require.NoError(t, err)
		assert.True(t, restored.Equal(img), "round trip failed for %dx%d", sz.w, sz.h)
	}
}

func TestScrambleRoundTripGeneratedKeys(t *testing.T) {
	img := randomRaster(t, 40, 25, 99)
	for i := 0; i < 10; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		scrambled, err := Scramble(img, key)
		require.NoError(t, err)
		restored, err := Unscramble(scrambled, key)
		require.NoError(t, err)
		require.True(t, restored.Equal(img))
	}
}

func TestScrambleDeterministic(t *testing.T) {
	img := randomRaster(t, 32, 20, 7)
	a, err := Scramble(img, testKey)
	require.NoError(t, err)
	b, err := Scramble(img, testKey)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	other := testKey
	other.ArnoldA = 4
	c, err := Scramble(img, other)
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
}

func TestScrambleMovesPixels(t *testing.T) {
	img := randomRaster(t, 32, 32, 3)
	scrambled, err := Scramble(img, testKey)
	require.NoError(t, err)
	assert.False(t, scrambled.Equal(img))
}

// naiveSquareScramble follows the pixel-by-pixel definition for square
// images; the table-driven plan must agree bit for bit.
func naiveSquareScramble(img Raster, key Key) Raster {
	n := img.Width
	seq := make([]float64, n*n)
	x := key.LogisticX0
	for i := range seq {
		x = float64(key.LogisticR*x) * (1 - x)
		seq[i] = x
	}
	idx := make([]int, len(seq))
	for i := range idx {
		idx[i] = i
	}
	// insertion sort: stable by construction
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && seq[idx[j]] < seq[idx[j-1]]; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	cur := NewRaster(n, n)
	for k, src := range idx {
		copy(cur.Pix[k*3:k*3+3], img.Pix[src*3:src*3+3])
	}
	a, b := key.ArnoldA, key.ArnoldB
	for it := 0; it < Iterations; it++ {
		next := NewRaster(n, n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				ni := (i + a*j) % n
				nj := (b*i + (a*b+1)*j) % n
				copy(next.Pix[(ni*n+nj)*3:(ni*n+nj)*3+3], cur.Pix[(i*n+j)*3:(i*n+j)*3+3])
			}
		}
		cur = next
	}
	return cur
}

func TestScrambleMatchesPixelDefinition(t *testing.T) {
	for _, n := range []int{1, 2, 9, 24} {
		img := randomRaster(t, n, n, int64(n))
		want := naiveSquareScramble(img, testKey)
		got, err := Scramble(img, testKey)
		require.NoError(t, err)
		assert.True(t, got.Equal(want), "n=%d", n)
	}
}

func TestPermutationTiesBrokenByIndex(t *testing.T) {
	// r=4, x0=0.5 reaches the fixed point 0 after two steps.
	perm := permutation(4.0, 0.5, 6)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 0}, perm)
}

func TestCatMapTablesAreInverse(t *testing.T) {
	for n := 1; n <= 12; n++ {
		fwd, inv := catMapTables(7, 9, n)
		for i := range fwd {
			require.Equal(t, i, inv[fwd[i]], "n=%d i=%d", n, i)
		}
	}
}

func TestInvalidKeys(t *testing.T) {
	img := randomRaster(t, 4, 4, 1)
	cases := map[string]func(k *Key){
		"nan r":         func(k *Key) { k.LogisticR = math.NaN() },
		"inf r":         func(k *Key) { k.LogisticR = math.Inf(1) },
		"r too small":   func(k *Key) { k.LogisticR = 2.9 },
		"x0 zero":       func(k *Key) { k.LogisticX0 = 0 },
		"x0 one":        func(k *Key) { k.LogisticX0 = 1 },
		"a zero":        func(k *Key) { k.ArnoldA = 0 },
		"b negative":    func(k *Key) { k.ArnoldB = -2 },
		"seed negative": func(k *Key) { k.Seed = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			k := testKey
			mutate(&k)
			_, err := Scramble(img, k)
			assert.ErrorIs(t, err, sealerr.ErrInvalidKeyParameters)
			_, err = Unscramble(img, k)
			assert.ErrorIs(t, err, sealerr.ErrInvalidKeyParameters)
		})
	}
}

func TestDimensionMismatch(t *testing.T) {
	bad := Raster{Width: 4, Height: 4, Pix: make([]uint8, 10)}
	_, err := Scramble(bad, testKey)
	assert.ErrorIs(t, err, sealerr.ErrDimensionMismatch)

	_, err = Unscramble(Raster{}, testKey)
	assert.ErrorIs(t, err, sealerr.ErrDimensionMismatch)

	plan, err := NewPlan(testKey, 8, 6)
	require.NoError(t, err)
	_, err = plan.Unscramble(randomRaster(t, 6, 8, 1))
	assert.ErrorIs(t, err, sealerr.ErrDimensionMismatch)
}

func TestGenerateKeyRanges(t *testing.T) {
	for i := 0; i < 200; i++ {
		k, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, k.Validate())
		assert.GreaterOrEqual(t, k.LogisticR, 3.57)
		assert.Less(t, k.LogisticR, 4.0)
		assert.GreaterOrEqual(t, k.LogisticX0, 0.1)
		assert.Less(t, k.LogisticX0, 0.9)
		assert.True(t, k.ArnoldA >= 1 && k.ArnoldA <= 9)
		assert.True(t, k.ArnoldB >= 1 && k.ArnoldB <= 9)
		assert.True(t, k.Seed >= 0 && k.Seed < 1_000_000)
	}
}

func TestKeyMarshalParse(t *testing.T) {
	data, err := testKey.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logistic_r":3.91`)
	assert.Contains(t, string(data), `"arnold_b":5`)

	parsed, err := ParseKey(data)
	require.NoError(t, err)
	assert.Equal(t, testKey, parsed)

	_, err = ParseKey([]byte(`{"logistic_r":3.9,"logistic_x0":0.5,"arnold_a":1,"arnold_b":1,"seed":0,"extra":1}`))
	assert.ErrorIs(t, err, sealerr.ErrInvalidKeyParameters)

	_, err = ParseKey([]byte(`{"logistic_r":3.9,"logistic_x0":1.5,"arnold_a":1,"arnold_b":1,"seed":0}`))
	assert.ErrorIs(t, err, sealerr.ErrInvalidKeyParameters)
}

func TestKeyZero(t *testing.T) {
	k := testKey
	k.Zero()
	assert.True(t, k.IsZero())
	assert.Error(t, k.Validate())
}

func TestPNGRoundTrip(t *testing.T) {
	img := randomRaster(t, 13, 9, 5)
	data, err := img.PNGBytes()
	require.NoError(t, err)

	decoded, err := DecodeRaster(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, decoded.Equal(img))

	again, err := decoded.PNGBytes()
	require.NoError(t, err)
	assert.Equal(t, data, again, "PNG encoding must be stable for hashing")
}

func TestFromImageDropsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
	src.SetNRGBA(1, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	r := FromImage(src)
	assert.Equal(t, []uint8{10, 20, 30, 200, 100, 50}, r.Pix)

	gray := image.NewGray(image.Rect(0, 0, 1, 1))
	gray.SetGray(0, 0, color.Gray{Y: 77})
	assert.Equal(t, []uint8{77, 77, 77}, FromImage(gray).Pix)
}

func TestFromImageSubImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	src.SetRGBA(2, 2, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	sub := src.SubImage(image.Rect(2, 2, 4, 4))

	r := FromImage(sub)
	assert.Equal(t, 2, r.Width)
	assert.Equal(t, []uint8{1, 2, 3}, r.Pix[:3])
}

func TestDecodeRasterRejectsGarbage(t *testing.T) {
	_, err := DecodeRaster(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestScrambledPNGDecodesBack(t *testing.T) {
	img := randomRaster(t, 20, 12, 11)
	scrambled, err := Scramble(img, testKey)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, scrambled.Image()))
	decoded, err := DecodeRaster(&buf)
	require.NoError(t, err)

	restored, err := Unscramble(decoded, testKey)
	require.NoError(t, err)
	assert.True(t, restored.Equal(img))
}

func TestScrambleAllMatchesSequential(t *testing.T) {
	pages := []Raster{
		randomRaster(t, 20, 10, 1),
		randomRaster(t, 20, 10, 2),
		randomRaster(t, 7, 9, 3),
		randomRaster(t, 20, 10, 4),
	}
	scrambled, err := ScrambleAll(context.Background(), pages, testKey, 2)
	require.NoError(t, err)
	require.Len(t, scrambled, len(pages))

	for i, page := range pages {
		want, err := Scramble(page, testKey)
		require.NoError(t, err)
		assert.True(t, scrambled[i].Equal(want), "page %d", i+1)
	}

	restored, err := UnscrambleAll(context.Background(), scrambled, testKey, 0)
	require.NoError(t, err)
	for i := range pages {
		assert.True(t, restored[i].Equal(pages[i]), "page %d", i+1)
	}
}

func TestScrambleAllErrors(t *testing.T) {
	_, err := ScrambleAll(context.Background(), []Raster{{Width: 2, Height: 2}}, testKey, 1)
	assert.ErrorIs(t, err, sealerr.ErrDimensionMismatch)

	bad := testKey
	bad.LogisticX0 = 2
	_, err = ScrambleAll(context.Background(), nil, bad, 1)
	assert.ErrorIs(t, err, sealerr.ErrInvalidKeyParameters)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ScrambleAll(ctx, []Raster{randomRaster(t, 3, 3, 1)}, testKey, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func BenchmarkScramble(b *testing.B) {
	img := NewRaster(850, 1100)
	for i := 0; i < b.N; i++ {
		if _, err := Scramble(img, testKey); err != nil {
			b.Fatal(err)
		}
	}
}
