package video

import "testing"

func TestExtractLumaStridesAndFlips(t *testing.T) {
	const w, h = 4, 2

	word := func(y0, u, y1, v byte) uint32 {
		return uint32(y0) | uint32(u)<<8 | uint32(y1)<<16 | uint32(v)<<24
	}

	raw := []uint32{
		word(10, 0, 11, 0), word(12, 0, 13, 0), // camera row 0 (bottom)
		word(20, 0, 21, 0), word(22, 0, 23, 0), // camera row 1 (top)
	}

	out := ExtractLuma(raw, w, h)
	if len(out) != w*h {
		t.Fatalf("len(out) = %d, want %d", len(out), w*h)
	}

	// Output row 0 should be camera's top row (20,21,22,23); row 1 the
	// bottom row (10,11,12,13), per the vertical flip.
	want := []byte{20, 21, 22, 23, 10, 11, 12, 13}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d] = %d, want %d (full: %v)", i, out[i], want[i], out)
		}
	}
}

func TestDecimateBinarizeHalvesAndThresholds(t *testing.T) {
	const w, h = 4, 4
	luma := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < 2 {
				luma[y*w+x] = 50
			} else {
				luma[y*w+x] = 200
			}
		}
	}

	out, ow, oh := DecimateBinarize(luma, w, h, 128)
	if ow != 2 || oh != 2 {
		t.Fatalf("dims = %dx%d, want 2x2", ow, oh)
	}
	for y := 0; y < oh; y++ {
		if out[y*ow+0] != 0 {
			t.Fatalf("out[%d][0] = %d, want 0 (below threshold)", y, out[y*ow+0])
		}
		if out[y*ow+1] != 1 {
			t.Fatalf("out[%d][1] = %d, want 1 (above threshold)", y, out[y*ow+1])
		}
	}
}
