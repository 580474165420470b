package fingerprint

import (
	"encoding/hex"
	"fmt"
	"image"
	"io"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// visualGrid is the side length of the downsample grid. 16x16 cells, one bit
// each, gives a 256-bit signature: coarse on purpose. The visual hash is only
// a tie-breaker for images, never the sole duplicate signal for financial
// documents.
const visualGrid = 16

// VisualHash decodes an image and reduces it to a luminance-threshold bit
// grid: each cell is 1 when its average luminance exceeds the grid mean.
// Tolerant of re-compression and re-photographing; returns an error for
// content that does not decode as an image.
func VisualHash(content io.ReaderAt, size int64) (string, error) {
	img, _, err := image.Decode(io.NewSectionReader(content, 0, size))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	small := image.NewRGBA(image.Rect(0, 0, visualGrid, visualGrid))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var luma [visualGrid * visualGrid]float64
	var mean float64
	for y := 0; y < visualGrid; y++ {
		for x := 0; x < visualGrid; x++ {
			r, g, b, _ := small.At(x, y).RGBA()
			// Rec. 601 weights over 16-bit channel values.
			l := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
			luma[y*visualGrid+x] = l
			mean += l
		}
	}
	mean /= float64(len(luma))

	bits := make([]byte, len(luma)/8)
	for i, l := range luma {
		if l > mean {
			bits[i/8] |= 1 << uint(7-i%8)
		}
	}
	return hex.EncodeToString(bits), nil
}
