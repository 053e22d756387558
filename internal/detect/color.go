package detect

import (
	"image"
	"math"

	"github.com/pewpew/arena-backend/pkg/types"
)

// TorsoColor averages RGB over the rectangle spanned by the shoulders and
// hips, clipped to the image. Returns types.Gray if nothing is left after
// clipping.
func TorsoColor(img image.Image, p Pose) types.Color {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, i := range []int{LeftShoulder, RightShoulder, LeftHip, RightHip} {
		px := pixel(p[i], w, h)
		minX, maxX = math.Min(minX, px.X), math.Max(maxX, px.X)
		minY, maxY = math.Min(minY, px.Y), math.Max(maxY, px.Y)
	}
	if math.IsNaN(minX + minY + maxX + maxY) {
		return types.Gray
	}

	r := image.Rect(
		clampInt(math.Floor(minX), w)+b.Min.X,
		clampInt(math.Floor(minY), h)+b.Min.Y,
		clampInt(math.Ceil(maxX), w)+b.Min.X,
		clampInt(math.Ceil(maxY), h)+b.Min.Y,
	).Intersect(b)
	if r.Empty() {
		return types.Gray
	}
	return average(img, r)
}

func average(img image.Image, r image.Rectangle) types.Color {
	var sr, sg, sb, n uint64
	if rgba, ok := img.(*image.RGBA); ok {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(r.Min.X, y):rgba.PixOffset(r.Max.X, y)]
			for i := 0; i+3 < len(row); i += 4 {
				sr += uint64(row[i])
				sg += uint64(row[i+1])
				sb += uint64(row[i+2])
				n++
			}
		}
	} else {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				cr, cg, cb, _ := img.At(x, y).RGBA()
				sr += uint64(cr >> 8)
				sg += uint64(cg >> 8)
				sb += uint64(cb >> 8)
				n++
			}
		}
	}
	if n == 0 {
		return types.Gray
	}
	return types.Color{R: mean(sr, n), G: mean(sg, n), B: mean(sb, n)}
}

func mean(sum, n uint64) uint8 {
	return uint8(math.Round(float64(sum) / float64(n)))
}

// clampInt limits v to [-1, limit+1] so out-of-frame landmarks cannot
// overflow int conversion; Intersect does the real clipping.
func clampInt(v float64, limit int) int {
	switch {
	case v < -1:
		return -1
	case v > float64(limit)+1:
		return limit + 1
	}
	return int(v)
}
