package l1frames

import (
	"image"
	"image/color"
	"sort"

	"github.com/golang/geo/r2"
)

// BrightSpotDetector finds retro-reflective markers as connected regions
// of pixels at or above Threshold. Each region's centroid is weighted by
// pixel intensity. Regions outside [MinArea, MaxArea] are discarded; the
// MaxPoints largest survive.
type BrightSpotDetector struct {
	Threshold uint8
	MinArea   int
	MaxArea   int
	MaxPoints int
}

// DefaultDetector returns detector settings suited to IR marker frames.
func DefaultDetector() BrightSpotDetector {
	return BrightSpotDetector{Threshold: 200, MinArea: 2, MaxArea: 2000, MaxPoints: 8}
}

type blob struct {
	area       int
	sx, sy, sw float64
}

// Detect implements Detector.
func (d BrightSpotDetector) Detect(img image.Image) []r2.Point {
	gray := toGray(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	visited := make([]bool, w*h)
	lit := func(x, y int) bool {
		return gray.Pix[y*gray.Stride+x] >= d.Threshold
	}

	var blobs []blob
	stack := make([]int, 0, 64)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || !lit(x, y) {
				continue
			}
			var bl blob
			visited[idx] = true
			stack = append(stack[:0], idx)
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cx, cy := cur%w, cur/w
				v := float64(gray.Pix[cy*gray.Stride+cx])
				bl.area++
				bl.sx += v * float64(cx)
				bl.sy += v * float64(cy)
				bl.sw += v
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := cx+dx, cy+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						n := ny*w + nx
						if !visited[n] && lit(nx, ny) {
							visited[n] = true
							stack = append(stack, n)
						}
					}
				}
			}
			if bl.area < d.MinArea || (d.MaxArea > 0 && bl.area > d.MaxArea) || bl.sw == 0 {
				continue
			}
			blobs = append(blobs, bl)
		}
	}

	sort.SliceStable(blobs, func(i, j int) bool { return blobs[i].area > blobs[j].area })
	if d.MaxPoints > 0 && len(blobs) > d.MaxPoints {
		blobs = blobs[:d.MaxPoints]
	}
	pts := make([]r2.Point, len(blobs))
	for i, bl := range blobs {
		pts[i] = r2.Point{X: bl.sx/bl.sw + float64(b.Min.X), Y: bl.sy/bl.sw + float64(b.Min.Y)}
	}
	return pts
}

// toGray returns img as an 8-bit grey image with origin-relative Pix
// indexing.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Pix[y*g.Stride+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return g
}
