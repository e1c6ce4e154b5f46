package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Letterbox records how a source image was fitted into the square model
// input, so boxes can be mapped back.
type Letterbox struct {
	Size       int
	Scale      float64
	PadX, PadY int
	SrcWidth   int
	SrcHeight  int
}

// LetterboxImage resizes img to fit a size x size canvas without changing its
// aspect ratio and centers it on gray padding.
func LetterboxImage(img image.Image, size int) (*image.NRGBA, Letterbox) {
	srcW, srcH := img.Bounds().Dx(), img.Bounds().Dy()
	scale := math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH))

	newW := clampInt(int(math.Round(float64(srcW)*scale)), 1, size)
	newH := clampInt(int(math.Round(float64(srcH)*scale)), 1, size)
	padX := int(math.Round(float64(size-newW)/2 - 0.1))
	padY := int(math.Round(float64(size-newH)/2 - 0.1))

	canvas := imaging.New(size, size, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	var resized *image.NRGBA
	if newW == srcW && newH == srcH {
		resized = imaging.Clone(img)
	} else {
		resized = imaging.Resize(img, newW, newH, imaging.Linear)
	}
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return canvas, Letterbox{
		Size:      size,
		Scale:     scale,
		PadX:      padX,
		PadY:      padY,
		SrcWidth:  srcW,
		SrcHeight: srcH,
	}
}

// ToSource maps a box in model input coordinates back to the source image and
// clips it to the image bounds.
func (lb Letterbox) ToSource(box [4]float32) [4]float32 {
	w, h := float64(lb.SrcWidth), float64(lb.SrcHeight)
	x1 := (float64(box[0]) - float64(lb.PadX)) / lb.Scale
	y1 := (float64(box[1]) - float64(lb.PadY)) / lb.Scale
	x2 := (float64(box[2]) - float64(lb.PadX)) / lb.Scale
	y2 := (float64(box[3]) - float64(lb.PadY)) / lb.Scale

	return [4]float32{
		float32(clampFloat(x1, 0, w)),
		float32(clampFloat(y1, 0, h)),
		float32(clampFloat(x2, 0, w)),
		float32(clampFloat(y2, 0, h)),
	}
}

// fillCHW writes img as planar RGB scaled to [0,1] into dst, which must hold
// 3*size*size values. Rows are split across workers.
func fillCHW(dst []float32, img *image.NRGBA, size int) {
	channelSize := size * size
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > size {
		numWorkers = size
	}
	rowsPerWorker := size / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if w == numWorkers-1 {
			endRow = size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				offset := y * size
				for x := 0; x < size; x++ {
					i := offset + x
					p := img.PixOffset(x, y)
					dst[i] = float32(img.Pix[p]) / 255.0
					dst[channelSize+i] = float32(img.Pix[p+1]) / 255.0
					dst[channelSize*2+i] = float32(img.Pix[p+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
