package classifier

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"

	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const strokeWidth = 3.0

var (
	colorDamaged   = color.RGBA{R: 0xBB, G: 0x3E, B: 0x27, A: 0xFF}
	colorUndamaged = color.RGBA{R: 0x2E, G: 0x8B, B: 0x57, A: 0xFF}
	otherPalette   = []color.RGBA{
		{R: 0x1F, G: 0x77, B: 0xB4, A: 0xFF},
		{R: 0xFF, G: 0x7F, B: 0x0E, A: 0xFF},
		{R: 0x94, G: 0x67, B: 0xBD, A: 0xFF},
		{R: 0x8C, G: 0x56, B: 0x4B, A: 0xFF},
	}
)

func classColor(det Detection) color.RGBA {
	switch det.Class {
	case ClassDamagedWindow:
		return colorDamaged
	case ClassUndamagedWindow:
		return colorUndamaged
	}
	return otherPalette[uint(det.ClassID)%uint(len(otherPalette))]
}

// annotate draws every detection as an outlined box with a class label and
// re-encodes the result as JPEG.
func annotate(src image.Image, detections []Detection, quality int) ([]byte, error) {
	bounds := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), src, bounds.Min, draw.Src)

	w, h := canvas.Bounds().Dx(), canvas.Bounds().Dy()
	scanner := rasterx.NewScannerGV(w, h, canvas, canvas.Bounds())
	dasher := rasterx.NewDasher(w, h, scanner)

	for _, det := range detections {
		box := clampBox(det.Box, w, h)
		if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
			continue
		}
		clr := classColor(det)

		dasher.Clear()
		dasher.SetStroke(fixed.Int26_6(strokeWidth*64), fixed.Int26_6(4*64),
			rasterx.ButtCap, rasterx.ButtCap, rasterx.FlatGap, rasterx.Miter, nil, 0)
		rasterx.AddRect(box.X1, box.Y1, box.X2, box.Y2, 0, dasher)
		dasher.SetColor(clr)
		dasher.Draw()

		drawLabel(canvas, fmt.Sprintf("%s %.2f", det.Class, det.Confidence), box, clr)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode annotated image: %w", err)
	}
	return buf.Bytes(), nil
}

func clampBox(b Box, w, h int) Box {
	clamp := func(v, max float64) float64 {
		return math.Min(math.Max(v, 0), max)
	}
	return Box{
		X1: clamp(math.Min(b.X1, b.X2), float64(w)),
		Y1: clamp(math.Min(b.Y1, b.Y2), float64(h)),
		X2: clamp(math.Max(b.X1, b.X2), float64(w)),
		Y2: clamp(math.Max(b.Y1, b.Y2), float64(h)),
	}
}

// drawLabel writes text on a filled tag above the box, or inside it when the
// box touches the top edge.
func drawLabel(dst *image.RGBA, text string, box Box, background color.RGBA) {
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Src: image.White, Face: face}
	textWidth := drawer.MeasureString(text).Ceil()
	lineHeight := face.Metrics().Height.Ceil()

	x := int(box.X1)
	y := int(box.Y1) - lineHeight
	if y < 0 {
		y = int(box.Y1)
	}
	tag := image.Rect(x, y, x+textWidth+4, y+lineHeight).Intersect(dst.Bounds())
	if tag.Empty() {
		return
	}
	draw.Draw(dst, tag, image.NewUniform(background), image.Point{}, draw.Src)

	drawer.Dot = fixed.P(x+2, y+face.Metrics().Ascent.Ceil())
	drawer.DrawString(text)
}
