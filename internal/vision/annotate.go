package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ffsho/AttendanceSystem/internal/matcher"
	"github.com/ffsho/AttendanceSystem/internal/models"
)

var (
	MatchColor   = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	NoMatchColor = color.RGBA{R: 220, G: 0, B: 0, A: 255}
	labelText    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const boxThickness = 2

// Label is the caption drawn above a face box.
func Label(res matcher.Result) string {
	if res.Matched() {
		return fmt.Sprintf("%s (%.2f)", res.Name, res.Score)
	}
	return models.UnknownName
}

// Annotate draws the box and caption for one recognition result onto dst.
func Annotate(dst *image.RGBA, bbox image.Rectangle, res matcher.Result) {
	c := NoMatchColor
	if res.Matched() {
		c = MatchColor
	}
	bbox = bbox.Intersect(dst.Bounds())
	if bbox.Empty() {
		return
	}
	drawBox(dst, bbox, c)
	drawLabel(dst, bbox, Label(res), c)
}

func drawBox(dst *image.RGBA, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	t := boxThickness
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), src, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
}

// drawLabel puts the caption on a filled strip above the box, or inside its
// top edge when the box touches the top of the frame.
func drawLabel(dst *image.RGBA, box image.Rectangle, text string, bg color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(labelText), Face: face}
	width := d.MeasureString(text).Ceil() + 4
	height := face.Height + 2

	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	strip := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, strip, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.P(box.Min.X+2, top+face.Ascent+1)
	d.DrawString(text)
}
