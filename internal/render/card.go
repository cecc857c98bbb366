package render

import (
	"context"
	"image"
	"image/color"
	"strings"
)

var (
	colBackdrop = color.RGBA{20, 20, 25, 255}
	colCard     = color.RGBA{255, 255, 255, 255}
	colTagBG    = color.RGBA{20, 20, 25, 255}
	colTagText  = color.RGBA{255, 255, 255, 255}
	colTitle    = color.RGBA{0, 51, 102, 255}
	colBody     = color.RGBA{80, 80, 85, 255}
	colMeta     = color.RGBA{140, 140, 140, 255}
	colAccent   = color.RGBA{87, 167, 255, 255}
	colGrid     = color.RGBA{230, 230, 230, 255}
)

// Card renders a square announcement card: a tag, the company name, the
// result description, an optional context line and the brand footer.
type Card struct {
	Brand string
	// Size is the square edge in pixels. Default 1080.
	Size int
	Tag  string
}

func (c Card) Render(ctx context.Context, title, description, extra string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := c.Size
	if size <= 0 {
		size = 1080
	}
	tag := c.Tag
	if tag == "" {
		tag = "RESULTS"
	}

	cv := newCanvas(size, size, colBackdrop)
	margin := size / 18
	panel := image.Rect(margin, margin, size-margin, size-margin)
	cv.fill(panel, colCard)
	cv.fill(image.Rect(panel.Min.X, panel.Min.Y, panel.Max.X, panel.Min.Y+size/90), colAccent)

	pad := size / 16
	x := panel.Min.X + pad
	inner := panel.Dx() - 2*pad
	y := panel.Min.Y + pad

	tagScale := max(size/360, 1)
	tw := textWidth(strings.ToUpper(tag), tagScale)
	tp := tagScale * 4
	cv.fill(image.Rect(x, y, x+tw+2*tp, y+glyphH*tagScale+2*tp), colTagBG)
	cv.text(x+tp, y+tp, strings.ToUpper(tag), colTagText, tagScale)
	y += glyphH*tagScale + 2*tp + pad/2

	titleScale := max(size/216, 1)
	for _, line := range wrap(title, inner/(glyphW*titleScale), 3) {
		cv.text(x, y, line, colTitle, titleScale)
		y += glyphH*titleScale + titleScale*3
	}
	y += pad / 3
	cv.fill(image.Rect(x, y, x+inner/4, y+max(size/270, 1)), colGrid)
	y += pad / 2

	bodyScale := max(size/360, 1)
	bodyLines := max((panel.Max.Y-pad*3-y)/(glyphH*bodyScale+bodyScale*4), 1)
	for _, line := range wrap(description, inner/(glyphW*bodyScale), bodyLines) {
		cv.text(x, y, line, colBody, bodyScale)
		y += glyphH*bodyScale + bodyScale*4
	}

	metaScale := max(size/540, 1)
	footY := panel.Max.Y - pad - glyphH*bodyScale
	if extra != "" {
		cv.text(x, footY-glyphH*metaScale-pad/3, clip(extra, inner/(glyphW*metaScale)), colMeta, metaScale)
	}
	if c.Brand != "" {
		cv.text(x, footY, clip(c.Brand, inner/(glyphW*bodyScale)), colTagBG, bodyScale)
	}
	return encode(cv.img)
}
