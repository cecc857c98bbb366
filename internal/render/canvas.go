package render

import (
	"image"
	"image/color"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Glyph metrics of basicfont.Face7x13 at scale 1.
const (
	glyphW = 7
	glyphH = 13
)

var face = basicfont.Face7x13

type canvas struct {
	img *image.RGBA
}

func newCanvas(w, h int, bg color.Color) *canvas {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, xdraw.Src)
	return &canvas{img: img}
}

func (c *canvas) fill(r image.Rectangle, col color.Color) {
	xdraw.Draw(c.img, r, image.NewUniform(col), image.Point{}, xdraw.Src)
}

// text draws s with its top-left corner at (x, y), each glyph pixel scaled
// to a scale x scale block. It returns the drawn width.
func (c *canvas) text(x, y int, s string, col color.Color, scale int) int {
	if s == "" {
		return 0
	}
	if scale < 1 {
		scale = 1
	}
	w := textWidth(s, 1)
	src := image.NewRGBA(image.Rect(0, 0, w, glyphH))
	d := font.Drawer{
		Dst:  src,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(s)
	dst := image.Rect(x, y, x+w*scale, y+glyphH*scale)
	xdraw.NearestNeighbor.Scale(c.img, dst, src, src.Bounds(), xdraw.Over, nil)
	return w * scale
}

// centered draws s horizontally centered on the canvas.
func (c *canvas) centered(y int, s string, col color.Color, scale int) {
	x := (c.img.Bounds().Dx() - textWidth(s, scale)) / 2
	c.text(max(x, 0), y, s, col, scale)
}

func textWidth(s string, scale int) int {
	return len([]rune(s)) * glyphW * scale
}

// wrap breaks s into lines of at most cols runes, splitting on spaces and
// hard-breaking words that do not fit. At most maxLines are returned; the
// last one is ellipsized when text was dropped.
func wrap(s string, cols, maxLines int) []string {
	if cols < 4 {
		cols = 4
	}
	var lines []string
	var cur []rune
	flush := func() {
		lines = append(lines, string(cur))
		cur = cur[:0]
	}
	for _, w := range strings.Fields(s) {
		word := []rune(w)
		for len(word) > cols {
			if len(cur) > 0 {
				flush()
			}
			lines = append(lines, string(word[:cols]))
			word = word[cols:]
		}
		switch {
		case len(cur) == 0:
			cur = append(cur, word...)
		case len(cur)+1+len(word) <= cols:
			cur = append(cur, ' ')
			cur = append(cur, word...)
		default:
			flush()
			cur = append(cur, word...)
		}
	}
	if len(cur) > 0 {
		flush()
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
		last := []rune(lines[maxLines-1])
		if len(last) > cols-3 {
			last = last[:cols-3]
		}
		lines[maxLines-1] = strings.TrimRight(string(last), " ") + "..."
	}
	return lines
}

// clip shortens s to cols runes with a trailing ellipsis.
func clip(s string, cols int) string {
	r := []rune(s)
	if len(r) <= cols {
		return s
	}
	if cols <= 3 {
		return string(r[:cols])
	}
	return string(r[:cols-3]) + "..."
}
