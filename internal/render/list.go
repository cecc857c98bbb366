package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"
)

var (
	colListBG   = color.RGBA{252, 252, 252, 255}
	colListText = color.RGBA{10, 10, 10, 255}
)

// ListItem is one row of the upcoming results page.
type ListItem struct {
	Code string
	Name string
}

// List renders a portrait page listing companies that report on one date.
type List struct {
	Brand string
	// Width defaults to 1080; the height keeps a 4:5 ratio.
	Width int
}

func (l List) Render(ctx context.Context, date string, items []ListItem, page, pages int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := l.Width
	if w <= 0 {
		w = 1080
	}
	h := w * 5 / 4
	cv := newCanvas(w, h, colListBG)

	margin := w * 2 / 27
	y := margin
	cv.centered(y, "UPCOMING RESULTS", colListText, max(w/216, 1))
	y += glyphH*max(w/216, 1) + margin/4
	cv.centered(y, date, colMeta, max(w/360, 1))
	y += glyphH*max(w/360, 1) + margin/2
	cv.fill(image.Rect(margin, y, w-margin, y+max(w/360, 2)), colListText)
	y += margin / 2

	scale := max(w/360, 1)
	rowH := (h - y - margin*2) / 6
	colCode := margin + w*14/108
	colName := margin + w*36/108
	nameCols := (w - margin - colName) / (glyphW * scale)
	for i, it := range items {
		idx := (page-1)*6 + i + 1
		if page < 1 {
			idx = i + 1
		}
		ty := y + (rowH-glyphH*scale)/2
		cv.text(margin, ty, fmt.Sprintf("%02d", idx), colMeta, scale)
		cv.text(colCode, ty, clip(it.Code, (colName-colCode)/(glyphW*scale)-1), colMeta, scale)
		cv.text(colName, ty, clip(it.Name, nameCols), colListText, scale)
		y += rowH
		cv.fill(image.Rect(margin, y-1, w-margin, y), colGrid)
	}

	footScale := max(w/540, 1)
	footY := h - margin
	if pages > 1 {
		cv.centered(footY, "PAGE "+strconv.Itoa(page)+" / "+strconv.Itoa(pages), colMeta, footScale)
	}
	if l.Brand != "" {
		cv.centered(footY-glyphH*footScale-margin/4, l.Brand, colListText, footScale)
	}
	return encode(cv.img)
}
