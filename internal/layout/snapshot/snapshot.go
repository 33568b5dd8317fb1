// Package snapshot rasterizes a layout.SeekResult to a PNG for offline
// inspection and tests — not on the
// playback-critical path. Grounded on the reference backend's avatar
// renderer: gg for drawing, freetype for loading a TTF, x/image/font for
// the font face type.
package snapshot

import (
	"bytes"
	"fmt"
	"image/color"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/layout"
)

// Renderer draws SeekResults onto a fixed-size canvas using a loaded font
// face. A nil fontFace falls back to gg's built-in face.
type Renderer struct {
	width, height int
	fontFace font.Face
}

// NewRenderer constructs a renderer for a canvasWidth x canvasHeight PNG.
func NewRenderer(width, height int) *Renderer {
	return &Renderer{width: width, height: height}
}

// LoadFont loads a TTF from path at the given point size, grounded on the
// reference backend's loadFontFace helper. Optional: renders with gg's
// default face if never called.
func (r *Renderer) LoadFont(path string, points float64) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("snapshot: read font: %w", err)
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return fmt.Errorf("snapshot: parse font: %w", err)
	}
	r.fontFace = truetype.NewFace(parsed, &truetype.Options{Size: points})
	return nil
}

var kindFill = map[domain.ElementKind]color.NRGBA{
	domain.ElementRectangle: {R: 90, G: 140, B: 220, A: 255},
	domain.ElementEllipse: {R: 220, G: 140, B: 90, A: 255},
	domain.ElementArrow: {R: 90, G: 200, B: 140, A: 255},
	domain.ElementLine: {R: 160, G: 160, B: 160, A: 255},
	domain.ElementImage: {R: 200, G: 200, B: 200, A: 255},
	domain.ElementText: {R: 30, G: 30, B: 30, A: 255},
}

// Render draws result onto a new canvas and returns PNG-encoded bytes.
func (r *Renderer) Render(result layout.SeekResult) ([]byte, error) {
	dc := gg.NewContext(r.width, r.height)
	dc.SetColor(color.White)
	dc.Clear()

	if r.fontFace != nil {
		dc.SetFontFace(r.fontFace)
	}

	for _, el := range result.Elements {
		fill, ok := kindFill[el.Kind]
		if !ok {
			fill = color.NRGBA{R: 128, G: 128, B: 128, A: 255}
		}
		dc.SetColor(fill)

		switch el.Kind {
		case domain.ElementEllipse:
			dc.DrawEllipse(el.X+el.W/2, el.Y+el.H/2, el.W/2, el.H/2)
			dc.Fill()
		case domain.ElementArrow, domain.ElementLine:
			dc.SetLineWidth(3)
			dc.DrawLine(el.X, el.Y+el.H/2, el.X+el.W, el.Y+el.H/2)
			dc.Stroke()
		case domain.ElementText:
			dc.SetColor(color.Black)
			dc.DrawString(el.Text, el.X, el.Y+el.H/2)
		default:
			dc.DrawRectangle(el.X, el.Y, el.W, el.H)
			dc.Fill()
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("snapshot: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
