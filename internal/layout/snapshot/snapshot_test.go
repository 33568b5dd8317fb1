package snapshot

import (
	"bytes"
	"testing"

	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/layout"
)

func TestRenderEncodesValidPNG(t *testing.T) {
	r := NewRenderer(320, 180)
	result := layout.SeekResult{
		SeekTime: 1000,
		Elements: []domain.CanvasElement{
			{Kind: domain.ElementRectangle, X: 10, Y: 10, W: 100, H: 50},
			{Kind: domain.ElementEllipse, X: 120, Y: 10, W: 60, H: 60},
			{Kind: domain.ElementArrow, X: 10, Y: 80, W: 150, H: 2},
			{Kind: domain.ElementText, X: 10, Y: 150, W: 100, H: 20, Text: "hello"},
			{Kind: domain.ElementImage, X: 200, Y: 10, W: 80, H: 80},
		},
	}

	png, err := r.Render(result)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("expected non-empty PNG bytes")
	}
	// PNG signature: 0x89 'P' 'N' 'G' \r \n 0x1a \n
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if !bytes.HasPrefix(png, sig) {
		t.Fatalf("output does not start with PNG signature")
	}
}

func TestRenderEmptyResult(t *testing.T) {
	r := NewRenderer(64, 64)
	png, err := r.Render(layout.SeekResult{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("expected non-empty PNG bytes even with no elements")
	}
}

func TestLoadFontMissingFileErrors(t *testing.T) {
	r := NewRenderer(64, 64)
	if err := r.LoadFont("/nonexistent/path/does-not-exist.ttf", 12); err == nil {
		t.Fatal("expected error loading a nonexistent font file")
	}
}
