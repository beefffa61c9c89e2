package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"strings"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"guardbot/internal/transport"
)

const (
	rasterPadding    = 12
	rasterLineHeight = 15
)

const defaultFontSize = 24

// Rasterizer draws the text of a message into a single picture. Every
// non-empty line is drawn as a heading; blank lines are kept as spacing.
// Image segments ride along after the picture.
//
// Without Face the built-in 7x13 face is scaled up; it covers printable
// ASCII only, so CJK text needs a Face loaded with LoadFace.
type Rasterizer struct {
	Format      string    // "png" (default) or "jpeg"
	MaxColumns  int       // wrap width in characters, default 40
	Scale       int       // scale of the built-in face, default 2
	Face        font.Face // drawn at its own size, never scaled
	JPEGQuality int

	// font.Face implementations keep glyph buffers and are not safe for
	// concurrent use.
	mu sync.Mutex
}

// LoadFace reads a TrueType or OpenType font (a .ttc/.otc collection uses
// its first font) and returns a face of the given size in points. size <= 0
// means 24.
func LoadFace(path string, size float64) (font.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	coll, err := opentype.ParseCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", path, err)
	}
	if coll.NumFonts() == 0 {
		return nil, fmt.Errorf("parse font %s: no fonts in file", path)
	}
	f, err := coll.Font(0)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", path, err)
	}
	if size <= 0 {
		size = defaultFontSize
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("font face %s: %w", path, err)
	}
	return face, nil
}

type rasterLine struct {
	text    string
	heading bool
}

func (r *Rasterizer) columns() int {
	if r.MaxColumns <= 0 {
		return 40
	}
	return r.MaxColumns
}

func (r *Rasterizer) scale() int {
	if r.Scale <= 0 {
		return 2
	}
	return r.Scale
}

// Rasterize returns m unchanged when it has no text.
func (r *Rasterizer) Rasterize(m Message) (Message, error) {
	lines := textLines(m, r.columns())
	if len(lines) == 0 {
		return m, nil
	}
	img := r.draw(lines)

	var buf bytes.Buffer
	name := "message.png"
	switch strings.ToLower(strings.TrimSpace(r.Format)) {
	case "", "png":
		if err := png.Encode(&buf, img); err != nil {
			return m, fmt.Errorf("encode png: %w", err)
		}
	case "jpeg", "jpg":
		q := r.JPEGQuality
		if q <= 0 || q > 100 {
			q = 90
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return m, fmt.Errorf("encode jpeg: %w", err)
		}
		name = "message.jpg"
	default:
		return m, fmt.Errorf("unsupported image format %q", r.Format)
	}

	out := Message{Segments: []Segment{{Kind: SegmentImage, Image: transport.Image{Data: buf.Bytes(), Name: name}}}}
	for _, s := range m.Segments {
		if s.Kind == SegmentImage {
			out.Segments = append(out.Segments, s)
		}
	}
	return out, nil
}

// textLines splits the text segments into wrapped lines.
func textLines(m Message, cols int) []rasterLine {
	var out []rasterLine
	for _, s := range m.Segments {
		if s.Kind != SegmentText {
			continue
		}
		for _, ln := range strings.Split(s.Text, "\n") {
			ln = strings.TrimRight(ln, " \t\r")
			if strings.TrimSpace(ln) == "" {
				out = append(out, rasterLine{})
				continue
			}
			for _, w := range wrapRunes(ln, cols) {
				out = append(out, rasterLine{text: w, heading: true})
			}
		}
	}
	// trailing spacers carry no content
	for len(out) > 0 && out[len(out)-1].text == "" {
		out = out[:len(out)-1]
	}
	return out
}

func wrapRunes(s string, cols int) []string {
	rs := []rune(s)
	if len(rs) <= cols {
		return []string{s}
	}
	var out []string
	for len(rs) > cols {
		cut := cols
		for i := cols; i > cols/2; i-- {
			if rs[i] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), " "))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == ' ' {
			rs = rs[1:]
		}
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}

func (r *Rasterizer) draw(lines []rasterLine) image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()

	face, k, lineH := r.Face, 1, 0
	if face == nil {
		face, k, lineH = basicfont.Face7x13, r.scale(), rasterLineHeight
	}
	m := face.Metrics()
	if lineH == 0 {
		lineH = m.Height.Ceil() + m.Height.Ceil()/5
	}
	textW := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l.text).Ceil(); w > textW {
			textW = w
		}
	}
	w := rasterPadding*2 + textW
	h := rasterPadding*2 + len(lines)*lineH

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(src, src.Bounds(), image.White, image.Point{}, xdraw.Src)
	d := &font.Drawer{Dst: src, Src: image.Black, Face: face}
	for i, l := range lines {
		if l.text == "" {
			continue
		}
		d.Dot = fixed.P(rasterPadding, rasterPadding+i*lineH+m.Ascent.Ceil())
		d.DrawString(l.text)
	}
	if k == 1 {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w*k, h*k))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
