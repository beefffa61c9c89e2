// Package render turns reply and broadcast templates into sendable segments.
package render

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"

	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentImage
)

type Segment struct {
	Kind  SegmentKind
	Text  string
	Image transport.Image
}

// Message is an ordered list of text and image segments.
type Message struct {
	Segments []Segment
}

func Text(s string) Message {
	if strings.TrimSpace(s) == "" {
		return Message{}
	}
	return Message{Segments: []Segment{{Kind: SegmentText, Text: s}}}
}

func (m Message) IsEmpty() bool { return len(m.Segments) == 0 }

// PlainText joins the text segments, for logs and previews.
func (m Message) PlainText() string {
	parts := make([]string, 0, len(m.Segments))
	for _, s := range m.Segments {
		if s.Kind == SegmentText {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Image directives: 《发送图片SRC》 (legacy form) and [img:SRC].
var directiveRe = regexp.MustCompile(`《发送图片(.+?)》|\[img:([^\]]+)\]`)

// Renderer expands templates. Zero value is usable.
type Renderer struct {
	// ReadFile loads local image paths. Defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
	// Raster, when set, converts the text of every message into one picture.
	Raster *Rasterizer
	Log    logx.Logger
}

// Render expands the literal two-character sequence `\n` into a newline,
// resolves image directives and optionally rasterizes the text.
func (r *Renderer) Render(template string) Message {
	m := r.parse(strings.ReplaceAll(template, `\n`, "\n"))
	if r.Raster == nil || m.IsEmpty() {
		return m
	}
	out, err := r.Raster.Rasterize(m)
	if err != nil {
		r.log().Warn("rasterize failed; sending text", logx.Err(err))
		return m
	}
	return out
}

func (r *Renderer) log() logx.Logger {
	if r.Log.IsZero() {
		return logx.Nop()
	}
	return r.Log
}

func (r *Renderer) parse(s string) Message {
	var m Message
	pushText := func(t string) {
		if strings.TrimSpace(t) == "" {
			return
		}
		m.Segments = append(m.Segments, Segment{Kind: SegmentText, Text: strings.Trim(t, "\n")})
	}

	last := 0
	for _, loc := range directiveRe.FindAllStringSubmatchIndex(s, -1) {
		pushText(s[last:loc[0]])
		last = loc[1]

		src := ""
		if loc[2] >= 0 {
			src = s[loc[2]:loc[3]]
		} else if loc[4] >= 0 {
			src = s[loc[4]:loc[5]]
		}
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		if seg, ok := r.image(src); ok {
			m.Segments = append(m.Segments, seg)
		} else {
			pushText(src)
		}
	}
	pushText(s[last:])
	return m
}

func (r *Renderer) image(src string) (Segment, bool) {
	low := strings.ToLower(src)
	if strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://") {
		return Segment{Kind: SegmentImage, Image: transport.Image{URL: src}}, true
	}
	read := r.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	b, err := read(src)
	if err != nil {
		r.log().Warn("image unreadable; sending path as text", logx.String("path", src), logx.Err(err))
		return Segment{}, false
	}
	return Segment{Kind: SegmentImage, Image: transport.Image{Data: b, Name: filepath.Base(src)}}, true
}

// Deliver sends every segment to one target in order. It keeps going after
// a failed segment and returns the refs of those that made it.
func Deliver(ctx context.Context, s transport.Sender, to transport.ChatTarget, m Message, opt *transport.SendOptions) ([]transport.MessageRef, error) {
	refs := make([]transport.MessageRef, 0, len(m.Segments))
	var errs error
	for i, seg := range m.Segments {
		if err := ctx.Err(); err != nil {
			return refs, multierror.Append(errs, err)
		}
		o := opt
		if i > 0 && opt != nil {
			// Only the first segment quotes or carries markup.
			cp := *opt
			cp.ReplyTo = 0
			cp.ReplyMarkupAdapter = nil
			o = &cp
		}
		var (
			ref transport.MessageRef
			err error
		)
		switch seg.Kind {
		case SegmentImage:
			ref, err = s.SendImage(ctx, to, seg.Image, o)
		default:
			ref, err = s.SendText(ctx, to, seg.Text, o)
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, errs
}
