// Package content turns Miyoushe structured documents into ordered message
// segments and groups them into batches for chunked delivery.
package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Segment is one typed unit of outgoing content.
// Text is set for KindText, URL for KindImage and KindVideo.
type Segment struct {
	Kind Kind
	Text string
	URL  string
}

func Text(s string) Segment  { return Segment{Kind: KindText, Text: s} }
func Image(u string) Segment { return Segment{Kind: KindImage, URL: u} }
func Video(u string) Segment { return Segment{Kind: KindVideo, URL: u} }

const (
	// ParagraphMarker separates paragraphs inside text inserts.
	ParagraphMarker = "▌"

	// ParseFailedText replaces a document that cannot be decoded.
	ParseFailedText = "content parse failed"

	// Videos longer than this many milliseconds are sent as a link.
	maxEmbeddedVideoMS = 60_000
)

type insertOp struct {
	Insert json.RawMessage `json:"insert"`
}

type embed struct {
	Image string `json:"image"`
	Vod   *vod   `json:"vod"`
}

type vod struct {
	Duration    float64      `json:"duration"`
	Resolutions []resolution `json:"resolutions"`
	ViewNum     int64        `json:"view_num"`
}

type resolution struct {
	URL        string `json:"url"`
	Definition string `json:"definition"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Bitrate    int64  `json:"bitrate"`
}

var errNoResolutions = errors.New("video without resolutions")

// Parse converts a serialized structured document into segments plus the
// split points that force batch boundaries. A split point i means
// segments[:i] belong to earlier batches.
//
// A document that cannot be decoded yields a single ParseFailedText segment
// and no split points.
func Parse(raw string) ([]Segment, []int) {
	segs, splits, err := parse(raw)
	if err != nil {
		return []Segment{Text(ParseFailedText)}, nil
	}
	return segs, splits
}

// ParseErr is Parse but reports why the document was rejected.
func ParseErr(raw string) ([]Segment, []int, error) {
	segs, splits, err := parse(raw)
	if err != nil {
		return []Segment{Text(ParseFailedText)}, nil, err
	}
	return segs, splits, nil
}

type segmenter struct {
	segs   []Segment
	splits []int
	buf    strings.Builder
}

func parse(raw string) ([]Segment, []int, error) {
	var ops []insertOp
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		return nil, nil, fmt.Errorf("decode document: %w", err)
	}

	s := &segmenter{}
	for i, op := range ops {
		body := bytes.TrimSpace(op.Insert)
		if len(body) == 0 {
			return nil, nil, fmt.Errorf("op %d: missing insert", i)
		}
		switch body[0] {
		case '"':
			var text string
			if err := json.Unmarshal(body, &text); err != nil {
				return nil, nil, fmt.Errorf("op %d: %w", i, err)
			}
			s.text(text)
		case '{':
			var e embed
			if err := json.Unmarshal(body, &e); err != nil {
				return nil, nil, fmt.Errorf("op %d: %w", i, err)
			}
			switch {
			case e.Image != "":
				s.flush()
				s.segs = append(s.segs, Image(StripSpace(e.Image)))
			case e.Vod != nil:
				if err := s.video(e.Vod); err != nil {
					return nil, nil, fmt.Errorf("op %d: %w", i, err)
				}
			}
		case 'n':
			return nil, nil, fmt.Errorf("op %d: null insert", i)
		default:
			// other scalars carry nothing to relay
			continue
		}
	}
	s.flush()
	return s.segs, s.splits, nil
}

func (s *segmenter) text(run string) {
	parts := strings.Split(run, ParagraphMarker)
	s.buf.WriteString(parts[0])
	for _, part := range parts[1:] {
		s.flush()
		s.splits = append(s.splits, len(s.segs))
		s.segs = append(s.segs, Text(ParagraphMarker))
		s.buf.WriteString(part)
	}
}

func (s *segmenter) video(v *vod) error {
	if len(v.Resolutions) == 0 {
		return errNoResolutions
	}
	s.flush()

	best := v.Resolutions[0]
	for _, r := range v.Resolutions[1:] {
		if r.Width >= best.Width {
			best = r
		}
	}
	url := StripSpace(best.URL)
	secs := v.Duration / 1000

	s.segs = append(s.segs, Text(fmt.Sprintf("🎬 Video: %s %.1fs · %d views", best.Definition, secs, v.ViewNum)))
	s.splits = append(s.splits, len(s.segs))
	if v.Duration > maxEmbeddedVideoMS {
		s.segs = append(s.segs, Text("🔗 Video link: "+url))
	} else {
		s.segs = append(s.segs, Video(url))
	}
	s.splits = append(s.splits, len(s.segs))
	return nil
}

// flush emits the buffered text with only its outer line breaks removed.
func (s *segmenter) flush() {
	t := trimNewlines(s.buf.String())
	s.buf.Reset()
	if t != "" {
		s.segs = append(s.segs, Text(t))
	}
}

func trimNewlines(s string) string { return strings.Trim(s, "\r\n") }

// StripSpace removes every whitespace rune. Media URLs from the source
// sometimes carry stray spaces or newlines.
func StripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

