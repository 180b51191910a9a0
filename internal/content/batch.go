package content

import "strings"

// Batch is a contiguous run of segments delivered as one message.
type Batch []Segment

// TextBatch is a batch holding a single text segment.
func TextBatch(s string) Batch { return Batch{Text(s)} }

// Text joins the batch's text segments with newlines. A paragraph marker
// stays glued to the text that follows it.
func (b Batch) Text() string {
	var sb strings.Builder
	prev := ""
	for _, s := range b {
		if s.Kind != KindText || s.Text == "" {
			continue
		}
		if sb.Len() > 0 && prev != ParagraphMarker {
			sb.WriteByte('\n')
		}
		sb.WriteString(s.Text)
		prev = s.Text
	}
	return sb.String()
}

// Media returns the image and video segments in order.
func (b Batch) Media() []Segment {
	var out []Segment
	for _, s := range b {
		if s.Kind == KindImage || s.Kind == KindVideo {
			out = append(out, s)
		}
	}
	return out
}

// AsLinks returns a copy of the batch with every media segment replaced by a
// "🔗 <url>" text line, in place.
func (b Batch) AsLinks() Batch {
	out := make(Batch, len(b))
	for i, s := range b {
		if s.Kind == KindImage || s.Kind == KindVideo {
			s = Text("🔗 " + s.URL)
		}
		out[i] = s
	}
	return out
}

// Batches partitions segs at the given split points. Empty slices are
// dropped, so concatenating the result always reproduces segs.
//
// Split points outside [0, len(segs)] are clamped and a point lower than its
// predecessor is treated as equal to it.
func Batches(segs []Segment, splits []int) []Batch {
	out := make([]Batch, 0, len(splits)+1)
	start := 0
	for _, p := range splits {
		if p > len(segs) {
			p = len(segs)
		}
		if p <= start {
			continue
		}
		out = append(out, Batch(segs[start:p:p]))
		start = p
	}
	if start < len(segs) {
		out = append(out, Batch(segs[start:len(segs):len(segs)]))
	}
	return out
}

// Render segments a structured document and batches it in one step.
func Render(raw string) []Batch {
	segs, splits := Parse(raw)
	return Batches(segs, splits)
}

// RenderErr is Render but reports why the document fell back to the
// placeholder.
func RenderErr(raw string) ([]Batch, error) {
	segs, splits, err := ParseErr(raw)
	return Batches(segs, splits), err
}
