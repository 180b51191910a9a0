package relay

import (
	"fmt"
	"html"
	"strings"

	"hoyorelay/internal/content"
	"hoyorelay/internal/miyoushe"
)

const (
	contentHeader     = "📑 Content"
	imagesHeader      = "📷 Images"
	noContentText     = "(no structured content)"
	defaultArticleURL = "https://www.miyoushe.com/ys/article/"
)

// Renderer turns a post into the ordered batches sent to one destination.
type Renderer struct {
	ArticleBaseURL string
}

// Summary is the first batch of every delivery.
func (r Renderer) Summary(p miyoushe.Post) string {
	base := r.ArticleBaseURL
	if base == "" {
		base = defaultArticleURL
	}
	cert := ""
	if p.Author.Certification != "" {
		cert = "[" + p.Author.Certification + "] "
	}
	nick := p.Author.Nickname
	if nick == "" {
		nick = p.AuthorID
	}
	uid := p.Author.UID
	if uid == "" {
		uid = p.AuthorID
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📢 %s%s published a new post\n", cert, nick)
	fmt.Fprintf(&sb, "🔹 Title: %s\n", p.Title)
	fmt.Fprintf(&sb, "👤 Author: %s (UID: %s)\n", nick, uid)
	fmt.Fprintf(&sb, "📊 Views: %d | Replies: %d | Likes: %d\n", p.Stats.Views, p.Stats.Replies, p.Stats.Likes)
	fmt.Fprintf(&sb, "🔗 Link: %s%s", base, p.PostID)
	if p.Forum != "" {
		fmt.Fprintf(&sb, "\n🏷️ Forum: %s", p.Forum)
	}
	return sb.String()
}

// Batches renders the full outgoing sequence: summary, content header, the
// segmented body (or a placeholder), then the image list when the post has
// no structured content. A structured document that fails to decode still
// yields the placeholder batches; err reports why.
func (r Renderer) Batches(p miyoushe.Post) ([]content.Batch, error) {
	out := []content.Batch{
		content.TextBatch(r.Summary(p)),
		content.TextBatch(contentHeader),
	}
	if p.StructuredContent == "" {
		out = append(out, content.TextBatch(noContentText))
		imgs := make(content.Batch, 0, len(p.Images))
		for _, u := range p.Images {
			if u = content.StripSpace(u); u != "" {
				imgs = append(imgs, content.Image(u))
			}
		}
		if len(imgs) > 0 {
			out = append(out, content.TextBatch(imagesHeader), imgs)
		}
		return out, nil
	}
	body, err := content.RenderErr(p.StructuredContent)
	return append(out, body...), err
}

// MentionPrelude is the HTML text that pings a subscriber before a
// subscription delivery.
func MentionPrelude(subscriberID, authorName string) string {
	return fmt.Sprintf(`<a href="tg://user?id=%s">🔔</a> %s published a new post!`,
		html.EscapeString(subscriberID), html.EscapeString(authorName))
}
