package miyoushe

import (
	"errors"
	"fmt"
	"time"
)

// ErrAPI matches every APIError.
var ErrAPI = errors.New("miyoushe api error")

// APIError is a well-formed response with a non-zero retcode. It is never
// retried.
type APIError struct {
	Retcode int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("miyoushe api: retcode %d: %s", e.Retcode, e.Message)
}

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// Post is one entry of an author's post list.
type Post struct {
	AuthorID  string
	PostID    string
	Title     string
	UpdatedAt time.Time
	// DeletedAt is zero unless the post was soft-deleted.
	DeletedAt time.Time
	// StructuredContent is the raw structured document, empty when absent.
	StructuredContent string
	Images            []string
	Stats             Stats
	Author            Author
	Forum             string
}

func (p Post) Deleted() bool { return !p.DeletedAt.IsZero() }

type Stats struct {
	Views   int64
	Replies int64
	Likes   int64
}

type Author struct {
	UID           string
	Nickname      string
	Certification string // label, empty when uncertified
}

// Wire shapes.

type envelope[T any] struct {
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type postListData struct {
	List    []postItem `json:"list"`
	HasMore bool       `json:"has_more"`
	LastID  string     `json:"last_id"`
}

type postItem struct {
	Post struct {
		PostID            string `json:"post_id"`
		UID               string `json:"uid"`
		Subject           string `json:"subject"`
		UpdatedAt         int64  `json:"updated_at"`
		DeletedAt         int64  `json:"deleted_at"`
		StructuredContent string `json:"structured_content"`
	} `json:"post"`
	Forum struct {
		Name string `json:"name"`
	} `json:"forum"`
	User struct {
		UID           string `json:"uid"`
		Nickname      string `json:"nickname"`
		Certification *struct {
			Type  int    `json:"type"`
			Label string `json:"label"`
		} `json:"certification"`
	} `json:"user"`
	ImageList []struct {
		URL string `json:"url"`
	} `json:"image_list"`
	Stat struct {
		ViewNum  int64 `json:"view_num"`
		ReplyNum int64 `json:"reply_num"`
		LikeNum  int64 `json:"like_num"`
	} `json:"stat"`
}

type userInfoData struct {
	UserInfo *struct {
		UID      string `json:"uid"`
		Nickname string `json:"nickname"`
	} `json:"user_info"`
}

func (it postItem) toPost(authorID string) Post {
	p := Post{
		AuthorID:          authorID,
		PostID:            it.Post.PostID,
		Title:             it.Post.Subject,
		UpdatedAt:         time.Unix(it.Post.UpdatedAt, 0),
		StructuredContent: it.Post.StructuredContent,
		Stats:             Stats{Views: it.Stat.ViewNum, Replies: it.Stat.ReplyNum, Likes: it.Stat.LikeNum},
		Author:            Author{UID: it.User.UID, Nickname: it.User.Nickname},
		Forum:             it.Forum.Name,
	}
	if it.Post.DeletedAt != 0 {
		p.DeletedAt = time.Unix(it.Post.DeletedAt, 0)
	}
	if it.User.Certification != nil {
		p.Author.Certification = it.User.Certification.Label
	}
	for _, img := range it.ImageList {
		if img.URL != "" {
			p.Images = append(p.Images, img.URL)
		}
	}
	return p
}
