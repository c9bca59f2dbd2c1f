package models

import "time"

// Comment limits
const (
	MaxCommentLength = 500
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Comment is a top-level comment or a reply on a video.
type Comment struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"videoId"`
	ParentID   string    `json:"parentId,omitempty"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text"`
	LikeCount  int       `json:"likeCount"`
	LikedByMe  bool      `json:"likedByMe"`
	Pinned     bool      `json:"pinned"`
	ReplyCount int       `json:"replyCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IsReply returns true if the comment answers another comment.
func (c *Comment) IsReply() bool {
	return c.ParentID != ""
}

// CommentPage is one page of a paginated comment listing.
type CommentPage struct {
	Comments []Comment `json:"comments"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}
