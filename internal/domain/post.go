package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// PostsCollection is the document collection holding feed posts.
const PostsCollection = "posts"

// MaxContentLength is the maximum post length in Unicode code points.
const MaxContentLength = 280

// TimestampLayout is the fixed-width UTC layout used for stored timestamps.
// Fixed width keeps lexical and chronological order identical.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Post is a single entry in the social feed as stored in the posts collection.
type Post struct {
	// ID is assigned by the store on creation.
	ID string `json:"id"`

	// AuthorID is the user who created the post.
	AuthorID string `json:"authorId"`

	// Author fields are a snapshot of the author's profile at creation time.
	// They are not updated when the profile changes.
	AuthorDisplayName string `json:"authorDisplayName"`
	AuthorHandle      string `json:"authorHandle"`
	AuthorImageURL    string `json:"authorImageUrl"`

	// Content is the post body, 1-280 code points.
	Content string `json:"content"`

	// ImageURL is an optional attachment reference.
	ImageURL *string `json:"imageUrl,omitempty"`

	// Likes and Retweets hold user IDs; each ID appears at most once.
	Likes    []string `json:"likes"`
	Retweets []string `json:"retweets"`

	// CreatedAt is the store-assigned creation time.
	CreatedAt time.Time `json:"createdAt"`
}

// LikedBy reports whether userID is in the post's likes.
func (p *Post) LikedBy(userID string) bool {
	return contains(p.Likes, userID)
}

// RetweetedBy reports whether userID is in the post's retweets.
func (p *Post) RetweetedBy(userID string) bool {
	return contains(p.Retweets, userID)
}

// EngagementKind selects which engagement set a toggle applies to.
type EngagementKind int

const (
	Like EngagementKind = iota + 1
	Retweet
)

// Field returns the document field holding the kind's user set.
func (k EngagementKind) Field() string {
	switch k {
	case Like:
		return "likes"
	case Retweet:
		return "retweets"
	default:
		return ""
	}
}

func (k EngagementKind) String() string {
	switch k {
	case Like:
		return "like"
	case Retweet:
		return "retweet"
	default:
		return fmt.Sprintf("EngagementKind(%d)", int(k))
	}
}

// Profile is the author identity copied onto new posts.
type Profile struct {
	DisplayName string
	Handle      string
	ImageURL    string
}

// DefaultProfile is used when the author's profile cannot be resolved.
func DefaultProfile() Profile {
	return Profile{
		DisplayName: "User",
		Handle:      "@user",
		ImageURL:    "",
	}
}

// NormalizeContent trims surrounding whitespace and checks the length bounds.
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if err := ValidateContent(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ValidateContent checks that content is between 1 and MaxContentLength code points.
func ValidateContent(content string) error {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	if n > MaxContentLength {
		return fmt.Errorf("%w: content is %d characters, max %d", ErrInvalidInput, n, MaxContentLength)
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// toggleMember removes every occurrence of v from set if present, otherwise
// appends it. The result is never nil so it encodes as an empty JSON array.
func toggleMember(set []string, v string) ([]string, bool) {
	if !contains(set, v) {
		out := make([]string, 0, len(set)+1)
		out = append(out, set...)
		return append(out, v), true
	}
	out := make([]string, 0, len(set))
	for _, s := range set {
		if s != v {
			out = append(out, s)
		}
	}
	return out, false
}
