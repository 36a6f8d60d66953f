package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const postSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["authorId", "content", "createdAt"],
  "properties": {
    "authorId": {"type": "string", "minLength": 1},
    "authorDisplayName": {"type": "string"},
    "authorHandle": {"type": "string"},
    "authorImageUrl": {"type": "string"},
    "content": {"type": "string", "minLength": 1, "maxLength": 280},
    "imageUrl": {"type": ["string", "null"]},
    "likes": {"type": ["array", "null"], "items": {"type": "string"}, "uniqueItems": true},
    "retweets": {"type": ["array", "null"], "items": {"type": "string"}, "uniqueItems": true},
    "createdAt": {"type": "string"}
  }
}`

var postSchema = jsonschema.MustCompileString("post.schema.json", postSchemaJSON)

// postRecord is the stored shape of a post document.
type postRecord struct {
	AuthorID          string   `json:"authorId"`
	AuthorDisplayName string   `json:"authorDisplayName"`
	AuthorHandle      string   `json:"authorHandle"`
	AuthorImageURL    string   `json:"authorImageUrl"`
	Content           string   `json:"content"`
	ImageURL          *string  `json:"imageUrl"`
	Likes             []string `json:"likes"`
	Retweets          []string `json:"retweets"`
	CreatedAt         string   `json:"createdAt"`
}

// DecodePost parses a posts document. Any failure is reported as ErrMalformed.
func DecodePost(doc Document) (Post, error) {
	var raw any
	if err := json.Unmarshal(doc.Data, &raw); err != nil {
		return Post{}, fmt.Errorf("%w: %s: unmarshal: %v", ErrMalformed, doc.Ref, err)
	}
	if err := postSchema.Validate(raw); err != nil {
		return Post{}, fmt.Errorf("%w: %s: %v", ErrMalformed, doc.Ref, err)
	}

	var rec postRecord
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return Post{}, fmt.Errorf("%w: %s: decode: %v", ErrMalformed, doc.Ref, err)
	}
	if err := ValidateContent(rec.Content); err != nil {
		return Post{}, fmt.Errorf("%w: %s: %v", ErrMalformed, doc.Ref, err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("%w: %s: createdAt: %v", ErrMalformed, doc.Ref, err)
	}

	post := Post{
		ID:                doc.Ref.ID,
		AuthorID:          rec.AuthorID,
		AuthorDisplayName: rec.AuthorDisplayName,
		AuthorHandle:      rec.AuthorHandle,
		AuthorImageURL:    rec.AuthorImageURL,
		Content:           rec.Content,
		ImageURL:          rec.ImageURL,
		Likes:             rec.Likes,
		Retweets:          rec.Retweets,
		CreatedAt:         createdAt.UTC(),
	}
	if post.Likes == nil {
		post.Likes = []string{}
	}
	if post.Retweets == nil {
		post.Retweets = []string{}
	}
	return post, nil
}

// DecodePosts decodes every document of a snapshot in order. Documents that
// fail to decode are skipped and returned as errors alongside the posts.
func DecodePosts(docs []Document) ([]Post, []error) {
	posts := make([]Post, 0, len(docs))
	var errs []error
	for _, doc := range docs {
		p, err := DecodePost(doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		posts = append(posts, p)
	}
	return posts, errs
}

// toggleField flips userID's membership in the named array field of a
// document, leaving every other field untouched.
func toggleField(data json.RawMessage, field, userID string) (json.RawMessage, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false, fmt.Errorf("%w: unmarshal document: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, false, fmt.Errorf("%w: document is not an object", ErrMalformed)
	}

	var members []string
	if raw, ok := fields[field]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &members); err != nil {
			return nil, false, fmt.Errorf("%w: field %s: %v", ErrMalformed, field, err)
		}
	}

	updated, active := toggleMember(members, userID)
	encoded, err := json.Marshal(updated)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s: %w", field, err)
	}
	fields[field] = encoded

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("marshal document: %w", err)
	}
	return out, active, nil
}
