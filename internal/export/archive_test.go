package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackmichael/fantrix-feed/internal/docstore"
	"github.com/blackmichael/fantrix-feed/internal/domain"
)

func TestFeedExportSkipsMalformed(t *testing.T) {
	store, err := docstore.Open(filepath.Join(t.TempDir(), "feed.db"), docstore.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		_, err := store.Add(ctx, domain.PostsCollection, map[string]any{
			"authorId":  "u1",
			"content":   content,
			"likes":     []string{"u2"},
			"retweets":  []string{},
			"createdAt": domain.ServerTimestamp,
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := store.Add(ctx, domain.PostsCollection, map[string]any{"content": 5}); err != nil {
		t.Fatalf("Add malformed: %v", err)
	}

	var buf bytes.Buffer
	res, err := Feed(ctx, store, &buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res.Posts != 2 || res.Malformed != 1 {
		t.Fatalf("result = %+v, want 2 posts and 1 malformed", res)
	}

	posts, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(posts) != 2 || posts[0].Content != "second" || posts[1].Content != "first" {
		t.Fatalf("posts = %+v", posts)
	}
	if len(posts[0].Likes) != 1 || posts[0].Likes[0] != "u2" {
		t.Fatalf("likes = %v", posts[0].Likes)
	}
}

func TestWriteReadPreservesFields(t *testing.T) {
	img := "https://img/p.png"
	in := []domain.Post{{
		ID:                "p1",
		AuthorID:          "u1",
		AuthorDisplayName: "Ann",
		AuthorHandle:      "@ann",
		Content:           "hi ✨",
		ImageURL:          &img,
		Likes:             []string{"a", "b"},
		Retweets:          []string{},
		CreatedAt:         time.Date(2024, 5, 1, 8, 0, 0, 123, time.UTC),
	}}

	var buf bytes.Buffer
	if err := Write(&buf, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("posts = %d, want 1", len(out))
	}
	got := out[0]
	if got.ID != "p1" || got.Content != "hi ✨" || got.ImageURL == nil || *got.ImageURL != img {
		t.Fatalf("post = %+v", got)
	}
	if !got.CreatedAt.Equal(in[0].CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, in[0].CreatedAt)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte("not zstd"))); err == nil {
		t.Fatal("Read succeeded on garbage")
	}
}
