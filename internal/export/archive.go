// Package export writes and reads feed archives: one JSON post per line,
// zstd compressed.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/blackmichael/fantrix-feed/internal/domain"
)

// Querier runs a one-shot query against a document store.
type Querier interface {
	Query(ctx context.Context, q domain.Query) ([]domain.Document, error)
}

// Result summarizes an export.
type Result struct {
	Posts     int
	Malformed int
}

// Feed writes every decodable post in the feed, newest first. Documents that
// fail to decode are counted and skipped, the same way the live feed drops
// them.
func Feed(ctx context.Context, store Querier, w io.Writer) (Result, error) {
	docs, err := store.Query(ctx, domain.FeedQuery())
	if err != nil {
		return Result{}, fmt.Errorf("query feed: %w", err)
	}

	posts, errs := domain.DecodePosts(docs)
	if err := Write(w, posts); err != nil {
		return Result{}, err
	}
	return Result{Posts: len(posts), Malformed: len(errs)}, nil
}

// Write encodes posts to w.
func Write(w io.Writer, posts []domain.Post) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	je := json.NewEncoder(enc)
	for i := range posts {
		if err := je.Encode(&posts[i]); err != nil {
			enc.Close()
			return fmt.Errorf("encode post %s: %w", posts[i].ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return nil
}

// Read decodes an archive written by Write.
func Read(r io.Reader) ([]domain.Post, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var posts []domain.Post
	line := 0
	for sc.Scan() {
		line++
		var p domain.Post
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("line %d: unmarshal: %w", line, err)
		}
		posts = append(posts, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return posts, nil
}
