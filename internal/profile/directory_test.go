package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blackmichael/fantrix-feed/internal/docstore"
	"github.com/blackmichael/fantrix-feed/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openDocs(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(filepath.Join(t.TempDir(), "users.db"), docstore.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFromRecord(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want domain.Profile
	}{
		{
			name: "complete",
			rec:  Record{FullName: "Ann Lee", Email: "ann.lee@example.com", ProfileImage: "https://img/a.png"},
			want: domain.Profile{DisplayName: "Ann Lee", Handle: "@ann.lee", ImageURL: "https://img/a.png"},
		},
		{
			name: "empty",
			rec:  Record{},
			want: domain.Profile{DisplayName: "User", Handle: "@user", ImageURL: ""},
		},
		{
			name: "email without at sign",
			rec:  Record{Email: "bob"},
			want: domain.Profile{DisplayName: "User", Handle: "@bob", ImageURL: ""},
		},
		{
			name: "email with empty local part",
			rec:  Record{FullName: "  Cy  ", Email: "@example.com"},
			want: domain.Profile{DisplayName: "Cy", Handle: "@user", ImageURL: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromRecord(tt.rec); got != tt.want {
				t.Fatalf("FromRecord = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStoreLookupMissingUsesDefaults(t *testing.T) {
	s := NewStore(openDocs(t), testLogger())

	p, err := s.Lookup(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p != domain.DefaultProfile() {
		t.Fatalf("Lookup = %+v, want defaults", p)
	}
}

func TestStoreSaveThenLookup(t *testing.T) {
	s := NewStore(openDocs(t), testLogger())
	ctx := context.Background()

	if err := s.Save(ctx, "u1", Record{FullName: " Dee ", Email: "dee@x.io"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	p, err := s.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.DisplayName != "Dee" || p.Handle != "@dee" {
		t.Fatalf("Lookup = %+v", p)
	}

	if err := s.Save(ctx, "", Record{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Save without user: error = %v, want ErrInvalidInput", err)
	}
}

func TestStoreLookupMalformedDocument(t *testing.T) {
	docs := openDocs(t)
	ctx := context.Background()
	ref := domain.DocumentRef{Collection: UsersCollection, ID: "u1"}
	if err := docs.Set(ctx, ref, map[string]any{"fullName": 12}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err := NewStore(docs, testLogger()).Lookup(ctx, "u1")
	if !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("Lookup error = %v, want ErrMalformed", err)
	}
}

func TestCacheFallsBackWhenRedisIsDown(t *testing.T) {
	dir := NewStore(openDocs(t), testLogger())
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	cache := NewCache(dir, client, time.Minute, testLogger())
	ctx := context.Background()

	if err := cache.Save(ctx, "u1", Record{FullName: "Eve", Email: "eve@x.io"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	p, err := cache.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.DisplayName != "Eve" || p.Handle != "@eve" {
		t.Fatalf("Lookup = %+v", p)
	}
}
