package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FeedService is the core domain service. It owns the live feed view and the
// write operations users perform on it. Results of writes are never applied
// locally; they surface through the next snapshot from the store.
type FeedService struct {
	store    DocumentStore
	profiles ProfileLookup
	events   EventPublisher
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	feed *FeedSubscription
}

// NewFeedService creates a FeedService. events and recorder may be nil.
func NewFeedService(store DocumentStore, profiles ProfileLookup, events EventPublisher, recorder Recorder, logger *slog.Logger) *FeedService {
	if events == nil {
		events = nopPublisher{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &FeedService{
		store:    store,
		profiles: profiles,
		events:   events,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/blackmichael/fantrix-feed/internal/domain"),
		feed:     NewFeedSubscription(store, recorder, logger),
	}
}

// Start opens the live feed subscription. It is idempotent.
func (s *FeedService) Start() {
	s.feed.Start()
}

// Stop closes the live feed subscription. It is safe to call repeatedly.
func (s *FeedService) Stop() {
	s.feed.Stop()
}

// Feed returns the latest feed state.
func (s *FeedService) Feed() FeedState {
	return s.feed.Current()
}

// Observe streams feed states until ctx is done.
func (s *FeedService) Observe(ctx context.Context) <-chan FeedState {
	return s.feed.Observe(ctx)
}

// CreatePost validates content and appends a new post authored by authorID.
// The post is not returned; it appears in the next feed snapshot.
//
// CreatePost is not idempotent: retrying after a failure whose outcome is
// unknown (for example a timeout) may store the post twice.
func (s *FeedService) CreatePost(ctx context.Context, authorID, content string) (err error) {
	ctx, span := s.tracer.Start(ctx, "FeedService.CreatePost", trace.WithAttributes(
		attribute.String("author.id", authorID),
	))
	defer func() { endSpan(span, err) }()

	if authorID == "" {
		return fmt.Errorf("%w: author id is required", ErrInvalidInput)
	}
	content, err = NormalizeContent(content)
	if err != nil {
		return err
	}

	profile := s.resolveProfile(ctx, authorID)

	fields := map[string]any{
		"authorId":          authorID,
		"authorDisplayName": profile.DisplayName,
		"authorHandle":      profile.Handle,
		"authorImageUrl":    profile.ImageURL,
		"content":           content,
		"imageUrl":          nil,
		"likes":             []string{},
		"retweets":          []string{},
		"createdAt":         ServerTimestamp,
	}

	ref, err := s.store.Add(ctx, PostsCollection, fields)
	if err != nil {
		s.logger.Error("create post failed", "author_id", authorID, "error", err)
		return fmt.Errorf("add post: %w", err)
	}

	s.recorder.PostCreated()
	s.logger.Info("post created", "post_id", ref.ID, "author_id", authorID)

	event := PostCreatedEvent{PostID: ref.ID, AuthorID: authorID, Content: content}
	if err := s.events.PublishPostCreated(ctx, event); err != nil {
		s.logger.Warn("publish post created failed", "post_id", ref.ID, "error", err)
	}
	return nil
}

// ToggleLike flips userID's like on the post.
func (s *FeedService) ToggleLike(ctx context.Context, postID, userID string) error {
	return s.Toggle(ctx, postID, userID, Like)
}

// ToggleRetweet flips userID's retweet on the post.
func (s *FeedService) ToggleRetweet(ctx context.Context, postID, userID string) error {
	return s.Toggle(ctx, postID, userID, Retweet)
}

// Toggle adds userID to the post's engagement set of the given kind if
// absent, or removes it if present, in a single store transaction.
// Concurrent toggles on the same post are serialized by the store.
func (s *FeedService) Toggle(ctx context.Context, postID, userID string, kind EngagementKind) (err error) {
	ctx, span := s.tracer.Start(ctx, "FeedService.Toggle", trace.WithAttributes(
		attribute.String("post.id", postID),
		attribute.String("user.id", userID),
		attribute.String("engagement.kind", kind.String()),
	))
	defer func() { endSpan(span, err) }()

	field := kind.Field()
	if field == "" {
		return fmt.Errorf("%w: unknown engagement kind %d", ErrInvalidInput, int(kind))
	}
	if postID == "" || userID == "" {
		return fmt.Errorf("%w: post id and user id are required", ErrInvalidInput)
	}

	// active holds the outcome of the attempt that committed.
	var active bool
	ref := DocumentRef{Collection: PostsCollection, ID: postID}
	err = s.store.RunTransaction(ctx, ref, func(current Document) (json.RawMessage, error) {
		data, now, err := toggleField(current.Data, field, userID)
		if err != nil {
			return nil, err
		}
		active = now
		return data, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("toggle on missing post", "post_id", postID, "kind", kind.String())
		} else {
			s.logger.Error("toggle failed", "post_id", postID, "kind", kind.String(), "error", err)
		}
		return fmt.Errorf("toggle %s on %s: %w", kind, postID, err)
	}

	s.recorder.Toggled(kind, active)
	s.logger.Debug("engagement toggled", "post_id", postID, "user_id", userID, "kind", kind.String(), "active", active)

	event := EngagementToggledEvent{PostID: postID, UserID: userID, Kind: kind.String(), Active: active}
	if err := s.events.PublishEngagementToggled(ctx, event); err != nil {
		s.logger.Warn("publish engagement toggled failed", "post_id", postID, "error", err)
	}
	return nil
}

// resolveProfile looks up the author's profile, falling back to the default
// identity so that a lookup failure never blocks posting.
func (s *FeedService) resolveProfile(ctx context.Context, userID string) Profile {
	if s.profiles == nil {
		return DefaultProfile()
	}
	profile, err := s.profiles.Lookup(ctx, userID)
	if err != nil {
		s.logger.Warn("profile lookup failed, using default identity", "user_id", userID, "error", err)
		return DefaultProfile()
	}
	return profile
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
