// Package feedclient is a Go client for the feed HTTP API.
package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackmichael/fantrix-feed/internal/api"
	"github.com/blackmichael/fantrix-feed/internal/domain"
)

const defaultBaseURL = "http://localhost:3000"

// Client calls the feed API. Write operations need a bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates a client for baseURL. If baseURL is empty, it defaults to
// http://localhost:3000.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response. It unwraps to the matching domain error so
// callers can use errors.Is with domain.ErrNotFound and friends.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (status %d, %s): %s", e.Status, e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		if e.Type == api.ErrInvalidInput {
			return domain.ErrInvalidInput
		}
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusServiceUnavailable:
		return domain.ErrTransientStore
	}
	return nil
}

// Feed returns the server's current feed state.
func (c *Client) Feed(ctx context.Context) (api.FeedMessage, error) {
	var msg api.FeedMessage
	if err := c.do(ctx, http.MethodGet, "/v1/feed", nil, &msg); err != nil {
		return api.FeedMessage{}, fmt.Errorf("get feed: %w", err)
	}
	return msg, nil
}

// CreatePost publishes a post as the token's user.
func (c *Client) CreatePost(ctx context.Context, content string) error {
	body := api.CreatePostRequest{Content: content}
	if err := c.do(ctx, http.MethodPost, "/v1/posts", body, nil); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

// ToggleLike flips the token user's like on postID.
func (c *Client) ToggleLike(ctx context.Context, postID string) error {
	return c.toggle(ctx, postID, domain.Like)
}

// ToggleRetweet flips the token user's retweet on postID.
func (c *Client) ToggleRetweet(ctx context.Context, postID string) error {
	return c.toggle(ctx, postID, domain.Retweet)
}

func (c *Client) toggle(ctx context.Context, postID string, kind domain.EngagementKind) error {
	path := "/v1/posts/" + url.PathEscape(postID) + "/" + kind.String()
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("toggle %s: %w", kind, err)
	}
	return nil
}

// SaveProfile stores the token user's profile.
func (c *Client) SaveProfile(ctx context.Context, req api.ProfileRequest) error {
	if err := c.do(ctx, http.MethodPut, "/v1/profile", req, nil); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Profile returns the display profile the server would stamp on userID's
// posts.
func (c *Client) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	var resp struct {
		DisplayName string `json:"displayName"`
		Handle      string `json:"handle"`
		ImageURL    string `json:"imageUrl"`
	}
	path := "/v1/users/" + url.PathEscape(userID) + "/profile"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return domain.Profile{
		DisplayName: resp.DisplayName,
		Handle:      resp.Handle,
		ImageURL:    resp.ImageURL,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var er api.ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			apiErr.Type = er.Error
			apiErr.Message = er.Message
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
