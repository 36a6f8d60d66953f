package domain

// FeedStatus is the phase of the client-visible feed.
type FeedStatus int

const (
	// StatusLoading means no snapshot has been received yet.
	StatusLoading FeedStatus = iota
	// StatusReady means Posts holds the latest snapshot.
	StatusReady
	// StatusFailed means the subscription reported Err. A later snapshot
	// moves the feed back to StatusReady.
	StatusFailed
)

func (s FeedStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FeedState is the derived, in-memory view of the feed. It is one of
// Loading, Ready(posts) or Failed(err).
type FeedState struct {
	Status FeedStatus

	// Posts is ordered by CreatedAt descending. Only set when Ready.
	Posts []Post

	// Err is only set when Failed.
	Err error
}

// Loading returns the initial feed state.
func Loading() FeedState {
	return FeedState{Status: StatusLoading}
}

// Ready returns a feed state holding posts.
func Ready(posts []Post) FeedState {
	if posts == nil {
		posts = []Post{}
	}
	return FeedState{Status: StatusReady, Posts: posts}
}

// Failed returns a feed state carrying a subscription error.
func Failed(err error) FeedState {
	return FeedState{Status: StatusFailed, Err: err}
}
