package domain

import (
	"strconv"
	"time"
)

// FormatTimeAgo renders a post age the way the feed displays it: "Just now",
// "5m", "3h", "2d", and a short date once the post is over a week old.
func FormatTimeAgo(t, now time.Time) string {
	diff := now.Sub(t)
	minutes := int64(diff / time.Minute)
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 7:
		return t.Format("Jan 02")
	case days > 0:
		return strconv.FormatInt(days, 10) + "d"
	case hours > 0:
		return strconv.FormatInt(hours, 10) + "h"
	case minutes > 0:
		return strconv.FormatInt(minutes, 10) + "m"
	default:
		return "Just now"
	}
}

// FormatCount abbreviates engagement counts: 999, 1K, 12K, 3M.
func FormatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return strconv.Itoa(n/1_000_000) + "M"
	case n >= 1_000:
		return strconv.Itoa(n/1_000) + "K"
	default:
		return strconv.Itoa(n)
	}
}
