// Package ranking scores posts for feed ordering.
package ranking

import (
	"fmt"
	"sort"
	"time"
)

// Feed score weights
const (
	viewWeight = 0.3
	likeWeight = 1.0

	// recency term: decayNumerator / (ageSeconds + decayOffset), 24.0 at age 0
	decayNumerator = 86400.0
	decayOffset    = 3600.0
)

// PostSnapshot is the subset of a post the feed score depends on.
type PostSnapshot struct {
	ViewCount int
	LikeCount int
	CreatedAt time.Time
}

// Score returns the feed score of a post at time now. Higher ranks earlier.
// Posts from the future (clock skew) are treated as age zero.
func Score(p PostSnapshot, now time.Time) float64 {
	age := now.Sub(p.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return float64(p.ViewCount)*viewWeight +
		float64(p.LikeCount)*likeWeight +
		RecencyBoost(age)
}

// RecencyBoost is the decaying recency term for a post of the given age.
func RecencyBoost(ageSeconds float64) float64 {
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	return decayNumerator / (ageSeconds + decayOffset)
}

// SQLScoreExpr renders Score as a SQL expression over the posts table's
// view_count, like_count and created_at columns, evaluated at nowExpr.
func SQLScoreExpr(nowExpr string) string {
	return fmt.Sprintf(
		"(view_count * %g + like_count * %g + %g / (GREATEST(EXTRACT(EPOCH FROM (%s - created_at)), 0) + %g))",
		viewWeight, likeWeight, decayNumerator, nowExpr, decayOffset,
	)
}

// RankPosts sorts items by descending score. Ties go to the newer post.
func RankPosts[T any](items []T, snapshot func(T) PostSnapshot, now time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := snapshot(items[i]), snapshot(items[j])
		sa, sb := Score(a, now), Score(b, now)
		if sa != sb {
			return sa > sb
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
