// Package category is the single source of truth for platform
// classification. Watchers report free-text platform tags; intake maps
// them to a canonical category before delivery, and history filtering
// uses the same mapping so the write and read paths cannot drift.
package category

import "strings"

// Canonical notification categories a subscriber can opt in or out of.
const (
	Video         = "video-site"
	LiveMain      = "live-site-main"
	LiveCommunity = "live-site-community"
	SocialMain    = "social-main"
	SocialSub     = "social-sub"
	Subscription  = "content-subscription"
	Milestone     = "milestone"
	CustomFeed    = "custom-feed"
)

// rule matches when every keyword is a substring of the lowercased
// platform tag. Rules are ordered most-specific first; the first match
// wins, so "community live" classifies as community, not generic live.
type rule struct {
	keywords []string
	category string
}

var rules = []rule{
	{keywords: []string{"community", "live"}, category: LiveCommunity},
	{keywords: []string{"community", "video"}, category: LiveCommunity},
	{keywords: []string{"community"}, category: LiveCommunity},
	{keywords: []string{"social", "sub"}, category: SocialSub},
	{keywords: []string{"milestone"}, category: Milestone},
	{keywords: []string{"fanclub"}, category: Subscription},
	{keywords: []string{"subscription"}, category: Subscription},
	{keywords: []string{"social"}, category: SocialMain},
	{keywords: []string{"live"}, category: LiveMain},
	{keywords: []string{"video"}, category: Video},
	{keywords: []string{"feed"}, category: CustomFeed},
}

// Classify maps a free-text platform tag to its canonical category.
// Matching is case-insensitive substring; tags no rule recognizes fall
// back to the custom feed category.
func Classify(platform string) string {
	tag := strings.ToLower(platform)

	for _, r := range rules {
		matched := true
		for _, kw := range r.keywords {
			if !strings.Contains(tag, kw) {
				matched = false
				break
			}
		}
		if matched {
			return r.category
		}
	}

	return CustomFeed
}

// Baseline categories are enabled for subscribers whose settings do not
// mention them. Every other category is opt-in: a newly introduced
// category never surprises existing devices.
var baselineEnabled = map[string]bool{
	Video:      true,
	LiveMain:   true,
	SocialMain: true,
}

// DefaultEnabled reports the opt-in default applied when a subscriber's
// settings carry no entry for the category. Applied uniformly by the
// registry, the delivery engine, and history filtering.
func DefaultEnabled(category string) bool {
	return baselineEnabled[category]
}

// Known reports whether the category is one of the canonical set.
func Known(category string) bool {
	switch category {
	case Video, LiveMain, LiveCommunity, SocialMain, SocialSub,
		Subscription, Milestone, CustomFeed:
		return true
	}
	return false
}
