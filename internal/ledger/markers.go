package ledger

import "strings"

// Resolving markers, matching what volunteers actually type and click in the
// help channel. Kept as named predicates so the matching rule stays a single
// swappable policy.
const (
	markerCheck  = ":white_check_mark:"
	markerThumbs = ":+1:"

	reactionCheck  = "white_check_mark"
	reactionThumbs = "+1"
)

// IsResolvingText reports whether a reply text marks the request handled.
// Case-sensitive substring match on the literal marker tokens.
func IsResolvingText(text string) bool {
	return strings.Contains(text, markerCheck) || strings.Contains(text, markerThumbs)
}

// IsResolvingReaction reports whether a reaction marks the request handled.
// The thumbs-up check is a containment so skin-tone variants
// ("+1::skin-tone-3") still count.
func IsResolvingReaction(name string) bool {
	return name == reactionCheck || strings.Contains(name, reactionThumbs)
}
