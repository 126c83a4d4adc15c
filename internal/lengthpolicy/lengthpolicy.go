// Package lengthpolicy enforces the response byte limit: overflowing text
// is published out-of-band and replaced by a trimmed prefix linking to it.
package lengthpolicy

import "strings"

// DefaultMaxBytes is response_max_bytes' default.
const DefaultMaxBytes = 600

// trailingWindow bounds how far back from the cut point we search for a
// period or word boundary.
const trailingWindow = 100

// ArtifactPublisher publishes the full text out-of-band and returns a URL.
type ArtifactPublisher func(text string) (url string, err error)

// Apply enforces maxBytes on text. If text fits, it's returned unchanged. If
// it overflows, the full text is handed to publish and a trimmed prefix
// (cut at the last sentence period or word boundary within the trailing
// 100 bytes of the cut point) is returned, suffixed with the artifact URL.
// The cut is taken against maxBytes alone, so the returned string can be
// longer than maxBytes by up to the length of that suffix.
func Apply(text string, maxBytes int, publish ArtifactPublisher) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(text) <= maxBytes {
		return text, nil
	}

	url, err := publish(text)
	if err != nil {
		return "", err
	}

	cut := trimPoint(text, maxBytes)
	suffix := "... full response: " + url
	return text[:cut] + suffix, nil
}

// trimPoint finds the cut index in text (a byte offset <= maxBytes),
// preferring the last '.' or whitespace within the trailing window bytes
// before maxBytes; falls back to maxBytes itself if none is found.
func trimPoint(text string, maxBytes int) int {
	windowStart := maxBytes - trailingWindow
	if windowStart < 0 {
		windowStart = 0
	}
	window := text[windowStart:maxBytes]

	if idx := strings.LastIndex(window, "."); idx >= 0 {
		return windowStart + idx + 1
	}
	if idx := strings.LastIndexAny(window, " \t\n"); idx >= 0 {
		return windowStart + idx
	}
	return maxBytes
}
