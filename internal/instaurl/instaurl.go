// Package instaurl parses and canonicalizes Instagram post URLs. It is a
// pure function layer: no I/O, deterministic output for a given input.
package instaurl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// Post ids are exactly 11 characters of the URL-safe base64 alphabet. A
// token of any other shape is treated as no-match, not a distinct error.
var postIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var hosts = map[string]bool{
	"instagram.com":     true,
	"www.instagram.com": true,
	"m.instagram.com":   true,
	"instagr.am":        true,
}

// Parsed is the outcome of a successful parse.
type Parsed struct {
	PostID       string
	Kind         analysis.PostKind
	CanonicalURL string
	OriginalURL  string
	QueryParams  url.Values
}

// Parse validates raw and reduces all equivalent surface forms (www/mobile
// subdomains, the instagr.am short domain, trailing query parameters) to one
// canonical URL keyed by post id. It returns analysis.ErrInvalidURL when no
// valid post id can be extracted.
func Parse(raw string) (Parsed, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Parsed{}, fmt.Errorf("empty url: %w", analysis.ErrInvalidURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return Parsed{}, fmt.Errorf("parse %q: %w", trimmed, analysis.ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Parsed{}, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, analysis.ErrInvalidURL)
	}
	if !hosts[strings.ToLower(u.Hostname())] {
		return Parsed{}, fmt.Errorf("unrecognized host %q: %w", u.Hostname(), analysis.ErrInvalidURL)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 {
		return Parsed{}, fmt.Errorf("no post path in %q: %w", u.Path, analysis.ErrInvalidURL)
	}

	var kind analysis.PostKind
	switch segments[0] {
	case "p":
		kind = analysis.PostKindPost
	case "reel":
		kind = analysis.PostKindReel
	case "tv":
		kind = analysis.PostKindTV
	default:
		return Parsed{}, fmt.Errorf("unrecognized path kind %q: %w", segments[0], analysis.ErrInvalidURL)
	}

	postID := segments[1]
	if !postIDPattern.MatchString(postID) {
		return Parsed{}, fmt.Errorf("post id %q has invalid shape: %w", postID, analysis.ErrInvalidURL)
	}

	return Parsed{
		PostID:       postID,
		Kind:         kind,
		CanonicalURL: Canonical(postID),
		OriginalURL:  trimmed,
		QueryParams:  u.Query(),
	}, nil
}

// Canonical returns the single normalized URL for a post id.
func Canonical(postID string) string {
	return fmt.Sprintf("https://www.instagram.com/p/%s/", postID)
}

// Valid reports whether raw parses to a post id without returning details.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}
