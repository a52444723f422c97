// Package media extracts canonical video references from user input.
package media

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// RefLength is the length of a canonical video id.
const RefLength = 11

var (
	ErrEmptyInput = errors.New("empty media input")
	ErrInvalidRef = errors.New("input does not contain a valid media reference")
)

var refRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// path prefixes that carry id as the next segment
var pathPrefixes = []string{"embed", "v", "shorts", "live", "e"}

// IsRef reports whether s is a bare canonical id.
func IsRef(s string) bool {
	return refRe.MatchString(s)
}

// ExtractRef returns canonical media id from either bare id or a recognized URL:
// watch page (?v=), short link (youtu.be/<id>) or embed path (/embed/<id>).
func ExtractRef(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyInput
	}
	if IsRef(raw) {
		return raw, nil
	}

	u, err := parseURL(raw)
	if err != nil {
		return "", errors.Join(ErrInvalidRef, err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var candidate string
	switch {
	case host == "youtu.be":
		candidate = firstSegment(u.Path)
	case host == "youtube.com" || host == "music.youtube.com" || host == "youtube-nocookie.com":
		candidate = fromYouTubePath(u)
	default:
		return "", ErrInvalidRef
	}
	if !IsRef(candidate) {
		return "", ErrInvalidRef
	}
	return candidate, nil
}

func parseURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, ErrInvalidRef
	}
	return u, nil
}

func fromYouTubePath(u *url.URL) string {
	if strings.Trim(u.Path, "/") == "watch" {
		// ambiguous when v is repeated
		if v := u.Query()["v"]; len(v) == 1 {
			return v[0]
		}
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 {
		return ""
	}
	for _, p := range pathPrefixes {
		if segments[0] == p {
			return segments[1]
		}
	}
	return ""
}

func firstSegment(p string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	return seg
}
