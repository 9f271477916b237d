package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrUnrecognisedSource = errors.New("source url is not recognised")

	sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

	watchHosts = map[string]bool{
		"youtube.com":       true,
		"www.youtube.com":   true,
		"m.youtube.com":     true,
		"music.youtube.com": true,
	}
)

const shortLinkHost = "youtu.be"

// ExtractSourceID parses the source URL provided and returns the stable video
// identifier it references. The extraction is purely syntactic, so the same
// URL will always produce the same identifier. Supported forms are:
//   - http(s)://[www.|m.|music.]youtube.com/watch?v=<id>
//   - http(s)://[www.|m.]youtube.com/shorts/<id> and /embed/<id>
//   - http(s)://youtu.be/<id>
func ExtractSourceID(sourceURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnrecognisedSource, err.Error())
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme '%s'", ErrUnrecognisedSource, parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	var id string
	switch {
	case host == shortLinkHost:
		id = firstPathSegment(parsed.Path)
	case watchHosts[host]:
		segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
		switch {
		case segments[0] == "watch":
			id = parsed.Query().Get("v")
		case len(segments) == 2 && (segments[0] == "shorts" || segments[0] == "embed"):
			id = segments[1]
		}
	default:
		return "", fmt.Errorf("%w: unsupported host '%s'", ErrUnrecognisedSource, host)
	}

	if !sourceIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: no valid video identifier found in '%s'", ErrUnrecognisedSource, sourceURL)
	}

	return id, nil
}

// CanonicalURL returns the watch URL for the source ID provided. Fetching
// the canonical URL rather than the submitted one strips playlist and
// tracking parameters.
func CanonicalURL(sourceID string) string {
	return "https://www.youtube.com/watch?v=" + sourceID
}

func firstPathSegment(path string) string {
	trimmed := strings.Trim(path, "/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}

	return trimmed
}
