package blob

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidObjectURL = errors.New("url does not reference an object")

	unsafeKeyChars = regexp.MustCompile(`[\s/\\]+`)
)

// ObjectKey builds the key an object named 'name' is stored under. The key
// is prefixed with the upload time (in unix milliseconds) so that repeated
// uploads of the same name never collide, and any whitespace or path
// separators in the name are replaced with underscores.
func ObjectKey(now time.Time, name string) string {
	return fmt.Sprintf("%d_%s", now.UnixMilli(), unsafeKeyChars.ReplaceAllString(strings.TrimSpace(name), "_"))
}

// ObjectURL returns the durable URL for the key provided, in the form
// <base>/<bucket>/<key>.
func ObjectURL(base string, bucket string, key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), bucket, url.PathEscape(key))
}

// KeyFromURL recovers the object key from a URL previously returned by
// ObjectURL. The key is always the final path segment.
func KeyFromURL(objectURL string) (string, error) {
	parsed, err := url.Parse(objectURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidObjectURL, err)
	}

	path := strings.TrimRight(parsed.EscapedPath(), "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 || idx == len(path)-1 {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidObjectURL, objectURL)
	}

	key, err := url.PathUnescape(path[idx+1:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidObjectURL, err)
	}

	return key, nil
}
