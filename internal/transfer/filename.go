package transfer

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/time/rate"
)

// FilenameFromURL returns the unescaped last path segment of raw, which is
// the name a download is stored under when none is given.
func FilenameFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	// u.Path is already unescaped
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrNoFilename
	}
	return name, nil
}

// NewLimiter returns a byte-rate limiter, or nil when bytesPerSec is not
// positive. The burst always admits a full read chunk.
func NewLimiter(bytesPerSec int64, chunkSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	burst := max(int(bytesPerSec), chunkSize)
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
