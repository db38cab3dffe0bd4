package produce

import (
	"errors"
	"fmt"

	"github.com/ignite/clickstock/internal/redirect"
)

var (
	// ErrInvalidURL means the affiliate entry URL is not an http(s) URL.
	ErrInvalidURL = errors.New("affiliate url is not http(s)")

	// ErrNoEnabledLink means the campaign has no enabled affiliate link to
	// produce from.
	ErrNoEnabledLink = errors.New("campaign has no enabled affiliate link")
)

// TrackFailure is a terminal tracker outcome that proxy rotation cannot fix:
// the target site itself refused the walk (error status, redirect storm,
// malformed URLs in the chain).
type TrackFailure struct {
	Category redirect.ErrorCategory
	Message  string
}

func (e *TrackFailure) Error() string {
	return fmt.Sprintf("redirect chain failed (%s): %s", e.Category, e.Message)
}
