package llms

import (
	"errors"
	"fmt"

	"github.com/echolens/echolens/pkg/httpclient"
)

// Error kinds for the provider failure taxonomy. Callers match with
// errors.Is; the original provider error stays in the chain.
var (
	ErrRateLimited    = errors.New("provider rate limit exhausted")
	ErrAuthentication = errors.New("provider authentication failed")
	ErrBadRequest     = errors.New("provider rejected request")
)

// classify wraps a transport error with the matching taxonomy sentinel.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case httpclient.IsRateLimit(err):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case httpclient.IsAuth(err):
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	case httpclient.IsBadRequest(err):
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	default:
		return err
	}
}
