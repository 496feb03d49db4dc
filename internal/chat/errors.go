package chat

import (
	"errors"
	"fmt"

	"github.com/Avicted/hivechat/internal/auth"
)

var (
	// ErrAuthenticationRequired is returned before any network call when no
	// session is available, and for requests the server rejects with 401.
	ErrAuthenticationRequired = fmt.Errorf("authentication required: %w", auth.ErrUnauthorized)
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	// ErrPlaceholder means the operation needs a server-confirmed message.
	ErrPlaceholder = errors.New("message not confirmed yet")
)

// HistoryFetchError is a failed history read. The cache is left as it was.
type HistoryFetchError struct {
	ConversationID string
	Err            error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("fetch history for %s: %v", e.ConversationID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error {
	return e.Err
}

// Retryable reports that the same read may be attempted again.
func (e *HistoryFetchError) Retryable() bool {
	return true
}
