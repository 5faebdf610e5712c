package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrAuth is returned when OwenCloud authentication fails for any reason.
	ErrAuth = errors.New("owencloud authentication failed")
	// ErrCredentialsRejected marks authentication failures answered by the server.
	ErrCredentialsRejected = errors.New("credentials rejected")
	// ErrFetch is returned when the last-data request fails.
	ErrFetch = errors.New("owencloud fetch failed")
	// ErrUnauthorized marks fetches refused because the token is no longer valid.
	ErrUnauthorized = errors.New("token rejected")
	// ErrRequest is returned by discovery and sink check calls.
	ErrRequest = errors.New("request failed")
	// ErrPush is returned when LERS does not accept a consumption archive.
	ErrPush = errors.New("lers push failed")
)

const maxErrorBody = 512

// statusError formats a non-success response, including the start of its body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Errorf("got %d", resp.StatusCode)
	}
	return fmt.Errorf("got %d: %s", resp.StatusCode, text)
}
