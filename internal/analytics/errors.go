package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means the client-credentials exchange failed. Retrying
	// will not help until an operator fixes the credentials.
	ErrAuthentication = errors.New("analytics: authentication failed")

	// ErrUpstreamQuery means the analytics service rejected or failed a query.
	ErrUpstreamQuery = errors.New("analytics: query failed")
)

// QueryError is returned for a non-2xx executeQueries response.
type QueryError struct {
	StatusCode int
	Body       string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("analytics: query returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *QueryError) Unwrap() error {
	return ErrUpstreamQuery
}
