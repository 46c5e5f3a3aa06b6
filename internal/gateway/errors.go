package gateway

import (
	"fmt"
	"net/http"
)

// Error is returned for every failed gateway call. StatusCode is zero when
// the request never got a response.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("mercado pago %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mercado pago %s failed (%d): %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}
