package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusError is a minimal StatusCoder implementation mirroring the oracle
// client's APIError.
type statusError struct {
	status int
	detail string
}

func (e *statusError) Error() string {
	return e.detail
}

func (e *statusError) HTTPStatus() int {
	return e.status
}

func TestClassifyHTTPStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  Kind
		retryable bool
	}{
		{"unauthorized", 401, KindUnauthorized, false},
		{"forbidden", 403, KindForbidden, false},
		{"not found", 404, KindNotFound, false},
		{"server error falls through to general", 500, KindGeneral, true},
		{"bad request falls through to general", 400, KindGeneral, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &statusError{status: tt.status, detail: "backend detail"}
			c := Classify(err)
			assert.Equal(t, tt.wantKind, c.Kind)
			assert.Equal(t, tt.retryable, c.Retryable())
			assert.NotEmpty(t, c.Message)
		})
	}
}

func TestClassifyWrappedStatusError(t *testing.T) {
	inner := &statusError{status: 401, detail: "token expired"}
	wrapped := fmt.Errorf("fetching status: %w", inner)

	c := Classify(wrapped)
	assert.Equal(t, KindUnauthorized, c.Kind)
	assert.Same(t, wrapped, c.Err)
}

func TestClassifyConnectivity(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"deadline exceeded", context.DeadlineExceeded},
		{"connection refused", syscall.ECONNREFUSED},
		{"connection reset", fmt.Errorf("write failed: %w", syscall.ECONNRESET)},
		{"url error", &url.Error{Op: "Get", URL: "https://api.example.com", Err: errors.New("dial tcp: no route to host")}},
		{"dns error", &net.DNSError{Err: "no such host", Name: "api.example.com"}},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("timeout")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, KindNetwork, c.Kind)
			assert.True(t, c.Retryable())
		})
	}
}

func TestClassifyGeneral(t *testing.T) {
	err := errors.New("codec initialization failed")
	c := Classify(err)

	assert.Equal(t, KindGeneral, c.Kind)
	assert.Equal(t, "codec initialization failed", c.Message)
	assert.True(t, c.Retryable())
}

func TestClassifyNil(t *testing.T) {
	c := Classify(nil)
	assert.Empty(t, c.Kind)
	assert.Empty(t, c.Message)
	assert.NoError(t, c.Err)
}

func TestClassifiedUnwrap(t *testing.T) {
	inner := &statusError{status: 404, detail: "appointment not found"}
	c := Classify(inner)

	require.Error(t, c)
	var sc StatusCoder
	assert.True(t, errors.As(c, &sc))
	assert.Equal(t, 404, sc.HTTPStatus())
}
