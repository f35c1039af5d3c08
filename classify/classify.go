// Package classify maps heterogeneous failures into a small closed taxonomy
// with distinct recovery policies.
//
// The session manager deals with three failure families: HTTP errors from
// the scheduling backend, connectivity loss, and everything else. Callers
// should not branch on raw errors from those layers; they classify once at
// the boundary and drive recovery from the resulting Kind. Classification is
// pure and side-effect-free.
package classify

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
)

// Kind identifies the recovery policy for a classified error.
type Kind string

const (
	// KindUnauthorized indicates an expired or invalid credential (HTTP 401).
	// The caller should force a re-authentication flow.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden indicates the caller may not perform the operation
	// (HTTP 403). No recovery is possible.
	KindForbidden Kind = "forbidden"
	// KindNotFound indicates the referenced resource does not exist
	// (HTTP 404). Terminal and non-retryable.
	KindNotFound Kind = "not_found"
	// KindNetwork indicates a connectivity failure. Retryable.
	KindNetwork Kind = "network"
	// KindGeneral covers everything else, carrying the best available
	// human-readable detail. Retryable.
	KindGeneral Kind = "general"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
// The oracle client's APIError satisfies this interface.
type StatusCoder interface {
	error
	HTTPStatus() int
}

// Classified is the structured result of classifying an error.
type Classified struct {
	// Kind selects the recovery policy.
	Kind Kind
	// Message is a human-readable description suitable for display.
	Message string
	// Err is the original error, preserved for wrapping and logging.
	Err error
}

// Error implements the error interface.
func (c Classified) Error() string {
	return c.Message
}

// Unwrap returns the original error for errors.Is/As chains.
func (c Classified) Unwrap() error {
	return c.Err
}

// Retryable reports whether re-attempting the failed operation can succeed.
func (c Classified) Retryable() bool {
	return c.Kind == KindNetwork || c.Kind == KindGeneral
}

// Classify maps err into the closed taxonomy.
//
// HTTP 401, 403 and 404 map to unauthorized, forbidden and not_found via the
// StatusCoder interface. Connectivity failures (net.Error, refused or reset
// connections, DNS failures, deadline expiry) map to network. Anything else
// is general. A nil error yields a zero Classified with an empty Kind.
func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case 401:
			return Classified{Kind: KindUnauthorized, Message: "Your session has expired. Please sign in again.", Err: err}
		case 403:
			return Classified{Kind: KindForbidden, Message: "You are not allowed to perform this action.", Err: err}
		case 404:
			return Classified{Kind: KindNotFound, Message: "The requested consultation could not be found.", Err: err}
		}
		// Other HTTP statuses carry the backend detail verbatim.
		return Classified{Kind: KindGeneral, Message: sc.Error(), Err: err}
	}

	if isConnectivity(err) {
		return Classified{Kind: KindNetwork, Message: "Connection problem. Please check your network and try again.", Err: err}
	}

	return Classified{Kind: KindGeneral, Message: err.Error(), Err: err}
}

// isConnectivity reports whether err represents a transport-level failure
// rather than an application-level one.
func isConnectivity(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// url.Error wraps the underlying dial/read failure; a URL error
		// that is not an HTTP status is connectivity by definition.
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
