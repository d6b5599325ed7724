package services

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
)

// FailReason is the closed taxonomy of per-source fetch outcomes. The
// backoff logic and the repair-alert trigger both key off the auth/transient
// subsets below, which never overlap.
type FailReason string

const (
	ReasonOK           FailReason = "ok"
	ReasonNoCredential FailReason = "no_credential"
	ReasonRedirect     FailReason = "redirect"
	ReasonAuthRequired FailReason = "auth_required"
	ReasonServer502    FailReason = "server_502"
	ReasonServer5xx    FailReason = "server_5xx"
	ReasonTimeout      FailReason = "timeout"
	ReasonConnection   FailReason = "connection_error"
	ReasonNoData       FailReason = "no_data"
	ReasonException    FailReason = "exception"
)

// HTTPReason covers unexpected non-5xx status codes, e.g. "http_404".
func HTTPReason(code int) FailReason {
	return FailReason(fmt.Sprintf("http_%d", code))
}

// IsAuthFailure reports whether the reason means the stored credential is
// invalid and a re-login is required.
func IsAuthFailure(r FailReason) bool {
	return r == ReasonRedirect || r == ReasonAuthRequired
}

// IsTransient reports whether the reason is a network/server hiccup worth a
// shortened retry with no credential action.
func IsTransient(r FailReason) bool {
	switch r {
	case ReasonTimeout, ReasonConnection, ReasonServer502, ReasonServer5xx:
		return true
	}
	return false
}

// ClassifyRequestError maps a transport-level error from the portal request
// to its failure reason.
func ClassifyRequestError(err error) FailReason {
	if err == nil {
		return ReasonOK
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ReasonTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		var opErr *net.OpError
		if errors.As(ue.Err, &opErr) {
			return ReasonConnection
		}
		var dnsErr *net.DNSError
		if errors.As(ue.Err, &dnsErr) {
			return ReasonConnection
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ReasonConnection
	}
	return ReasonException
}
