package models

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

var networkKeywords = []string{
	"connection",
	"network",
	"resolve",
	"timeout",
	"timed out",
	"dns",
	"socket",
	"unreachable",
	"offline",
	"no such host",
}

// IsNetworkError reports whether err is attributable to connectivity. Typed
// errors are checked first; the message keywords catch wrapped errors that
// lost their type.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range networkKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}
