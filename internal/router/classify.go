package router

import (
	"errors"
	"net/http"
	"strings"
)

// Class is the dispatcher's view of an upstream failure
type Class int

const (
	// ClassOther failures are propagated immediately
	ClassOther Class = iota
	// ClassQuota failures rotate to the next account
	ClassQuota
	// ClassAuth failures get one forced refresh and one retry
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassQuota:
		return "quota"
	case ClassAuth:
		return "auth"
	}
	return "other"
}

var quotaKeywords = []string{
	"insufficient_quota",
	"free allocated quota exceeded",
	"quota exceeded",
}

var authKeywords = []string{
	"unauthorized",
	"forbidden",
	"invalid api key",
	"invalid access token",
	"token expired",
	"authentication",
	"access denied",
	"504",
	"gateway timeout",
}

var authStatuses = map[int]bool{
	http.StatusBadRequest:     true,
	http.StatusUnauthorized:   true,
	http.StatusForbidden:      true,
	http.StatusGatewayTimeout: true,
}

// Classify sorts an upstream failure into quota, auth, or other.
// Quota signals win over auth signals.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	status := 0
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		status = uerr.StatusCode
	}
	msg := strings.ToLower(err.Error())

	if status == http.StatusTooManyRequests || containsAny(msg, quotaKeywords) {
		return ClassQuota
	}
	if authStatuses[status] || containsAny(msg, authKeywords) {
		return ClassAuth
	}
	return ClassOther
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
