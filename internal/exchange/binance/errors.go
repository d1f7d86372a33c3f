package binance

import (
	"errors"
	"net/http"
	"strings"

	"exchange-core/internal/core"
)

const (
	apiCodeUnknown          = -1000
	apiCodeDisconnected     = -1001
	apiCodeTooManyRequests  = -1003
	apiCodeUnexpectedResp   = -1006
	apiCodeTimeout          = -1007
	apiCodeServerBusy       = -1008
	apiCodeInvalidTimestamp = -1021
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

var transientAPICodes = map[int]bool{
	apiCodeUnknown:          true,
	apiCodeDisconnected:     true,
	apiCodeTooManyRequests:  true,
	apiCodeUnexpectedResp:   true,
	apiCodeTimeout:          true,
	apiCodeServerBusy:       true,
	apiCodeInvalidTimestamp: true,
}

var apiErrorMessageKinds = map[string]error{
	"duplicate order sent.":                                  core.ErrDuplicateOrder,
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"balance is insufficient.":                               core.ErrInsufficientBalance,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"order does not exist.":                                  core.ErrOrderNotFound,
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalizedMsg := normalizeAPIErrorMsg(apiErr.Msg)

	if transientAPICodes[apiErr.Code] || isTransientStatus(apiErr.HTTPStatus) {
		return appendErrorKind(kinds, core.ErrTransport)
	}
	switch apiErr.Code {
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	default:
		// Anything else the venue answered with a code is a definitive refusal.
		kinds = appendErrorKind(kinds, core.ErrRejectedByVenue)
	}
	if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	return kinds
}

func isTransientStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusTeapot
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
