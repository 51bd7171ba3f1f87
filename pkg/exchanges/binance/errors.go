package binance

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"xor-core/pkg/exchanges/common"
)

// apiError is the JSON error body Binance returns on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapHTTPError translates a failed Binance response into the taxonomy.
func mapHTTPError(res *http.Response, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	if ae.Msg == "" {
		ae.Msg = http.StatusText(res.StatusCode)
	}

	switch res.StatusCode {
	case http.StatusTooManyRequests, 418:
		retryAfter := 60 * time.Second
		if ra := res.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		e := common.RateLimitedErr(retryAfter)
		e.Code = ae.Code
		return e
	case http.StatusUnauthorized, http.StatusForbidden:
		return &common.Error{Kind: common.ErrAuth, Message: ae.Msg, Code: ae.Code}
	}
	if res.StatusCode >= 500 {
		return &common.Error{Kind: common.ErrConnection, Message: ae.Msg, Code: ae.Code}
	}

	return &common.Error{Kind: kindForCode(ae.Code), Message: ae.Msg, Code: ae.Code}
}

// kindForCode maps the Binance error codes we care about. Everything
// unrecognized in the 4xx range is treated as a parameter problem so the
// caller does not retry it.
func kindForCode(code int) common.ErrorKind {
	switch code {
	case -2010, -2011, -2013, -4164:
		// rejections: insufficient balance, unknown order, min notional
		return common.ErrOrderRejected
	case -2014, -2015, -1002, -1022:
		// bad API key, invalid signature, unauthorized
		return common.ErrAuth
	case -1003:
		return common.ErrRateLimited
	case clockSkewCode:
		// recvWindow violation; the caller resyncs and retries once
		return common.ErrInvalidParameter
	}
	return common.ErrInvalidParameter
}

func asExchangeErr(err error) (*common.Error, bool) {
	var e *common.Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
