package bybit

import (
	"errors"
	"time"

	"xor-core/pkg/exchanges/common"
)

// mapRetCode translates a non-zero Bybit retCode into the taxonomy.
func mapRetCode(code int, msg string) error {
	return &common.Error{Kind: kindForCode(code), Message: msg, Code: code, RetryAfter: retryAfterFor(code)}
}

func kindForCode(code int) common.ErrorKind {
	switch code {
	case 10003, 10004, 10005, 33004:
		// invalid key, signature mismatch, permission denied, key expired
		return common.ErrAuth
	case 10006, 10018:
		return common.ErrRateLimited
	case 110004, 110007, 110012, 110045, 170131:
		// insufficient balance / wallet errors
		return common.ErrOrderRejected
	case 110001, 110017, 110079, 170213:
		// order not found, reduce-only violation, order cancelled races
		return common.ErrOrderRejected
	case clockSkewCode:
		// recvWindow violation; caller resyncs and retries once
		return common.ErrInvalidParameter
	}
	return common.ErrInvalidParameter
}

func retryAfterFor(code int) time.Duration {
	if code == 10006 || code == 10018 {
		return 10 * time.Second
	}
	return 0
}

func asExchangeErr(err error) (*common.Error, bool) {
	var e *common.Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
