package binance

import (
	"errors"
	"fmt"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"github.com/ksred/klear-broker/internal/broker"
)

// Exchange error codes that change how a failure is classified.
const (
	codeUnknown          = -1000
	codeDisconnected     = -1001
	codeUnauthorized     = -1002
	codeTooManyRequests  = -1003
	codeUnexpectedResp   = -1006
	codeTimeout          = -1007
	codeServerBusy       = -1008
	codeInvalidSignature = -1022
	codeUnknownOrder     = -2011
	codeNoSuchOrder      = -2013
	codeBadAPIKeyFormat  = -2014
	codeInvalidAPIKey    = -2015
)

func newClient(apiKey, secretKey, baseURL string, opts broker.Options) *gobinance.Client {
	c := gobinance.NewClient(apiKey, secretKey)
	c.BaseURL = baseURL
	c.HTTPClient = opts.Client()
	return c
}

func apiErrorOf(err error) (*common.APIError, bool) {
	var apiErr *common.APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

func credentialCode(code int64) bool {
	switch code {
	case codeUnauthorized, codeInvalidSignature, codeBadAPIKeyFormat, codeInvalidAPIKey:
		return true
	}
	return false
}

// serverCode covers failures on the exchange side. A reply without a
// decodable error body has code 0.
func serverCode(code int64) bool {
	switch code {
	case 0, codeUnknown, codeDisconnected, codeTooManyRequests, codeUnexpectedResp, codeTimeout, codeServerBusy:
		return true
	}
	return false
}

// classify maps an exchange failure onto the broker taxonomy. Only the
// exchange code and message survive; the SDK error type does not.
func classify(op string, err error) error {
	apiErr, ok := apiErrorOf(err)
	if !ok {
		return broker.Transport(Name, op, err)
	}

	cause := fmt.Errorf("code %d: %s", apiErr.Code, apiErr.Message)
	switch {
	case credentialCode(apiErr.Code):
		return &broker.InvalidCredentialsError{Broker: Name, Err: cause}
	case apiErr.Code == codeUnknownOrder, apiErr.Code == codeNoSuchOrder:
		return fmt.Errorf("%s %s: %w", Name, op, broker.ErrOrderNotFound)
	case serverCode(apiErr.Code):
		return &broker.TransportError{Broker: Name, Op: op, Err: cause}
	default:
		return &broker.RequestError{Broker: Name, Op: op, Code: fmt.Sprint(apiErr.Code), Message: apiErr.Message}
	}
}

// rejected reports whether err is the exchange refusing an order request.
func rejected(err error) (string, bool) {
	apiErr, ok := apiErrorOf(err)
	if !ok || credentialCode(apiErr.Code) || serverCode(apiErr.Code) {
		return "", false
	}
	return apiErr.Message, true
}
