package mxdial

import "fmt"

// Category groups errors by the stage of the pipeline that produced them, so
// callers can decide whether to retry, report a bounce, or treat the problem
// as belonging to the remote domain's own (mis)configuration.
type Category string

const (
	CategoryDNS     Category = "dns"
	CategoryNetwork Category = "network"
	CategoryPolicy  Category = "policy"
	CategoryDANE    Category = "dane"
)

// Error is the structured failure type returned by Connect and all pipeline
// stages. Message is for logs, Response is a short human-facing line safe to
// include in a delivery failure report, Code is a short machine token (e.g.
// "ENOTFOUND", "ECONNREFUSED") and Temporary signals whether a later retry of
// the same target may succeed.
type Error struct {
	Message   string
	Code      string
	Category  Category
	Response  string
	Temporary bool
	Err       error // Optional wrapped cause.
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Category, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func dnsError(code, response string, temporary bool, err error) *Error {
	if response == "" {
		response = dnsCodeMessages[code]
	}
	msg := response
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code, Category: CategoryDNS, Response: response, Temporary: temporary, Err: err}
}

func networkError(code, response string, err error) *Error {
	msg := response
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code, Category: CategoryNetwork, Response: response, Temporary: true, Err: err}
}

func policyError(response string, err error) *Error {
	msg := response
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: "MTASTS_POLICY_REJECTED", Category: CategoryPolicy, Response: response, Temporary: false, Err: err}
}

func daneError(code, response string, temporary bool, err error) *Error {
	msg := response
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code, Category: CategoryDANE, Response: response, Temporary: temporary, Err: err}
}

// dnsCodeMessages maps short machine tokens for DNS-layer failures to a
// human-facing one-liner, for codes that don't already carry one from the
// underlying resolver error.
var dnsCodeMessages = map[string]string{
	"ENOTFOUND": "domain or record does not exist",
	"ENODATA":   "no records of the requested type",
	"ESERVFAIL": "dns server failure",
	"ETIMEOUT":  "dns lookup timed out",
}

// socketCodeMessages maps short machine tokens for TCP-layer failures to a
// human-facing one-liner.
var socketCodeMessages = map[string]string{
	"ECONNREFUSED": "connection refused",
	"ETIMEDOUT":    "connection timed out",
	"EHOSTUNREACH": "host unreachable",
	"ENETUNREACH":  "network unreachable",
	"ECONNRESET":   "connection reset by peer",
}
