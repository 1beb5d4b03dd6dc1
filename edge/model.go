package edge

import (
	"net/http"
	"time"
)

// EventType names the phase of an exchange an invocation belongs to.
type EventType string

const (
	EventViewerRequest  EventType = "viewer-request"
	EventViewerResponse EventType = "viewer-response"
)

// Invocation describes a single host invocation. It is handed to hooks
// unchanged.
type Invocation struct {
	ID       string
	Event    EventType
	Received time.Time
	Method   string
	Host     string
}

// Request is the viewer request as seen by the request phase.
type Request struct {
	Method      string
	URI         string
	Querystring string
	Header      http.Header
}

// Response is either a response synthesized by the gateway or the origin
// response seen by the response phase.
type Response struct {
	Status            int
	StatusDescription string
	Header            http.Header
	Body              []byte
}

// Outcome labels the decision taken for a request.
type Outcome string

const (
	OutcomePass           Outcome = "pass"
	OutcomeRefreshed      Outcome = "refreshed"
	OutcomeLogin          Outcome = "login"
	OutcomeCallback       Outcome = "callback"
	OutcomeRejected       Outcome = "rejected"
	OutcomeExchangeFailed Outcome = "exchange_failed"
	OutcomeBadState       Outcome = "bad_state"
	OutcomeOverflow       Outcome = "overflow"
)

// Result is the outcome of the request phase: either a request to forward to
// the origin or a response that short-circuits it.
type Result struct {
	Request  *Request
	Response *Response
	Outcome  Outcome
}

// ShortCircuit reports whether the result must be answered without
// contacting the origin.
func (r Result) ShortCircuit() bool {
	return r.Response != nil
}

func newResponse(status int) *Response {
	return &Response{
		Status:            status,
		StatusDescription: http.StatusText(status),
		Header:            make(http.Header),
	}
}
