package stager

import (
	"net/http"
	"time"
)

const (
	// ReadyPath is the stager API path answering whether the instance is ready.
	ReadyPath = "/_stager/api/ready"

	// ReadyBody is the exact response body that signals a ready instance.
	ReadyBody = "true"

	// DefaultErrorMessage is displayed when a failed poll carries no body.
	DefaultErrorMessage = "Something went bad."

	// PollInterval is the fixed delay between a not-ready response and the
	// next poll.
	PollInterval = 2 * time.Second
)

// ResultKind classifies the outcome of a single poll cycle.
//
// ResultKind is a string type so it reads well in structured logs.
type ResultKind string

const (
	// ResultReady indicates the server reported the instance as ready.
	ResultReady ResultKind = "ready"

	// ResultNotReady indicates the server answered but the instance is still
	// initializing.
	ResultNotReady ResultKind = "not_ready"

	// ResultFailed indicates a non-200 response or a transport error.
	ResultFailed ResultKind = "failed"
)

// String returns the string representation of the kind.
func (k ResultKind) String() string {
	return string(k)
}

// PollResult holds the outcome of one poll cycle.
//
// PollResult is transient: it is produced by [Poller.Poll] and consumed
// immediately by the polling loop. No state carries over between cycles.
type PollResult struct {
	// Kind is the classification of the response.
	Kind ResultKind

	// Message is the human-readable failure message. Only set for
	// [ResultFailed]; it is the response body, or [DefaultErrorMessage]
	// when the body is empty.
	Message string

	// StatusCode is the HTTP status code, zero if no response was received.
	StatusCode int

	// Latency is the time taken by the request.
	Latency time.Duration

	// CheckedAt is when the poll completed.
	CheckedAt time.Time

	// Err is the transport error, if any.
	Err error
}

// Classify turns a raw response into a [PollResult].
//
// Any transport error or non-200 status is a failure, with no distinction
// between categories. A 200 response is ready only when the body is exactly
// [ReadyBody]; any other body means not ready.
func Classify(statusCode int, body []byte, err error) PollResult {
	if err != nil || statusCode != http.StatusOK {
		msg := string(body)
		if msg == "" {
			msg = DefaultErrorMessage
		}
		return PollResult{
			Kind:       ResultFailed,
			Message:    msg,
			StatusCode: statusCode,
			Err:        err,
		}
	}

	if string(body) == ReadyBody {
		return PollResult{Kind: ResultReady, StatusCode: statusCode}
	}
	return PollResult{Kind: ResultNotReady, StatusCode: statusCode}
}
