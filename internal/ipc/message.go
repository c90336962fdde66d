// Package ipc is the newline-delimited JSON protocol spoken between the
// dispatcher and its worker processes.
package ipc

import (
	"errors"
	"fmt"

	"chanfetch/internal/media"
)

type Kind string

// Dispatcher -> worker.
const (
	KindInit     Kind = "init"
	KindWarm     Kind = "warm"
	KindDownload Kind = "download"
	KindCancel   Kind = "cancel"
)

// Worker -> dispatcher.
const (
	KindWarmOK    Kind = "warm_ok"
	KindProgress  Kind = "progress"
	KindDone      Kind = "done"
	KindError     Kind = "error"
	KindHeartbeat Kind = "heartbeat"
)

// Message is the single envelope for every kind; unused fields are omitted.
type Message struct {
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"sessionId,omitempty"`
	JobID     string        `json:"jobId,omitempty"`
	Link      string        `json:"link,omitempty"`
	Received  int64         `json:"received,omitempty"`
	Total     int64         `json:"total,omitempty"`
	Result    *media.Result `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      string        `json:"code,omitempty"`
}

func Init(sessionID string) Message { return Message{Kind: KindInit, SessionID: sessionID} }
func Warm() Message                 { return Message{Kind: KindWarm} }
func WarmOK() Message               { return Message{Kind: KindWarmOK} }
func Heartbeat() Message            { return Message{Kind: KindHeartbeat} }

func Download(jobID, link string) Message {
	return Message{Kind: KindDownload, JobID: jobID, Link: link}
}

func Cancel(jobID string) Message { return Message{Kind: KindCancel, JobID: jobID} }

func Progress(jobID string, received, total int64) Message {
	return Message{Kind: KindProgress, JobID: jobID, Received: received, Total: total}
}

func Done(jobID string, res media.Result) Message {
	return Message{Kind: KindDone, JobID: jobID, Result: &res}
}

// Failure builds an error message whose code preserves the sentinel identity of err.
func Failure(jobID string, err error) Message {
	return Message{Kind: KindError, JobID: jobID, Error: err.Error(), Code: CodeOf(err)}
}

// Error codes carried by KindError.
const (
	CodeNotInitialized   = "not_initialized"
	CodeBusy             = "busy"
	CodeCancelled        = "cancelled"
	CodeReferenceExpired = "file_reference_expired"
	CodeReferenceInvalid = "file_reference_invalid"
	CodeFileIDInvalid    = "file_id_invalid"
	CodeFailed           = "failed"
)

// ErrBusy is returned by a worker asked to start a second job.
var ErrBusy = errors.New("worker busy")

var codeErrors = []struct {
	code string
	err  error
}{
	{CodeCancelled, media.ErrCancelled},
	{CodeNotInitialized, media.ErrNotInitialized},
	{CodeBusy, ErrBusy},
	{CodeReferenceExpired, media.ErrFileReferenceExpired},
	{CodeReferenceInvalid, media.ErrFileReferenceInvalid},
	{CodeFileIDInvalid, media.ErrFileIDInvalid},
}

func CodeOf(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeFailed
}

// Err rebuilds the error described by an error message, wrapping the
// matching sentinel so errors.Is works across the process boundary.
func (m Message) Err() error {
	msg := m.Error
	if msg == "" {
		msg = "worker error"
	}
	for _, ce := range codeErrors {
		if ce.code == m.Code {
			if msg == ce.err.Error() {
				return ce.err
			}
			return fmt.Errorf("%s: %w", msg, ce.err)
		}
	}
	return errors.New(msg)
}
