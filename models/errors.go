package models

import (
	"errors"
	"fmt"
)

var (
	ErrFetch              = errors.New("page fetch failed")
	ErrSourceDegraded     = errors.New("source degraded")
	ErrDuplicateAmbiguous = errors.New("duplicate decision ambiguous")
	ErrSendFailure        = errors.New("send failed")
	ErrInvalidListingData = errors.New("invalid listing data")

	ErrAlreadyExists     = errors.New("already exists")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoEnabledAdapters = errors.New("no enabled adapters")
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindFetch              ErrorKind = "FETCH_ERROR"
	KindSourceDegraded     ErrorKind = "SOURCE_DEGRADED"
	KindDuplicateAmbiguous ErrorKind = "DUPLICATE_AMBIGUOUS"
	KindSendFailure        ErrorKind = "SEND_FAILURE"
	KindInvalidListingData ErrorKind = "INVALID_LISTING_DATA"
)

var kindSentinels = map[ErrorKind]error{
	KindFetch:              ErrFetch,
	KindSourceDegraded:     ErrSourceDegraded,
	KindDuplicateAmbiguous: ErrDuplicateAmbiguous,
	KindSendFailure:        ErrSendFailure,
	KindInvalidListingData: ErrInvalidListingData,
}

// PipelineError wraps a failure with the stage and item it belongs to.
type PipelineError struct {
	Kind      ErrorKind
	Op        string
	Site      string
	ListingID string
	Message   string
	Err       error
}

func (e *PipelineError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Site != "" {
		msg += " [" + e.Site + "]"
	}
	if e.ListingID != "" {
		msg += " listing=" + e.ListingID
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is matches another PipelineError of the same kind or the kind's sentinel.
func (e *PipelineError) Is(target error) bool {
	if t, ok := target.(*PipelineError); ok {
		return e.Kind == t.Kind
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && target == sentinel {
		return true
	}
	return false
}

func NewFetchError(site, url string, err error) *PipelineError {
	return &PipelineError{Kind: KindFetch, Op: "fetch", Site: site, Message: url, Err: err}
}

func NewSourceDegraded(site string, consecutive int) *PipelineError {
	return &PipelineError{
		Kind:    KindSourceDegraded,
		Op:      "fetch",
		Site:    site,
		Message: fmt.Sprintf("%d consecutive page failures", consecutive),
	}
}

func NewSendFailure(listingID, recordID string, err error) *PipelineError {
	return &PipelineError{
		Kind:      KindSendFailure,
		Op:        "send",
		ListingID: listingID,
		Message:   "record " + recordID,
		Err:       err,
	}
}

// KindOf returns the kind of the first PipelineError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}
