package processor

import (
	"errors"
	"fmt"
)

// ErrMalformedEnvelope marks a queued message that can never be processed. The consumer dead-letters it without retrying.
var ErrMalformedEnvelope = errors.New("processor: malformed envelope")

// Processing stages reported on ProcessingError.
const (
	StageDecode       = "decode"
	StageResolveGroup = "resolve_group"
	StageUpsertDevice = "upsert_device"
	StagePersistEvent = "persist_event"
	StageTransaction  = "transaction"
)

// ProcessingError reports which stage failed for an envelope. Nothing from the envelope was
// committed; the queue redelivers it.
type ProcessingError struct {
	EnvelopeID string
	Stage      string
	Err        error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processor: envelope %s: %s: %v", e.EnvelopeID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope)
}

func stageError(envelopeID, stage string, err error) *ProcessingError {
	return &ProcessingError{EnvelopeID: envelopeID, Stage: stage, Err: err}
}
