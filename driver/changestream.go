package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/internal/logger"
)

// ChangeStreamCursor wraps a BatchCursor, tracking a resume token per
// delivered event and transparently reopening the underlying stream
// after a transient error.
type ChangeStreamCursor struct {
	wrapped     *BatchCursor
	resumeToken bsoncore.Document

	// open re-executes the change-stream aggregate with resumeAfter set
	// to the given token (nil for the very first open) and returns the
	// fresh underlying BatchCursor. It is supplied by the caller because
	// only the operation layer (the ChangeStream command builder) knows
	// how to rebuild the aggregate pipeline and dispatch it.
	open func(ctx context.Context, resumeToken bsoncore.Document) (*BatchCursor, error)

	log *logger.Logger
}

// NewChangeStreamCursor wraps an already-opened BatchCursor, with open
// supplying the resume callback used after a transient error.
func NewChangeStreamCursor(wrapped *BatchCursor, startAfterToken bsoncore.Document, open func(context.Context, bsoncore.Document) (*BatchCursor, error), log *logger.Logger) *ChangeStreamCursor {
	return &ChangeStreamCursor{wrapped: wrapped, resumeToken: startAfterToken, open: open, log: log}
}

// ResumeToken returns the most recently stored resume token (the `_id`
// of the last delivered event, or the caller's startAfter/resumeAfter
// token if nothing has been delivered yet).
func (c *ChangeStreamCursor) ResumeToken() bsoncore.Document { return c.resumeToken }

// ID returns the underlying server cursor id.
func (c *ChangeStreamCursor) ID() int64 { return c.wrapped.ID() }

// Next advances to the next batch of change events, transparently
// resuming the stream on a retryable error (the resumable operation
// algorithm). It returns false once a non-retryable error occurs or
// the caller closes the cursor.
func (c *ChangeStreamCursor) Next(ctx context.Context) bool {
	return c.resumable(ctx, func() bool { return c.wrapped.Next(ctx) })
}

// TryNext behaves like Next but never blocks for new data.
func (c *ChangeStreamCursor) TryNext(ctx context.Context) bool {
	return c.resumable(ctx, func() bool { return c.wrapped.TryNext(ctx) })
}

// resumable runs op against the current wrapped cursor; on a
// retryable error, it closes the cursor and reopens it starting after
// the last resume token, then retries. This loop is intentionally
// unbounded: it swallows transient errors without a retry cap, as
// decided in DESIGN.md.
func (c *ChangeStreamCursor) resumable(ctx context.Context, op func() bool) bool {
	for {
		ok := op()
		if ok {
			if err := c.recordResumeToken(); err != nil {
				c.wrapped.err = err
				return false
			}
			return true
		}

		err := c.wrapped.Err()
		if err == nil {
			// Clean exhaustion (tailable TryNext with nothing ready, or a
			// genuinely closed cursor): nothing to resume.
			return false
		}
		if !IsRetryableChangeStreamError(err) {
			if cmdErr, isCmd := err.(Error); isCmd && unretryableChangeStreamCodes[cmdErr.Code] {
				c.wrapped.err = ChangeStreamError{Message: "unresumable change stream error: " + cmdErr.Message, Wrapped: err}
			}
			return false
		}

		_ = c.wrapped.Close(ctx)
		fresh, reopenErr := c.open(ctx, c.resumeToken)
		if reopenErr != nil {
			c.wrapped.err = reopenErr
			return false
		}
		c.wrapped = fresh
	}
}

// recordResumeToken extracts `_id` from the most recently delivered
// document and stores it as the next resume token. A delivered
// document lacking `_id` is a fatal, non-retryable ChangeStreamError
// resumption would be impossible without a token.
func (c *ChangeStreamCursor) recordResumeToken() error {
	batch := c.wrapped.Batch()
	if len(batch) == 0 {
		return nil
	}
	last := batch[len(batch)-1]
	idVal, err := last.LookupErr("_id")
	if err != nil {
		return ChangeStreamError{Message: "resume token missing: delivered event has no _id", Wrapped: err}
	}
	doc, ok := idVal.DocumentOK()
	if !ok {
		return ChangeStreamError{Message: "resume token missing: _id is not a document"}
	}
	c.resumeToken = doc
	return nil
}

// Batch returns the documents fetched by the most recent successful
// Next/TryNext call.
func (c *ChangeStreamCursor) Batch() []bsoncore.Document { return c.wrapped.Batch() }

// Err returns the error, if any, that caused the most recent Next/
// TryNext to return false without a further resume attempt.
func (c *ChangeStreamCursor) Err() error { return c.wrapped.Err() }

// Close closes the underlying batch cursor.
func (c *ChangeStreamCursor) Close(ctx context.Context) error {
	return c.wrapped.Close(ctx)
}
