package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/session"
	"github.com/basinlabs/mongowire/writeconcern"
)

// Write drives a single-batch insert, update, or delete command built
// from a payload of already-encoded write requests. Multi-batch bulk
// writes go through driver.BulkWriteBatcher instead; this type covers
// the direct, non-bulk entry points (InsertOne/UpdateOne/DeleteMany and
// friends) where the caller has already formed one batch's worth of
// requests.
type Write struct {
	base

	namespace                driver.Namespace
	kind                     driver.WriteKind
	requests                 []driver.WriteRequest
	ordered                  bool
	bypassDocumentValidation *bool
	comment                  string
	let                      bsoncore.Document

	result bsoncore.Document
}

// NewWrite constructs a Write operation for a single batch of
// same-kind write requests.
func NewWrite(ns driver.Namespace, kind driver.WriteKind, requests []driver.WriteRequest) *Write {
	return &Write{namespace: ns, kind: kind, requests: requests, ordered: true}
}

func (w *Write) Ordered(v bool) *Write                          { w.ordered = v; return w }
func (w *Write) BypassDocumentValidation(v bool) *Write         { w.bypassDocumentValidation = &v; return w }
func (w *Write) Comment(c string) *Write                        { w.comment = c; return w }
func (w *Write) Let(d bsoncore.Document) *Write                 { w.let = d; return w }
func (w *Write) Session(s *session.Client) *Write               { w.session = s; return w }
func (w *Write) ClusterClock(c *session.ClusterClock) *Write    { w.clock = c; return w }
func (w *Write) CommandMonitor(m *driver.CommandMonitor) *Write { w.monitor = m; return w }
func (w *Write) Database(db string) *Write                      { w.database = db; return w }
func (w *Write) Deployment(d driver.Deployment) *Write          { w.deployment = d; return w }
func (w *Write) WriteConcern(wc *writeconcern.WriteConcern) *Write { w.writeConcern = wc; return w }
func (w *Write) ServerSelector(s description.ServerSelector) *Write { w.selector = s; return w }
func (w *Write) Logger(l *logger.Logger) *Write                 { w.logger = l; return w }

// Result returns the raw server reply from the most recent Execute.
func (w *Write) Result() bsoncore.Document { return w.result }

func (w *Write) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	var commandName string
	switch w.kind {
	case driver.InsertKind:
		commandName = "insert"
	case driver.UpdateKind, driver.ReplaceKind:
		commandName = "update"
	case driver.DeleteKind:
		commandName = "delete"
	default:
		return nil, errors.New("write: unknown write kind")
	}
	dst = bsoncore.AppendStringElement(dst, commandName, w.namespace.Collection)

	payloadIdx, payloadBuf := bsoncore.AppendArrayStart(nil)
	for i, req := range w.requests {
		doc, err := driver.EncodeWriteRequest(req)
		if err != nil {
			return nil, err
		}
		payloadBuf = bsoncore.AppendDocumentElement(payloadBuf, itoa(int64(i)), doc)
	}
	payloadBuf, _ = bsoncore.AppendArrayEnd(payloadBuf, payloadIdx)
	dst = bsoncore.AppendArrayElement(dst, w.kind.PayloadIdentifier(), payloadBuf)

	dst = bsoncore.AppendBooleanElement(dst, "ordered", w.ordered)
	dst = appendBoolIfSet(dst, "bypassDocumentValidation", w.bypassDocumentValidation)
	dst = appendStringIfSet(dst, "comment", w.comment)
	dst = appendDocIfSet(dst, "let", w.let)
	return dst, nil
}

func (w *Write) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	w.result = response
	return nil
}

func (w *Write) Execute(ctx context.Context) error {
	if w.deployment == nil {
		return errors.New("the Write operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         w.command,
		ProcessResponseFn: w.processResponse,
		CommandName:       w.kind.String(),
		Client:            w.session,
		Clock:             w.clock,
		CommandMonitor:    w.monitor,
		Database:          w.database,
		Deployment:        w.deployment,
		WriteConcern:      w.writeConcern,
		Selector:          w.selector,
		IsRead:            false,
		RetryWrites:       true,
		RetryMode:         driver.RetryOnce,
		Logger:            w.logger,
	}.Execute(ctx, nil)
}
