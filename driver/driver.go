// Package driver implements the operation dispatch core: a wire
// envelope builder plus a command dispatcher that binds a connection,
// wraps the command for the server topology, attaches read preference
// and session context, retries transient failures, and releases
// resources on every exit path.
//
// This package intentionally knows nothing about TCP/TLS framing,
// connection pooling, or server discovery -- those are the caller's
// Connection/Server/Deployment implementations.
package driver

import (
	"context"
	"errors"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readconcern"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
	"github.com/basinlabs/mongowire/writeconcern"
)

// Connection is the wire-transport collaborator. Its implementation
// owns TCP/TLS framing and BSON wire-message encoding; this package
// only ever hands it a fully-formed command document and a typed
// payload sequence.
type Connection interface {
	// Command sends database.command (wrapped for topology/read
	// preference by the caller) and returns the raw reply document.
	// payload, when non-nil, is sent as a splittable sequence of
	// documents of the given write kind.
	Command(ctx context.Context, database string, cmd bsoncore.Document, payload *Payload) (bsoncore.Document, error)

	// LegacyGetMore issues a wire-level OP_GET_MORE against a server
	// that predates the modern getMore command, returning the
	// documents in the follow-up batch and the (possibly now-zero)
	// server cursor id.
	LegacyGetMore(ctx context.Context, ns Namespace, cursorID int64, numberToReturn int32) ([]bsoncore.Document, int64, error)

	// LegacyKillCursors issues a wire-level OP_KILL_CURSORS for the
	// given ids against a server that predates the killCursors command.
	LegacyKillCursors(ctx context.Context, ns Namespace, ids []int64) error

	Description() description.Server
	Close() error
	ID() string
}

// Payload is a splittable sequence of pre-encoded BSON documents sent
// alongside a command, tagged with the write kind so the Connection
// can pick the matching field-name validator if it performs any
// re-validation at the transport boundary.
type Payload struct {
	Kind       WriteKind
	Documents  []bsoncore.Document
	Identifier string // e.g. "documents", "updates", "deletes"
}

// Server represents a single, already-selected MongoDB server that can
// hand out connections. Pooling policy belongs to the implementation.
type Server interface {
	Connection(ctx context.Context) (Connection, error)
	Description() description.Server
}

// ConnectionSource is a reference-counted, server-bound handle that
// yields Connections from a pool; sources carry independent reference
// counts so an async chain can outlive a single callback.
type ConnectionSource interface {
	Server() Server
	Connection(ctx context.Context) (Connection, error)
	Retain()
	Release()
}

// Deployment selects a Server given a ServerSelector, and exposes the
// topology description operations need to decide legacy-vs-modern
// behavior and command wrapping.
type Deployment interface {
	SelectServer(ctx context.Context, selector description.ServerSelector) (Server, error)
	Description() description.Topology
}

// Binding is the read/write binding collaborator: a reference-counted
// context that yields connection sources honoring a read preference,
// write intent, and session context.
type Binding interface {
	ReadPreference() *readpref.ReadPref
	SessionContext() *session.Client
	GetReadConnectionSource(ctx context.Context) (ConnectionSource, error)
	GetWriteConnectionSource(ctx context.Context) (ConnectionSource, error)
	Retain()
	Release()
}

// DeploymentBinding is the standard Binding implementation: it selects
// a server fresh from the Deployment every time a connection source is
// requested, honoring read preference for reads and always targeting
// a writable server for writes.
type DeploymentBinding struct {
	Deployment  Deployment
	ReadPref    *readpref.ReadPref
	Session     *session.Client
	ClusterTime *session.ClusterClock

	refs int32
}

// NewDeploymentBinding constructs a Binding bound to a single
// Deployment, starting with a reference count of one (the caller's).
func NewDeploymentBinding(d Deployment, rp *readpref.ReadPref, sess *session.Client) *DeploymentBinding {
	return &DeploymentBinding{Deployment: d, ReadPref: rp, Session: sess, refs: 1}
}

func (b *DeploymentBinding) ReadPreference() *readpref.ReadPref { return b.ReadPref }
func (b *DeploymentBinding) SessionContext() *session.Client    { return b.Session }

func (b *DeploymentBinding) GetReadConnectionSource(ctx context.Context) (ConnectionSource, error) {
	selector := createReadPrefSelector(b.ReadPref, nil)
	srvr, err := b.Deployment.SelectServer(ctx, selector)
	if err != nil {
		return nil, err
	}
	return &serverConnectionSource{server: srvr, refs: 1}, nil
}

func (b *DeploymentBinding) GetWriteConnectionSource(ctx context.Context) (ConnectionSource, error) {
	srvr, err := b.Deployment.SelectServer(ctx, writeSelector{})
	if err != nil {
		return nil, err
	}
	return &serverConnectionSource{server: srvr, refs: 1}, nil
}

// Retain increments the binding's reference count. Every Retain must
// be matched by a Release.
func (b *DeploymentBinding) Retain() { atomicAdd(&b.refs, 1) }

// Release decrements the binding's reference count.
func (b *DeploymentBinding) Release() { atomicAdd(&b.refs, -1) }

type writeSelector struct{}

func (writeSelector) SelectServer(t description.Topology, candidates []description.Server) ([]description.Server, error) {
	out := candidates[:0]
	for _, s := range candidates {
		switch s.Kind {
		case description.RSPrimary, description.Standalone, description.Mongos, description.LoadBalancer:
			out = append(out, s)
		}
	}
	return out, nil
}

type serverConnectionSource struct {
	server Server
	refs   int32
}

func (s *serverConnectionSource) Server() Server { return s.server }
func (s *serverConnectionSource) Connection(ctx context.Context) (Connection, error) {
	return s.server.Connection(ctx)
}
func (s *serverConnectionSource) Retain()  { atomicAdd(&s.refs, 1) }
func (s *serverConnectionSource) Release() { atomicAdd(&s.refs, -1) }

// createReadPrefSelector returns the first non-nil selector, or
// builds one from the read preference (defaulting to Primary).
func createReadPrefSelector(rp *readpref.ReadPref, selector description.ServerSelector) description.ServerSelector {
	if selector != nil {
		return selector
	}
	if rp == nil {
		rp = readpref.Primary()
	}
	return description.ServerSelectorFunc(func(t description.Topology, candidates []description.Server) ([]description.Server, error) {
		if rp.IsPrimary() {
			return writeSelector{}.SelectServer(t, candidates)
		}
		return candidates, nil
	})
}

// CommandFn builds the command body for a given selected server. It
// is handed an already-started destination document and appends the
// command's elements to it; the dispatcher closes the document and
// adds the outer $query/$readPreference wrapping when required.
type CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

// ResponseFn processes a successful reply.
type ResponseFn func(response bsoncore.Document, srvr Server, desc description.Server) error

// RetryMode controls whether and how an Operation retries.
type RetryMode uint8

const (
	RetryNone RetryMode = iota
	RetryOnce
)

// CommandMonitor receives Started/Succeeded/Failed events for every
// dispatched command.
type CommandMonitor struct {
	Started   func(ctx context.Context, evt *CommandStartedEvent)
	Succeeded func(ctx context.Context, evt *CommandSucceededEvent)
	Failed    func(ctx context.Context, evt *CommandFailedEvent)
}

type CommandStartedEvent struct {
	CommandName string
	Database    string
	Command     bsoncore.Document
}

type CommandSucceededEvent struct {
	CommandName string
	Reply       bsoncore.Document
}

type CommandFailedEvent struct {
	CommandName string
	Failure     error
}

// Operation describes a single dispatched command: how to build it,
// where to send it, and how to process the reply. It covers both
// command wrapping and wire send, and binding acquisition, retry, and
// release.
type Operation struct {
	// CommandFn builds the command document.
	CommandFn CommandFn
	// ProcessResponseFn, if set, is invoked with a successful reply.
	ProcessResponseFn ResponseFn

	CommandName string

	Client         *session.Client
	Clock          *session.ClusterClock
	CommandMonitor *CommandMonitor
	Database       string
	Deployment     Deployment
	ReadPreference *readpref.ReadPref
	ReadConcern    *readconcern.ReadConcern
	WriteConcern   *writeconcern.WriteConcern
	Selector       description.ServerSelector

	// Payload carries a splittable write-request sequence; nil for
	// operations with no bulk payload.
	Payload *Payload

	// MinimumWriteConcernWireVersion, MinimumReadConcernWireVersion
	// gate whether the respective fields are attached at all, capturing
	// the legacy-vs-modern capability fork in one place.
	MinimumWriteConcernWireVersion int32
	MinimumReadConcernWireVersion  int32

	// RetryMode controls whether a failed read or write is retried once.
	RetryMode RetryMode
	// RetryWrites opts a write operation into retryable-write
	// semantics; ignored for reads.
	RetryWrites bool
	// IsRead marks a read operation for the read-retry path; otherwise
	// the write-retry path applies when RetryMode is RetryOnce and
	// RetryWrites is set.
	IsRead bool

	Logger *logger.Logger
}

// ErrNoDeployment is returned when Execute is called without a
// Deployment configured.
var ErrNoDeployment = errors.New("operation must have a Deployment set before Execute can be called")

// Execute runs the operation: acquire a binding (or use the provided
// one), select a connection source, acquire a connection, send the
// command, process the reply, and release every acquired resource on
// every exit path.
//
// If binding is nil, Execute builds a transient DeploymentBinding for
// the duration of this single call -- the common case for one-shot
// operations. Cursors and bulk writes instead pass in a long-lived
// binding so follow-up round trips reuse it.
func (op Operation) Execute(ctx context.Context, binding Binding) error {
	if op.Deployment == nil && binding == nil {
		return ErrNoDeployment
	}
	if op.Client != nil && op.Client.Terminated() {
		return session.ErrSessionEnded
	}

	owned := false
	if binding == nil {
		binding = NewDeploymentBinding(op.Deployment, op.ReadPreference, op.Client)
		owned = true
	}
	defer func() {
		if owned {
			binding.Release()
		}
	}()

	if op.RetryWrites && !op.IsRead && op.Client != nil {
		// Each retryable write obtains a fresh transaction number before
		// its first attempt; the retry below reuses the same number so
		// the server recognizes it as a retry of the same logical write.
		op.Client.AdvanceTransactionNumber()
	}

	var source ConnectionSource
	var err error
	if op.writesToServer() {
		source, err = binding.GetWriteConnectionSource(ctx)
	} else {
		source, err = binding.GetReadConnectionSource(ctx)
	}
	if err != nil {
		return err
	}
	defer source.Release()

	reply, err := op.executeOnSource(ctx, source)
	if err == nil {
		return nil
	}

	if op.shouldRetry(err) {
		// Reselect a fresh connection source and retry exactly once.
		var retrySource ConnectionSource
		var retryErr error
		if op.writesToServer() {
			retrySource, retryErr = binding.GetWriteConnectionSource(ctx)
		} else {
			retrySource, retryErr = binding.GetReadConnectionSource(ctx)
		}
		if retryErr == nil {
			defer retrySource.Release()
			reply, err = op.executeOnSource(ctx, retrySource)
		}
	}
	_ = reply
	return err
}

func (op Operation) writesToServer() bool {
	return op.Payload != nil || op.WriteConcern != nil
}

func (op Operation) shouldRetry(err error) bool {
	if op.RetryMode != RetryOnce {
		return false
	}
	if op.IsRead {
		return IsRetryable(err)
	}
	return op.RetryWrites && IsRetryableWrite(err)
}

func (op Operation) executeOnSource(ctx context.Context, source ConnectionSource) (bsoncore.Document, error) {
	conn, err := source.Connection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	desc := description.SelectedServer{Server: conn.Description()}

	cmd, err := op.buildCommand(desc)
	if err != nil {
		return nil, err
	}

	op.emitStarted(ctx, cmd)

	reply, err := conn.Command(ctx, op.Database, cmd, op.Payload)
	if err != nil {
		op.emitFailed(ctx, err)
		return nil, WrapConnectionError(err, string(conn.Description().Addr))
	}

	if cmdErr := extractCommandError(reply); cmdErr != nil {
		op.emitFailed(ctx, cmdErr)
		return reply, cmdErr
	}

	if op.Client != nil {
		updateSessionFromReply(op.Client, reply)
	}
	if op.Clock != nil {
		if ct, lookupErr := reply.LookupErr("$clusterTime"); lookupErr == nil {
			if ctDoc, ok := ct.DocumentOK(); ok {
				op.Clock.AdvanceClusterTime(ctDoc)
			}
		}
	}

	op.emitSucceeded(ctx, reply)

	if op.ProcessResponseFn != nil {
		if perr := op.ProcessResponseFn(reply, source.Server(), conn.Description()); perr != nil {
			return reply, perr
		}
	}
	return reply, nil
}

// buildCommand runs CommandFn and wraps the result for the server
// topology and read preference: shard routers executing a non-primary
// read get `{$query: command, $readPreference: rp}`.
func (op Operation) buildCommand(desc description.SelectedServer) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst, err := op.CommandFn(dst, desc)
	if err != nil {
		return nil, err
	}

	dst, err = op.attachSessionAndConcerns(dst, desc)
	if err != nil {
		return nil, err
	}

	dst, err = bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, err
	}

	cmdDoc := bsoncore.Document(dst)

	if desc.Kind != description.Mongos || op.ReadPreference.IsPrimary() {
		return cmdDoc, nil
	}

	rpDoc := readpref.Document(op.ReadPreference, desc.Kind, desc.TopologyKind, false)
	if rpDoc == nil {
		return cmdDoc, nil
	}

	idx, wrapped := bsoncore.AppendDocumentStart(nil)
	wrapped = bsoncore.AppendDocumentElement(wrapped, "$query", cmdDoc)
	wrapped = bsoncore.AppendDocumentElement(wrapped, "$readPreference", rpDoc)
	wrapped, err = bsoncore.AppendDocumentEnd(wrapped, idx)
	return bsoncore.Document(wrapped), err
}

func (op Operation) attachSessionAndConcerns(dst []byte, desc description.SelectedServer) ([]byte, error) {
	var err error

	if op.Client != nil && description.SessionsSupported(desc.WireVersion.Max) {
		lsid, merr := op.Client.SessionID.MarshalBSON()
		if merr != nil {
			return dst, merr
		}
		dst = bsoncore.AppendDocumentElement(dst, "lsid", lsid)

		if op.RetryWrites && !op.IsRead {
			dst = bsoncore.AppendInt64Element(dst, "txnNumber", op.Client.TxnNumber())
		}
	}

	if op.ReadConcern != nil && desc.WireVersion.Max >= op.MinimumReadConcernWireVersion {
		_, data, rerr := op.ReadConcern.MarshalBSONValue()
		if rerr != nil {
			return dst, rerr
		}
		dst = bsoncore.AppendDocumentElement(dst, "readConcern", data)
	}

	if op.WriteConcern != nil && desc.WireVersion.Max >= op.MinimumWriteConcernWireVersion {
		_, data, werr := op.WriteConcern.MarshalBSONValue()
		if werr == writeconcern.ErrEmptyWriteConcern {
			return dst, nil
		}
		if werr != nil {
			return dst, werr
		}
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", data)
	}

	return dst, err
}

func (op Operation) emitStarted(ctx context.Context, cmd bsoncore.Document) {
	if op.CommandMonitor == nil || op.CommandMonitor.Started == nil {
		return
	}
	op.CommandMonitor.Started(ctx, &CommandStartedEvent{CommandName: op.CommandName, Database: op.Database, Command: cmd})
}

func (op Operation) emitSucceeded(ctx context.Context, reply bsoncore.Document) {
	if op.CommandMonitor == nil || op.CommandMonitor.Succeeded == nil {
		return
	}
	op.CommandMonitor.Succeeded(ctx, &CommandSucceededEvent{CommandName: op.CommandName, Reply: reply})
}

func (op Operation) emitFailed(ctx context.Context, err error) {
	if op.CommandMonitor == nil || op.CommandMonitor.Failed == nil {
		return
	}
	op.CommandMonitor.Failed(ctx, &CommandFailedEvent{CommandName: op.CommandName, Failure: err})
}

func updateSessionFromReply(sess *session.Client, reply bsoncore.Document) {
	if opTime, err := reply.LookupErr("operationTime"); err == nil {
		if t, i, ok := opTime.TimestampOK(); ok {
			_ = sess.AdvanceOperationTime(&primitive.Timestamp{T: t, I: i})
		}
	}
	if ct, err := reply.LookupErr("$clusterTime"); err == nil {
		if ctDoc, ok := ct.DocumentOK(); ok {
			sess.AdvanceClusterTimeDoc(ctDoc)
		}
	}
}

// atomicAdd adds delta to *p and is safe for concurrent use: bindings
// and connection sources can be retained and released from more than
// one goroutine across an async chain.
func atomicAdd(p *int32, delta int32) {
	atomic.AddInt32(p, delta)
}
