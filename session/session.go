// Package session implements the session context collaborator:
// advancing the retryable-write transaction number, and carrying
// cluster time / causal-consistency state between operations.
package session

import (
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ErrSessionEnded is returned when an operation is attempted on a
// session that has already been ended.
var ErrSessionEnded = errors.New("session has ended")

// ID is a driver-generated session identifier, encoded on the wire as
// the `lsid` field of every session-bound command.
type ID struct {
	UUID [16]byte
}

// MarshalBSON encodes the session id as `{id: <uuid>}`.
func (id ID) MarshalBSON() ([]byte, error) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendBinaryElement(doc, "id", 0x04, id.UUID[:])
	return bsoncore.AppendDocumentEnd(doc, idx)
}

// ClusterClock tracks the highest `$clusterTime` observed across any
// operation sharing this clock, so it can be attached to subsequent
// commands (causal consistency across a Client, not just a Session).
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bsoncore.Document
}

// GetClusterTime returns the most recently observed cluster time.
func (c *ClusterClock) GetClusterTime() bsoncore.Document {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterTime
}

// AdvanceClusterTime stores newTime if it is greater than the
// currently held cluster time.
func (c *ClusterClock) AdvanceClusterTime(newTime bsoncore.Document) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clusterTime = MaxClusterTime(c.clusterTime, newTime)
}

// MaxClusterTime returns whichever of the two cluster time documents
// has the greater `clusterTime.t` timestamp, treating a nil document
// as minimal.
func MaxClusterTime(a, b bsoncore.Document) bsoncore.Document {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}

	at, _ := clusterTimestamp(a)
	bt, _ := clusterTimestamp(b)
	if at.After(bt) {
		return a
	}
	return b
}

// timestampOrdinal is a comparable (T, I) pair; it implements a total
// order matching BSON Timestamp comparison semantics (T first, then I).
type timestampOrdinal struct {
	T, I uint32
}

func (o timestampOrdinal) After(other timestampOrdinal) bool {
	if o.T != other.T {
		return o.T > other.T
	}
	return o.I > other.I
}

func clusterTimestamp(doc bsoncore.Document) (timestampOrdinal, bool) {
	ts, err := doc.LookupErr("clusterTime")
	if err != nil {
		return timestampOrdinal{}, false
	}
	t, i, ok := ts.TimestampOK()
	if !ok {
		return timestampOrdinal{}, false
	}
	return timestampOrdinal{T: t, I: i}, true
}

// SessionState tracks whether a session was started explicitly by the
// caller or implicitly by an operation that needed one.
type SessionState uint8

const (
	Implicit SessionState = iota
	Explicit
)

// Client is a logical session, advancing retryable-write transaction
// numbers and carrying cluster time / operation time for causal
// consistency.
type Client struct {
	SessionID ID
	ClusterClock
	State SessionState

	mu            sync.Mutex
	txnNumber     int64
	operationTime *primitive.Timestamp
	terminated    bool

	// Consistent marks a causally consistent session. The dispatcher
	// does not read it: no `afterClusterTime` is attached to any
	// command on its account.
	Consistent bool

	// transaction state; multi-statement transactions are out of scope
	// for this core, but the fields exist so the retry path's
	// txn-in-progress check can be expressed without a separate
	// transaction package.
	txnInProgress bool
	txnStarting   bool
}

// NewClientSession constructs a new logical session.
func NewClientSession(id ID, state SessionState) *Client {
	return &Client{SessionID: id, State: state}
}

// TxnNumber returns the current retryable-write transaction number.
func (c *Client) TxnNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnNumber
}

// AdvanceTransactionNumber returns the next transaction number for a
// retryable write. Each retryable write obtains a fresh number before
// its first attempt; the retry itself reuses the same number so the
// server can recognize it as a retry of the same logical write.
func (c *Client) AdvanceTransactionNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txnNumber++
	return c.txnNumber
}

// TransactionInProgress reports whether a multi-statement transaction
// is currently open on this session.
func (c *Client) TransactionInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnInProgress
}

// TransactionStarting reports whether a transaction is starting on
// this session (the first statement of a not-yet-acknowledged
// transaction).
func (c *Client) TransactionStarting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txnStarting
}

// OperationTime returns the last observed operationTime, used to seed
// a change stream's startAtOperationTime when no resume token exists
// yet.
func (c *Client) OperationTime() *primitive.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operationTime
}

// AdvanceOperationTime stores the server's operationTime if it is
// newer than what is currently held.
func (c *Client) AdvanceOperationTime(ts *primitive.Timestamp) error {
	if ts == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.operationTime == nil || timestampAfter(*ts, *c.operationTime) {
		c.operationTime = ts
	}
	return nil
}

func timestampAfter(a, b primitive.Timestamp) bool {
	if a.T != b.T {
		return a.T > b.T
	}
	return a.I > b.I
}

// AdvanceClusterTimeDoc advances this session's cluster clock from a
// raw `$clusterTime` subdocument found in a server reply.
func (c *Client) AdvanceClusterTimeDoc(doc bsoncore.Document) {
	c.ClusterClock.AdvanceClusterTime(doc)
}

// Terminated reports whether EndSession has been called.
func (c *Client) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// EndSession marks the session as ended; driver.Operation.Execute
// then returns ErrSessionEnded for any operation run with it.
func (c *Client) EndSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
}
