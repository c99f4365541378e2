package driver

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Unretryable change-stream error codes: a server error whose
// code appears here is never treated as a retryable change-stream
// error, even though it may otherwise look transient.
var unretryableChangeStreamCodes = map[int32]bool{
	136:   true, // CappedPositionLost
	237:   true, // CursorKilled
	280:   true, // FailedToSatisfyReadPreference (reshuffled resume token)
	11601: true, // Interrupted
}

// duplicateKeyCodes are the server error codes that indicate a unique
// index violation.
var duplicateKeyCodes = map[int32]bool{
	11000: true,
	11001: true,
	12582: true,
	16460: true,
}

// notPrimaryCodes are server codes indicating the targeted server is
// no longer primary.
var notPrimaryCodes = map[int32]bool{
	10107: true,
	13435: true,
	10058: true,
}

// notPrimaryMessages are substrings of errmsg that indicate a
// not-primary condition on servers that report it as a bare message
// rather than (or in addition to) a code.
var notPrimaryMessages = []string{"not master", "not primary", "node is recovering"}

const (
	codeMaxTimeMSExpired  int32 = 50
	codeCursorNotFound    int32 = 43
	codeNamespaceNotFound int32 = 26
)

// Error is the driver's command-failure error kind: a server command
// returned ok:0, wrapped with the address it came from so callers can
// tell which member of a replica set rejected the command.
type Error struct {
	Code    int32
	Message string
	Name    string
	Labels  []string
	Address string
}

func (e Error) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("(%s) %s", e.Address, e.Message)
	}
	return e.Message
}

// HasErrorLabel reports whether label is present in the error's
// errorLabels array, as returned by the server.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsNetworkError reports whether this failure arrived tagged as a
// network-layer error rather than a decoded server reply.
func (e Error) IsNetworkError() bool { return e.HasErrorLabel(labelNetworkError) }

// IsNotPrimary reports whether the server rejected the command because
// it is no longer primary.
func (e Error) IsNotPrimary() bool {
	if notPrimaryCodes[e.Code] {
		return true
	}
	lower := strings.ToLower(e.Message)
	for _, m := range notPrimaryMessages {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsNamespaceNotFound reports whether this is the "ns not found"
// command failure that listCollections/listIndexes/dropCollection
// recover from.
func (e Error) IsNamespaceNotFound() bool {
	return e.Code == codeNamespaceNotFound || strings.Contains(e.Message, "ns not found")
}

// IsTimeout reports whether the server indicated maxTimeMS was
// exceeded.
func (e Error) IsTimeout() bool {
	return e.Code == codeMaxTimeMSExpired || strings.Contains(strings.ToLower(e.Message), "exceeded time limit")
}

// IsCursorNotFound reports whether the server reported the cursor id
// as unknown (killed, expired, or never existed on this server).
func (e Error) IsCursorNotFound() bool {
	return e.Code == codeCursorNotFound || strings.Contains(strings.ToLower(e.Message), "cursor not found")
}

// IsDuplicateKey reports whether this command failure is a unique
// index violation.
func (e Error) IsDuplicateKey() bool { return duplicateKeyCodes[e.Code] }

const (
	labelNetworkError         = "NetworkError"
	labelTransientTransaction = "TransientTransactionError"
	labelRetryableWrite       = "RetryableWriteError"
)

// NetworkError wraps a transport-level failure (socket closed, read/write
// timeout mid-operation) so it can be told apart from a decoded server
// reply without inspecting a string message.
type NetworkError struct {
	Address string
	Wrapped error
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("(%s) %s", e.Address, e.Wrapped.Error())
}

func (e NetworkError) Unwrap() error { return e.Wrapped }

// WrapConnectionError classifies a transport-level failure as a
// NetworkError tagged for the retry orchestrators. A nil
// err passes through unchanged.
func WrapConnectionError(err error, address string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(Error); ok {
		return err
	}
	return NetworkError{Address: address, Wrapped: err}
}

// WriteError is a single per-item write error, carrying its
// payload-local index before the bulk combiner remaps it to the
// user-submitted position.
type WriteError struct {
	Index   int64
	Code    int64
	Message string
	Details bsoncore.Document
}

func (we WriteError) Error() string { return we.Message }

// WriteConcernError reports that the server acknowledged the write
// itself but could not satisfy the requested write concern.
type WriteConcernError struct {
	Code    int64
	Name    string
	Message string
	Details bsoncore.Document
}

func (wce WriteConcernError) Error() string { return wce.Message }

// WriteCommandError aggregates the per-item write errors and the
// single write-concern error (if any) returned by one write command
// reply. It is never surfaced per-item mid-stream; the bulk batcher
// accumulates these into its combiner and reports one aggregate error
// at the end.
type WriteCommandError struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
	Labels            []string
}

func (wce WriteCommandError) Error() string {
	var b strings.Builder
	for i, we := range wce.WriteErrors {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(we.Message)
	}
	if wce.WriteConcernError != nil {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString("write concern error: " + wce.WriteConcernError.Message)
	}
	return b.String()
}

// HasErrorLabel reports whether label is present in the top-level
// errorLabels array attached to this write command reply.
func (wce WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ChangeStreamError is raised when a resume token is missing from a
// delivered document (fatal, non-retryable) or when the
// underlying error's code is in the unretryable-change-stream list.
type ChangeStreamError struct {
	Message string
	Wrapped error
}

func (e ChangeStreamError) Error() string { return e.Message }
func (e ChangeStreamError) Unwrap() error { return e.Wrapped }

// extractCommandError decodes a server reply into an Error or
// WriteCommandError if the reply indicates failure. A reply with
// ok:1 and no writeErrors / writeConcernError returns nil.
func extractCommandError(reply bsoncore.Document) error {
	var errmsg, codeName string
	var code int32
	var labels []string
	var ok bool
	var wcErr WriteCommandError

	elems, err := reply.Elements()
	if err != nil {
		return err
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "ok":
			ok = isOkValue(elem.Value())
		case "errmsg":
			if s, valid := elem.Value().StringValueOK(); valid {
				errmsg = s
			}
		case "codeName":
			if s, valid := elem.Value().StringValueOK(); valid {
				codeName = s
			}
		case "code":
			if c, valid := elem.Value().Int32OK(); valid {
				code = c
			}
		case "errorLabels":
			if arr, valid := elem.Value().ArrayOK(); valid {
				labels = append(labels, stringArrayValues(arr)...)
			}
		case "writeErrors":
			arr, valid := elem.Value().ArrayOK()
			if !valid {
				continue
			}
			vals, verr := arr.Values()
			if verr != nil {
				continue
			}
			for _, v := range vals {
				doc, valid := v.DocumentOK()
				if !valid {
					continue
				}
				wcErr.WriteErrors = append(wcErr.WriteErrors, decodeWriteError(doc))
			}
		case "writeConcernError":
			doc, valid := elem.Value().DocumentOK()
			if !valid {
				continue
			}
			wce := decodeWriteConcernError(doc)
			wcErr.WriteConcernError = &wce
		}
	}

	if !ok {
		if errmsg == "" {
			errmsg = "command failed"
		}
		return Error{Code: code, Message: errmsg, Name: codeName, Labels: labels}
	}

	if len(wcErr.WriteErrors) > 0 || wcErr.WriteConcernError != nil {
		wcErr.Labels = labels
		return wcErr
	}

	return nil
}

func isOkValue(v bsoncore.Value) bool {
	switch v.Type {
	case bson.TypeInt32:
		return v.Int32() == 1
	case bson.TypeInt64:
		return v.Int64() == 1
	case bson.TypeDouble:
		return v.Double() == 1
	}
	return false
}

func stringArrayValues(arr bsoncore.Array) []string {
	vals, err := arr.Values()
	if err != nil {
		return nil
	}
	var out []string
	for _, v := range vals {
		if s, ok := v.StringValueOK(); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeWriteError(doc bsoncore.Document) WriteError {
	var we WriteError
	if idx, ok := doc.Lookup("index").AsInt64OK(); ok {
		we.Index = idx
	}
	if code, ok := doc.Lookup("code").AsInt64OK(); ok {
		we.Code = code
	}
	if msg, ok := doc.Lookup("errmsg").StringValueOK(); ok {
		we.Message = msg
	}
	if info, ok := doc.Lookup("errInfo").DocumentOK(); ok {
		we.Details = append(bsoncore.Document(nil), info...)
	}
	return we
}

func decodeWriteConcernError(doc bsoncore.Document) WriteConcernError {
	var wce WriteConcernError
	if code, ok := doc.Lookup("code").AsInt64OK(); ok {
		wce.Code = code
	}
	if name, ok := doc.Lookup("codeName").StringValueOK(); ok {
		wce.Name = name
	}
	if msg, ok := doc.Lookup("errmsg").StringValueOK(); ok {
		wce.Message = msg
	}
	if info, ok := doc.Lookup("errInfo").DocumentOK(); ok {
		wce.Details = append(bsoncore.Document(nil), info...)
	}
	return wce
}

// RethrowIfNotNamespaceError swallows a "ns not found" command failure
// (the standard recovery for listCollections/listIndexes/dropCollection
// against a namespace that does not exist) and propagates anything
// else unchanged.
func RethrowIfNotNamespaceError(err error) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(Error); ok && de.IsNamespaceNotFound() {
		return nil
	}
	return err
}

// IsRetryable reports whether err should trigger the read-retry path:
// network errors, not-primary and cursor-not-found command failures.
func IsRetryable(err error) bool {
	switch e := err.(type) {
	case NetworkError:
		return true
	case Error:
		return e.IsNetworkError() || e.IsNotPrimary() || e.IsCursorNotFound()
	}
	return false
}

// IsRetryableWrite reports whether err should trigger the write-retry
// retryable-write path: NetworkError and NotPrimary
// only, never an arbitrary CommandFailure code.
func IsRetryableWrite(err error) bool {
	switch e := err.(type) {
	case NetworkError:
		return true
	case Error:
		return e.IsNetworkError() || e.IsNotPrimary()
	}
	return false
}

// IsRetryableChangeStreamError implements the change-stream retry
// predicate: network errors, cursor-not-found, not-primary, and any
// server error whose code is not in the unretryable-change-stream list
// and is not itself a ChangeStreamError.
func IsRetryableChangeStreamError(err error) bool {
	switch e := err.(type) {
	case ChangeStreamError:
		return false
	case NetworkError:
		return true
	case Error:
		if e.IsNetworkError() || e.IsNotPrimary() || e.IsCursorNotFound() {
			return true
		}
		return !unretryableChangeStreamCodes[e.Code]
	}
	return false
}
