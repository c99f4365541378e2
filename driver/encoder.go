package driver

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// WriteKind tags a WriteRequest's variant, doubling as the Payload
// kind the Connection uses to pick the matching field-name validator
// at the transport boundary.
type WriteKind uint8

const (
	InsertKind WriteKind = iota
	UpdateKind
	ReplaceKind
	DeleteKind
)

func (k WriteKind) String() string {
	switch k {
	case InsertKind:
		return "insert"
	case UpdateKind, ReplaceKind:
		return "update"
	case DeleteKind:
		return "delete"
	default:
		return "unknown"
	}
}

// PayloadIdentifier returns the wire field name ("documents", "updates",
// "deletes") a batch of this kind is carried under in the legacy
// insert/update/delete commands.
func (k WriteKind) PayloadIdentifier() string {
	switch k {
	case InsertKind:
		return "documents"
	case UpdateKind, ReplaceKind:
		return "updates"
	case DeleteKind:
		return "deletes"
	default:
		return ""
	}
}

// ErrEmptyUpdateDocument is returned when an Update's update_expression
// has no top-level keys.
var ErrEmptyUpdateDocument = errors.New("update document must not be empty")

// ErrUpdateDocumentRequiresOperators is returned when an Update's
// update_expression contains a top-level key that is not a
// dollar-prefixed update operator.
var ErrUpdateDocumentRequiresOperators = errors.New("update document must contain only update operators")

// ErrReplacementHasOperators is returned when a Replace's replacement
// document contains a dollar-prefixed top-level key (update operators
// are not permitted in a full-document replacement).
var ErrReplacementHasOperators = errors.New("replacement document must not contain update operators")

// ErrInvalidIdentifierKey is returned when an insertable document's
// top-level key starts with "$" without being one of the few the
// server permits (none, for ordinary inserts).
var ErrInvalidIdentifierKey = errors.New("document must not contain dollar-prefixed top-level keys")

// WriteRequest is the tagged variant: exactly one of
// the kind-specific fields is meaningful, selected by Kind.
type WriteRequest struct {
	Kind WriteKind

	// Position is the request's original user-submitted position,
	// preserved through batching so results and errors can be remapped
	// back to it.
	Position int

	Document   bsoncore.Document // Insert
	Filter     bsoncore.Document // Update, Replace, Delete
	Update     bsoncore.Document // Update: the update_expression
	Replacement bsoncore.Document // Replace
	Multi      bool              // Update, Delete
	Upsert     bool              // Update, Replace
	Collation  bsoncore.Document // Update, Replace, Delete
}

// Insert constructs an Insert write request.
func Insert(position int, document bsoncore.Document) WriteRequest {
	return WriteRequest{Kind: InsertKind, Position: position, Document: document}
}

// NewUpdate constructs an Update write request.
func NewUpdate(position int, filter, update bsoncore.Document, multi, upsert bool, collation bsoncore.Document) WriteRequest {
	return WriteRequest{
		Kind: UpdateKind, Position: position, Filter: filter, Update: update,
		Multi: multi, Upsert: upsert, Collation: collation,
	}
}

// NewReplace constructs a Replace (full-document) write request.
func NewReplace(position int, filter, replacement bsoncore.Document, upsert bool, collation bsoncore.Document) WriteRequest {
	return WriteRequest{
		Kind: ReplaceKind, Position: position, Filter: filter, Replacement: replacement,
		Upsert: upsert, Collation: collation,
	}
}

// NewDelete constructs a Delete write request.
func NewDelete(position int, filter bsoncore.Document, multi bool, collation bsoncore.Document) WriteRequest {
	return WriteRequest{Kind: DeleteKind, Position: position, Filter: filter, Multi: multi, Collation: collation}
}

// EncodeWriteRequest encodes one write request as the BSON document
// the server expects in its payload stream.
func EncodeWriteRequest(req WriteRequest) (bsoncore.Document, error) {
	switch req.Kind {
	case InsertKind:
		return encodeInsert(req)
	case UpdateKind:
		return encodeUpdate(req)
	case ReplaceKind:
		return encodeReplace(req)
	case DeleteKind:
		return encodeDelete(req)
	default:
		return nil, errors.New("unknown write request kind")
	}
}

func encodeInsert(req WriteRequest) (bsoncore.Document, error) {
	if err := validateCollectibleDocument(req.Document); err != nil {
		return nil, err
	}
	return req.Document, nil
}

func encodeUpdate(req WriteRequest) (bsoncore.Document, error) {
	if err := validateUpdateOperatorDocument(req.Update); err != nil {
		return nil, err
	}
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDocumentElement(doc, "q", req.Filter)
	doc = bsoncore.AppendDocumentElement(doc, "u", req.Update)
	if req.Multi {
		doc = bsoncore.AppendBooleanElement(doc, "multi", true)
	}
	if req.Upsert {
		doc = bsoncore.AppendBooleanElement(doc, "upsert", true)
	}
	if req.Collation != nil {
		doc = bsoncore.AppendDocumentElement(doc, "collation", req.Collation)
	}
	return bsoncore.AppendDocumentEnd(doc, idx)
}

func encodeReplace(req WriteRequest) (bsoncore.Document, error) {
	if err := validateCollectibleDocument(req.Replacement); err != nil {
		if err == ErrInvalidIdentifierKey {
			return nil, ErrReplacementHasOperators
		}
		return nil, err
	}
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDocumentElement(doc, "q", req.Filter)
	doc = bsoncore.AppendDocumentElement(doc, "u", req.Replacement)
	if req.Upsert {
		doc = bsoncore.AppendBooleanElement(doc, "upsert", true)
	}
	if req.Collation != nil {
		doc = bsoncore.AppendDocumentElement(doc, "collation", req.Collation)
	}
	return bsoncore.AppendDocumentEnd(doc, idx)
}

func encodeDelete(req WriteRequest) (bsoncore.Document, error) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDocumentElement(doc, "q", req.Filter)
	limit := int32(1)
	if req.Multi {
		limit = 0
	}
	doc = bsoncore.AppendInt32Element(doc, "limit", limit)
	if req.Collation != nil {
		doc = bsoncore.AppendDocumentElement(doc, "collation", req.Collation)
	}
	return bsoncore.AppendDocumentEnd(doc, idx)
}

// validateCollectibleDocument is the no-op-except-for-reserved-keys
// validator used for inserts and full-document replacements: it
// rejects a top-level key of the collectible form that starts with
// "$", since the server reserves dollar-prefixed top-level keys for
// update operators.
func validateCollectibleDocument(doc bsoncore.Document) error {
	elems, err := doc.Elements()
	if err != nil {
		return err
	}
	for _, e := range elems {
		if strings.HasPrefix(e.Key(), "$") {
			return ErrInvalidIdentifierKey
		}
	}
	return nil
}

// validateUpdateOperatorDocument is the routing-rule validator for the
// `u` field of an Update: it must be non-empty and every top-level key
// must be a dollar-prefixed update operator.
func validateUpdateOperatorDocument(doc bsoncore.Document) error {
	elems, err := doc.Elements()
	if err != nil {
		return err
	}
	if len(elems) == 0 {
		return ErrEmptyUpdateDocument
	}
	for _, e := range elems {
		if !strings.HasPrefix(e.Key(), "$") {
			return ErrUpdateDocumentRequiresOperators
		}
	}
	return nil
}
