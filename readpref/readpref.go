// Package readpref implements MongoDB read preference modes and their
// BSON encoding for command wrapping.
package readpref

import (
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
)

// Mode is a read preference mode.
type Mode uint8

const (
	PrimaryMode Mode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// TagSet is a single set of replica-set member tags.
type TagSet []struct{ Name, Value string }

// ReadPref represents a read preference.
type ReadPref struct {
	mode         Mode
	tagSets      []TagSet
	maxStaleness time.Duration
	hasStaleness bool
}

// Primary returns the default read preference, reading only from the
// primary.
func Primary() *ReadPref { return &ReadPref{mode: PrimaryMode} }

// PrimaryPreferred returns a read preference that prefers the primary
// but falls back to a secondary.
func PrimaryPreferred(opts ...Option) *ReadPref { return newMode(PrimaryPreferredMode, opts) }

// Secondary returns a read preference that only reads from secondaries.
func Secondary(opts ...Option) *ReadPref { return newMode(SecondaryMode, opts) }

// SecondaryPreferred returns a read preference that prefers secondaries
// but falls back to the primary.
func SecondaryPreferred(opts ...Option) *ReadPref { return newMode(SecondaryPreferredMode, opts) }

// Nearest returns a read preference with no primary/secondary
// preference, selecting by latency only.
func Nearest(opts ...Option) *ReadPref { return newMode(NearestMode, opts) }

func newMode(m Mode, opts []Option) *ReadPref {
	rp := &ReadPref{mode: m}
	for _, o := range opts {
		o(rp)
	}
	return rp
}

// Option configures a ReadPref.
type Option func(*ReadPref)

// WithTags appends a tag set.
func WithTags(ts TagSet) Option {
	return func(rp *ReadPref) { rp.tagSets = append(rp.tagSets, ts) }
}

// WithMaxStaleness sets the maximum replication staleness window.
func WithMaxStaleness(d time.Duration) Option {
	return func(rp *ReadPref) {
		rp.maxStaleness = d
		rp.hasStaleness = true
	}
}

// Mode returns the read preference mode.
func (rp *ReadPref) Mode() Mode {
	if rp == nil {
		return PrimaryMode
	}
	return rp.mode
}

// TagSets returns the configured tag sets.
func (rp *ReadPref) TagSets() []TagSet {
	if rp == nil {
		return nil
	}
	return rp.tagSets
}

// MaxStaleness returns the configured staleness window, if any.
func (rp *ReadPref) MaxStaleness() (time.Duration, bool) {
	if rp == nil {
		return 0, false
	}
	return rp.maxStaleness, rp.hasStaleness
}

// IsPrimary reports whether this is the (possibly nil, meaning
// default-primary) primary read preference.
func (rp *ReadPref) IsPrimary() bool {
	return rp == nil || rp.mode == PrimaryMode
}

// Document builds the `$readPreference` document for this read
// preference given the server it will be sent to: a nil read
// preference against a standalone non-mongos server still emits
// "primaryPreferred" (so a direct connection never refuses a read),
// primary mode against a mongos is omitted entirely (routers default
// to primary), and secondaryPreferred against a mongos executing a
// legacy OP_QUERY is omitted unless tags or staleness are present.
func Document(rp *ReadPref, serverKind description.ServerKind, topologyKind description.TopologyKind, isOpQuery bool) bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)

	if rp == nil {
		if topologyKind == description.TopologySingle && serverKind != description.Mongos {
			doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
			doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
			return doc
		}
		return nil
	}

	switch rp.mode {
	case PrimaryMode:
		if serverKind == description.Mongos {
			return nil
		}
		if topologyKind == description.TopologySingle {
			doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
			doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
			return doc
		}
		doc = bsoncore.AppendStringElement(doc, "mode", "primary")
	case PrimaryPreferredMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
	case SecondaryPreferredMode:
		_, hasStaleness := rp.MaxStaleness()
		if serverKind == description.Mongos && isOpQuery && !hasStaleness && len(rp.tagSets) == 0 {
			return nil
		}
		doc = bsoncore.AppendStringElement(doc, "mode", "secondaryPreferred")
	case SecondaryMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "secondary")
	case NearestMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "nearest")
	}

	sets := make([]bsoncore.Document, 0, len(rp.tagSets))
	for _, ts := range rp.tagSets {
		if len(ts) == 0 {
			continue
		}
		i, set := bsoncore.AppendDocumentStart(nil)
		for _, t := range ts {
			set = bsoncore.AppendStringElement(set, t.Name, t.Value)
		}
		set, _ = bsoncore.AppendDocumentEnd(set, i)
		sets = append(sets, set)
	}
	if len(sets) > 0 {
		aidx, arr := bsoncore.AppendArrayElementStart(doc, "tags")
		for i, set := range sets {
			arr = bsoncore.AppendDocumentElement(arr, strconv.Itoa(i), set)
		}
		doc, _ = bsoncore.AppendArrayEnd(arr, aidx)
	}

	if d, ok := rp.MaxStaleness(); ok {
		doc = bsoncore.AppendInt32Element(doc, "maxStalenessSeconds", int32(d.Seconds()))
	}

	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}
