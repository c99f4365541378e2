// Package operation implements the per-command builders: each
// exported type builds a single command document, optionally
// processes the reply into a typed result or a cursor. Apart from
// Hello, which picks hello or isMaster by wire version, the builders
// always emit the modern command and have no legacy server-version
// fallback. The wiring to bind a
// connection, wrap the command, attach session/read-preference
// context, retry, and release resources is handled uniformly by
// driver.Operation -- these builders only ever produce a CommandFn/
// ResponseFn pair and feed them to it.
package operation

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readconcern"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
	"github.com/basinlabs/mongowire/writeconcern"
)

// base holds the dispatch plumbing every operation builder shares:
// session/cluster-clock context, monitoring, target database/
// deployment, read preference/concern, write concern, and an explicit
// server selector override. It is embedded (not promoted through
// interface satisfaction) so each concrete operation type still
// defines its own chainable setters in a per-type, non-generic
// builder shape.
type base struct {
	session        *session.Client
	clock          *session.ClusterClock
	monitor        *driver.CommandMonitor
	database       string
	deployment     driver.Deployment
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern
	writeConcern   *writeconcern.WriteConcern
	selector       description.ServerSelector
	logger         *logger.Logger
}

func appendInt32IfNonZero(dst []byte, key string, v int32) []byte {
	if v == 0 {
		return dst
	}
	return bsoncore.AppendInt32Element(dst, key, v)
}

func appendInt64IfNonZero(dst []byte, key string, v int64) []byte {
	if v == 0 {
		return dst
	}
	return bsoncore.AppendInt64Element(dst, key, v)
}

func appendBoolIfSet(dst []byte, key string, v *bool) []byte {
	if v == nil {
		return dst
	}
	return bsoncore.AppendBooleanElement(dst, key, *v)
}

func appendDocIfSet(dst []byte, key string, v bsoncore.Document) []byte {
	if v == nil {
		return dst
	}
	return bsoncore.AppendDocumentElement(dst, key, v)
}

func appendStringIfSet(dst []byte, key, v string) []byte {
	if v == "" {
		return dst
	}
	return bsoncore.AppendStringElement(dst, key, v)
}

// indexNameFromKeys implements the default index name generation:
// concatenate for each (key, direction) "{key}_{direction_or_type}"
// joined by "_", replacing spaces in string index types with
// underscores.
func indexNameFromKeys(keys bsoncore.Document) (string, error) {
	elems, err := keys.Elements()
	if err != nil {
		return "", err
	}
	name := ""
	for i, e := range elems {
		if i > 0 {
			name += "_"
		}
		name += e.Key() + "_" + directionToken(e.Value())
	}
	return name, nil
}

func directionToken(v bsoncore.Value) string {
	switch v.Type {
	case bson.TypeInt32:
		n, _ := v.Int32OK()
		return itoa(int64(n))
	case bson.TypeInt64:
		n, _ := v.Int64OK()
		return itoa(n)
	case bson.TypeDouble:
		d, _ := v.DoubleOK()
		return itoa(int64(d))
	case bson.TypeString: // text/sphere/haystack index types
		s, _ := v.StringValueOK()
		replaced := make([]byte, 0, len(s))
		for i := 0; i < len(s); i++ {
			if s[i] == ' ' {
				replaced = append(replaced, '_')
			} else {
				replaced = append(replaced, s[i])
			}
		}
		return string(replaced)
	default:
		return ""
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
