package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/session"
)

// KillCursors performs the killCursors command against a collection,
// releasing server-side resources for cursors the caller is done with
// (or abandoning) before natural exhaustion. Most callers never need
// this directly -- driver.BatchCursor.Close issues it automatically --
// but it is exposed for killing cursors whose owning BatchCursor has
// already been discarded.
type KillCursors struct {
	base

	namespace driver.Namespace
	ids       []int64

	cursorsKilled    []int64
	cursorsNotFound  []int64
	cursorsUnknown   []int64
}

// NewKillCursors constructs a KillCursors operation for the given
// cursor ids on a single namespace.
func NewKillCursors(ns driver.Namespace, ids []int64) *KillCursors {
	return &KillCursors{namespace: ns, ids: ids}
}

func (k *KillCursors) Session(s *session.Client) *KillCursors              { k.session = s; return k }
func (k *KillCursors) ClusterClock(c *session.ClusterClock) *KillCursors   { k.clock = c; return k }
func (k *KillCursors) CommandMonitor(m *driver.CommandMonitor) *KillCursors { k.monitor = m; return k }
func (k *KillCursors) Database(db string) *KillCursors                     { k.database = db; return k }
func (k *KillCursors) Deployment(d driver.Deployment) *KillCursors         { k.deployment = d; return k }
func (k *KillCursors) Logger(l *logger.Logger) *KillCursors                { k.logger = l; return k }

// CursorsKilled returns the ids the server reports having killed.
func (k *KillCursors) CursorsKilled() []int64 { return k.cursorsKilled }

func (k *KillCursors) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "killCursors", k.namespace.Collection)
	idx, arr := bsoncore.AppendArrayStart(nil)
	for i, id := range k.ids {
		arr = bsoncore.AppendInt64Element(arr, itoa(int64(i)), id)
	}
	arr, _ = bsoncore.AppendArrayEnd(arr, idx)
	dst = bsoncore.AppendArrayElement(dst, "cursors", arr)
	return dst, nil
}

func (k *KillCursors) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	k.cursorsKilled = extractInt64Array(response, "cursorsKilled")
	k.cursorsNotFound = extractInt64Array(response, "cursorsNotFound")
	k.cursorsUnknown = extractInt64Array(response, "cursorsUnknown")
	return nil
}

func extractInt64Array(response bsoncore.Document, key string) []int64 {
	v, err := response.LookupErr(key)
	if err != nil {
		return nil
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]int64, 0, len(values))
	for _, val := range values {
		if n, ok := val.AsInt64OK(); ok {
			out = append(out, n)
		}
	}
	return out
}

func (k *KillCursors) Execute(ctx context.Context) error {
	if k.deployment == nil {
		return errors.New("the KillCursors operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         k.command,
		ProcessResponseFn: k.processResponse,
		CommandName:       "killCursors",
		Client:            k.session,
		Clock:             k.clock,
		CommandMonitor:    k.monitor,
		Database:          k.database,
		Deployment:        k.deployment,
		Selector:          k.selector,
		IsRead:            false,
		Logger:            k.logger,
	}.Execute(ctx, nil)
}
