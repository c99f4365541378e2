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

// Group performs the deprecated group command, grouping documents by a
// key document or a key function.
type Group struct {
	base

	namespace driver.Namespace
	key       bsoncore.Document
	keyf      string // JS key function; mutually exclusive with key
	reduce    string
	initial   bsoncore.Document
	finalize  string
	cond      bsoncore.Document
	collation bsoncore.Document

	result bsoncore.Array
}

// NewGroup constructs a Group operation keyed by a key document.
func NewGroup(ns driver.Namespace, key bsoncore.Document, reduce string, initial bsoncore.Document) *Group {
	return &Group{namespace: ns, key: key, reduce: reduce, initial: initial}
}

// KeyFunction switches grouping from a key document to a JS key
// function, clearing any previously set key document.
func (g *Group) KeyFunction(fn string) *Group { g.keyf = fn; g.key = nil; return g }

func (g *Group) Finalize(f string) *Group                     { g.finalize = f; return g }
func (g *Group) Cond(c bsoncore.Document) *Group               { g.cond = c; return g }
func (g *Group) Collation(c bsoncore.Document) *Group          { g.collation = c; return g }
func (g *Group) Session(s *session.Client) *Group              { g.session = s; return g }
func (g *Group) ClusterClock(c *session.ClusterClock) *Group   { g.clock = c; return g }
func (g *Group) CommandMonitor(m *driver.CommandMonitor) *Group { g.monitor = m; return g }
func (g *Group) Database(db string) *Group                     { g.database = db; return g }
func (g *Group) Deployment(d driver.Deployment) *Group          { g.deployment = d; return g }
func (g *Group) ServerSelector(s description.ServerSelector) *Group { g.selector = s; return g }
func (g *Group) Logger(l *logger.Logger) *Group                 { g.logger = l; return g }

// Result returns the `retval` array from the most recent Execute.
func (g *Group) Result() bsoncore.Array { return g.result }

func (g *Group) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	groupIdx, groupBuf := bsoncore.AppendDocumentStart(nil)
	groupBuf = bsoncore.AppendStringElement(groupBuf, "ns", g.namespace.Collection)
	if g.keyf != "" {
		// The server's group command expects the key function under
		// "$keyf", not "keyf" -- the unprefixed spelling is silently
		// ignored and the command falls back to grouping by an empty key.
		groupBuf = bsoncore.AppendStringElement(groupBuf, "$keyf", g.keyf)
	} else {
		groupBuf = appendDocIfSet(groupBuf, "key", g.key)
	}
	groupBuf = bsoncore.AppendStringElement(groupBuf, "$reduce", g.reduce)
	groupBuf = appendDocIfSet(groupBuf, "initial", g.initial)
	groupBuf = appendStringIfSet(groupBuf, "finalize", g.finalize)
	groupBuf = appendDocIfSet(groupBuf, "cond", g.cond)
	groupBuf = appendDocIfSet(groupBuf, "collation", g.collation)
	groupBuf, _ = bsoncore.AppendDocumentEnd(groupBuf, groupIdx)

	dst = bsoncore.AppendDocumentElement(dst, "group", groupBuf)
	return dst, nil
}

func (g *Group) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	v, err := response.LookupErr("retval")
	if err != nil {
		return err
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return errors.New("group: retval field is not an array")
	}
	g.result = arr
	return nil
}

func (g *Group) Execute(ctx context.Context) error {
	if g.deployment == nil {
		return errors.New("the Group operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         g.command,
		ProcessResponseFn: g.processResponse,
		CommandName:       "group",
		Client:            g.session,
		Clock:             g.clock,
		CommandMonitor:    g.monitor,
		Database:          g.database,
		Deployment:        g.deployment,
		Selector:          g.selector,
		IsRead:            true,
		Logger:            g.logger,
	}.Execute(ctx, nil)
}
