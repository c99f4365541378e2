package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
)

// ListDatabases performs the listDatabases command.
type ListDatabases struct {
	base

	filter     bsoncore.Document
	nameOnly   bool
	authorizedDatabases *bool

	result bsoncore.Array
}

// NewListDatabases constructs a ListDatabases operation.
func NewListDatabases(filter bsoncore.Document) *ListDatabases {
	return &ListDatabases{filter: filter}
}

func (ld *ListDatabases) NameOnly(v bool) *ListDatabases              { ld.nameOnly = v; return ld }
func (ld *ListDatabases) AuthorizedDatabases(v bool) *ListDatabases   { ld.authorizedDatabases = &v; return ld }
func (ld *ListDatabases) Session(s *session.Client) *ListDatabases    { ld.session = s; return ld }
func (ld *ListDatabases) ClusterClock(c *session.ClusterClock) *ListDatabases { ld.clock = c; return ld }
func (ld *ListDatabases) CommandMonitor(m *driver.CommandMonitor) *ListDatabases { ld.monitor = m; return ld }
func (ld *ListDatabases) Deployment(d driver.Deployment) *ListDatabases { ld.deployment = d; return ld }
func (ld *ListDatabases) ReadPreference(rp *readpref.ReadPref) *ListDatabases { ld.readPreference = rp; return ld }
func (ld *ListDatabases) Logger(l *logger.Logger) *ListDatabases      { ld.logger = l; return ld }

// Result returns the `databases` array from the most recent Execute.
func (ld *ListDatabases) Result() bsoncore.Array { return ld.result }

func (ld *ListDatabases) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "listDatabases", 1)
	dst = appendDocIfSet(dst, "filter", ld.filter)
	if ld.nameOnly {
		dst = bsoncore.AppendBooleanElement(dst, "nameOnly", true)
	}
	dst = appendBoolIfSet(dst, "authorizedDatabases", ld.authorizedDatabases)
	return dst, nil
}

func (ld *ListDatabases) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	v, err := response.LookupErr("databases")
	if err != nil {
		return err
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return errors.New("listDatabases: databases field is not an array")
	}
	ld.result = arr
	return nil
}

func (ld *ListDatabases) Execute(ctx context.Context) error {
	if ld.deployment == nil {
		return errors.New("the ListDatabases operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         ld.command,
		ProcessResponseFn: ld.processResponse,
		CommandName:       "listDatabases",
		Client:            ld.session,
		Clock:             ld.clock,
		CommandMonitor:    ld.monitor,
		Database:          "admin",
		Deployment:        ld.deployment,
		ReadPreference:    ld.readPreference,
		Selector:          ld.selector,
		IsRead:            true,
		Logger:            ld.logger,
	}.Execute(ctx, nil)
}
