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

// wire version at which the server understands the modern "hello"
// spelling; older servers only accept "isMaster".
const wireVersionHelloCommand = 13

// Hello performs the hello command (or legacy isMaster below the
// gate). The handshake and SDAM monitoring built on top of this reply
// are out of scope; the operation is exposed so callers can probe a
// deployment's description fields through the same dispatch path every
// other command uses.
type Hello struct {
	base

	comment string

	result bsoncore.Document
}

// NewHello constructs a Hello operation.
func NewHello() *Hello {
	return &Hello{}
}

func (h *Hello) Comment(c string) *Hello                        { h.comment = c; return h }
func (h *Hello) Session(s *session.Client) *Hello               { h.session = s; return h }
func (h *Hello) ClusterClock(c *session.ClusterClock) *Hello    { h.clock = c; return h }
func (h *Hello) CommandMonitor(m *driver.CommandMonitor) *Hello { h.monitor = m; return h }
func (h *Hello) Database(db string) *Hello                      { h.database = db; return h }
func (h *Hello) Deployment(d driver.Deployment) *Hello          { h.deployment = d; return h }
func (h *Hello) Logger(l *logger.Logger) *Hello                 { h.logger = l; return h }

// Result returns the raw hello/isMaster reply from the most recent
// Execute.
func (h *Hello) Result() bsoncore.Document { return h.result }

func (h *Hello) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	if desc.WireVersion.Max >= wireVersionHelloCommand {
		dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	} else {
		dst = bsoncore.AppendInt32Element(dst, "isMaster", 1)
	}
	dst = appendStringIfSet(dst, "comment", h.comment)
	return dst, nil
}

func (h *Hello) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	h.result = response
	return nil
}

func (h *Hello) Execute(ctx context.Context) error {
	if h.deployment == nil {
		return errors.New("the Hello operation must have a Deployment set before Execute can be called")
	}
	database := h.database
	if database == "" {
		database = "admin"
	}
	return driver.Operation{
		CommandFn:         h.command,
		ProcessResponseFn: h.processResponse,
		CommandName:       "hello",
		Client:            h.session,
		Clock:             h.clock,
		CommandMonitor:    h.monitor,
		Database:          database,
		Deployment:        h.deployment,
		IsRead:            true,
		Logger:            h.logger,
	}.Execute(ctx, nil)
}
