package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readconcern"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
)

// Find performs a find operation, producing a driver.BatchCursor over
// the matched documents.
type Find struct {
	base

	filter               bsoncore.Document
	projection           bsoncore.Document
	sort                 bsoncore.Document
	hint                 bsoncore.Document
	collation            bsoncore.Document
	skip                 int64
	limit                int64
	batchSize            int32
	singleBatch          bool
	tailable             bool
	awaitData            bool
	noCursorTimeout      bool
	allowPartialResults  bool
	maxTimeMS            int64
	comment              string
	namespace            driver.Namespace

	result driver.CursorResponse
}

// NewFind constructs a Find operation against a collection.
func NewFind(namespace driver.Namespace, filter bsoncore.Document) *Find {
	return &Find{namespace: namespace, filter: filter}
}

func (f *Find) Projection(p bsoncore.Document) *Find   { f.projection = p; return f }
func (f *Find) Sort(s bsoncore.Document) *Find         { f.sort = s; return f }
func (f *Find) Hint(h bsoncore.Document) *Find         { f.hint = h; return f }
func (f *Find) Collation(c bsoncore.Document) *Find    { f.collation = c; return f }
func (f *Find) Skip(n int64) *Find                     { f.skip = n; return f }
func (f *Find) Limit(n int64) *Find                    { f.limit = n; return f }
func (f *Find) BatchSize(n int32) *Find                { f.batchSize = n; return f }
func (f *Find) Tailable(v bool) *Find                  { f.tailable = v; return f }
func (f *Find) AwaitData(v bool) *Find                 { f.awaitData = v; return f }
func (f *Find) NoCursorTimeout(v bool) *Find           { f.noCursorTimeout = v; return f }
func (f *Find) AllowPartialResults(v bool) *Find       { f.allowPartialResults = v; return f }
func (f *Find) MaxTimeMS(ms int64) *Find               { f.maxTimeMS = ms; return f }
func (f *Find) Comment(c string) *Find                 { f.comment = c; return f }
func (f *Find) Session(s *session.Client) *Find               { f.session = s; return f }
func (f *Find) ClusterClock(c *session.ClusterClock) *Find    { f.clock = c; return f }
func (f *Find) CommandMonitor(m *driver.CommandMonitor) *Find { f.monitor = m; return f }
func (f *Find) Database(db string) *Find                      { f.database = db; return f }
func (f *Find) Deployment(d driver.Deployment) *Find           { f.deployment = d; return f }
func (f *Find) ReadPreference(rp *readpref.ReadPref) *Find     { f.readPreference = rp; return f }
func (f *Find) ReadConcern(rc *readconcern.ReadConcern) *Find  { f.readConcern = rc; return f }
func (f *Find) ServerSelector(s description.ServerSelector) *Find { f.selector = s; return f }
func (f *Find) Logger(l *logger.Logger) *Find                 { f.logger = l; return f }

// command builds the `find` command. A negative limit is sent as its
// absolute value with singleBatch set.
func (f *Find) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "find", f.namespace.Collection)
	dst = appendDocIfSet(dst, "filter", f.filter)
	dst = appendDocIfSet(dst, "projection", f.projection)
	dst = appendDocIfSet(dst, "sort", f.sort)
	dst = appendDocIfSet(dst, "hint", f.hint)
	dst = appendDocIfSet(dst, "collation", f.collation)
	if f.skip != 0 {
		dst = bsoncore.AppendInt64Element(dst, "skip", f.skip)
	}
	if f.limit != 0 {
		dst = bsoncore.AppendInt64Element(dst, "limit", absInt64(f.limit))
		if f.limit < 0 || f.singleBatch {
			dst = bsoncore.AppendBooleanElement(dst, "singleBatch", true)
		}
	}
	dst = appendInt32IfNonZero(dst, "batchSize", f.batchSize)
	if f.tailable {
		dst = bsoncore.AppendBooleanElement(dst, "tailable", true)
	}
	if f.awaitData {
		dst = bsoncore.AppendBooleanElement(dst, "awaitData", true)
	}
	if f.noCursorTimeout {
		dst = bsoncore.AppendBooleanElement(dst, "noCursorTimeout", true)
	}
	if f.allowPartialResults {
		dst = bsoncore.AppendBooleanElement(dst, "allowPartialResults", true)
	}
	dst = appendInt64IfNonZero(dst, "maxTimeMS", f.maxTimeMS)
	dst = appendStringIfSet(dst, "comment", f.comment)
	return dst, nil
}

func (f *Find) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	result, err := driver.NewCursorResponse(response)
	f.result = result
	return err
}

// Result returns a BatchCursor over the matched documents, honoring
// limit/batchSize/tailable as configured on this builder.
func (f *Find) Result(srvr driver.Server, desc description.Server) (*driver.BatchCursor, error) {
	opts := driver.CursorOptions{
		BatchSize: f.batchSize,
		Limit:     normalizeLimit(f.limit, f.singleBatch),
		MaxTimeMS: f.maxTimeMS,
		Tailable:  f.tailable,
		AwaitData: f.awaitData,
		Logger:    f.logger,
	}
	return driver.NewBatchCursor(f.result, srvr, desc, opts)
}

// normalizeLimit folds singleBatch into the signed limit encoding the
// BatchCursor expects: a negative value caps the cursor at a single
// batch.
func normalizeLimit(limit int64, singleBatch bool) int32 {
	l := int32(limit)
	if singleBatch && l > 0 {
		return -l
	}
	return l
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Execute runs the find command against a read binding.
func (f *Find) Execute(ctx context.Context) error {
	if f.deployment == nil {
		return errors.New("the Find operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         f.command,
		ProcessResponseFn: f.processResponse,
		CommandName:       "find",
		Client:            f.session,
		Clock:             f.clock,
		CommandMonitor:    f.monitor,
		Database:          f.database,
		Deployment:        f.deployment,
		ReadPreference:    f.readPreference,
		ReadConcern:       f.readConcern,
		Selector:          f.selector,
		IsRead:            true,
		Logger:            f.logger,
	}.Execute(ctx, nil)
}
