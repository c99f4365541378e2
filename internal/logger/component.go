package logger

// Component identifies the subsystem a log message originated from,
// using dotted categories ("operation", "operation.query.cursor").
type Component string

const (
	ComponentOperation      Component = "operation"
	ComponentCursor         Component = "operation.query.cursor"
	ComponentChangeStream   Component = "operation.changestream"
	ComponentBulkWrite      Component = "operation.bulkwrite"
	ComponentConnectionPool Component = "connection"
)

// ComponentMessage is a structured log message that knows which
// Component it belongs to and how to render both a one-line summary
// and a flattened key/value payload for structured sinks.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}
