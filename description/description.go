// Package description models the server and topology metadata that
// operations and the dispatcher need to make wire-protocol decisions:
// server kind, wire version range, and the write/message size limits
// the server advertised during the (out-of-scope) handshake.
package description

import (
	"time"

	"github.com/basinlabs/mongowire/address"
)

// ServerKind enumerates the topology roles a server can occupy.
type ServerKind uint32

// These constants mirror the handshake-derived server kinds a hello/
// isMaster reply's ServerType() computes.
const (
	Unknown ServerKind = iota
	Standalone
	RSPrimary
	RSSecondary
	RSArbiter
	RSMember
	RSGhost
	Mongos
	LoadBalancer
)

func (k ServerKind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSMember:
		return "RSMember"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// TopologyKind enumerates the shape of the deployment a server was
// selected from. Command wrapping with "$query/$readPreference" applies
// when the selected server is a mongos, whatever the topology kind.
type TopologyKind uint32

const (
	TopologyUnknown TopologyKind = iota
	TopologySingle
	TopologyReplicaSet
	TopologySharded
	TopologyLoadBalanced
)

// WireRange is the [min, max] wire protocol version a server supports.
type WireRange struct {
	Min int32
	Max int32
}

// Supports reports whether v falls within the advertised range.
func (r WireRange) Supports(v int32) bool {
	return v >= r.Min && v <= r.Max
}

// Server is the subset of the hello/isMaster handshake reply that the
// operation layer consumes. Computing it is out of scope (SDAM); it is
// supplied by the Deployment/Server abstraction at connection time.
type Server struct {
	Addr                     address.Address
	Kind                     ServerKind
	WireVersion              WireRange
	MaxBSONObjectSize        uint32
	MaxMessageSizeBytes      uint32
	MaxWriteBatchSize        uint32
	SessionTimeoutMinutes    int64
	LastWriteTime            time.Time
	SetName               string
	HeartbeatInterval     time.Duration
	Compression           []string
}

// SessionsSupported reports whether the server advertises logical
// session support (wire version >= 6).
func SessionsSupported(v int32) bool {
	return v >= 6
}

// RetryableWritesSupported reports whether the server can accept a
// txnNumber on write commands outside of a multi-document transaction.
func RetryableWritesSupported(s Server) bool {
	return s.Kind != Unknown && s.WireVersion.Max >= 6 && s.SessionTimeoutMinutes != 0
}

// SelectedServer pairs a Server description with the TopologyKind it
// was selected from.
type SelectedServer struct {
	Server
	TopologyKind TopologyKind
}

// Topology is the minimal topology-level metadata operations read
// (session timeout, topology kind); full SDAM is out of scope.
type Topology struct {
	Kind                  TopologyKind
	SessionTimeoutMinutes int64
	Servers               []Server
}

// ServerSelector selects zero or more suitable servers from a
// topology description. Composing selectors (read preference +
// latency window) is a Non-goal to reimplement in full here; the
// interface is what operations and bindings depend on.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc adapts a function to a ServerSelector.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements ServerSelector.
func (f ServerSelectorFunc) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	return f(t, candidates)
}

// CompositeSelector chains selectors, narrowing candidates through
// each in turn.
func CompositeSelector(selectors []ServerSelector) ServerSelector {
	return ServerSelectorFunc(func(t Topology, candidates []Server) ([]Server, error) {
		var err error
		for _, s := range selectors {
			if s == nil {
				continue
			}
			candidates, err = s.SelectServer(t, candidates)
			if err != nil {
				return nil, err
			}
		}
		return candidates, nil
	})
}
