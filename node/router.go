package node

import (
	"github.com/c360/nodeflow/message"
)

// Status is the fill/shape/text triple a node shows for observability.
type Status struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

// IsZero reports whether the status is cleared.
func (s Status) IsZero() bool {
	return s == Status{}
}

// Event is a runtime notification for observers such as the editor comms
// channel. Topic is one of the Topic constants.
type Event struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// Event topics
const (
	TopicStatus = "status"
	TopicDebug  = "debug"
	TopicError  = "error"
	TopicDeploy = "deploy"
)

// Router connects an instance to the rest of its flow generation.
// Implementations must be safe for concurrent use.
type Router interface {
	// Deliver enqueues msg into the instance with id target. It returns
	// false when the target does not exist or is stopping.
	Deliver(from *Node, target string, msg message.Message) bool
	// HandleError routes an error raised by n. It returns true when a
	// catch node took it.
	HandleError(n *Node, err error, msg message.Message) bool
	// HandleStatus publishes a status change of n.
	HandleStatus(n *Node, st Status)
	// Emit publishes a runtime event.
	Emit(ev Event)
}

type noopRouter struct{}

func (noopRouter) Deliver(*Node, string, message.Message) bool    { return false }
func (noopRouter) HandleError(*Node, error, message.Message) bool { return false }
func (noopRouter) HandleStatus(*Node, Status)                     {}
func (noopRouter) Emit(Event)                                     {}
