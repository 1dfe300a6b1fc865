package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
)

// Payload types of the inject node
const (
	PayloadString = "str"
	PayloadNumber = "num"
	PayloadBool   = "bool"
	PayloadJSON   = "json"
	PayloadDate   = "date"
)

const defaultOnceDelay = 100 * time.Millisecond

// inject produces {payload, topic} when triggered, once after start or on
// a fixed interval.
type inject struct {
	payloadType string
	payload     any
	topic       string
	once        bool
	onceDelay   time.Duration
	repeat      time.Duration

	mu    sync.Mutex
	timer *time.Timer
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newInject(cfg node.Config) (node.Behavior, error) {
	in := &inject{
		payloadType: cfg.String("payloadType", PayloadDate),
		topic:       cfg.String("topic", ""),
		once:        cfg.Bool("once", false),
		onceDelay:   cfg.Seconds("onceDelay", defaultOnceDelay),
		repeat:      cfg.Seconds("repeat", 0),
	}

	raw := cfg.String("payload", "")
	switch in.payloadType {
	case PayloadString:
		in.payload = raw
	case PayloadNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.WrapInvalid(err, "inject", "newInject", "parse number payload")
		}
		in.payload = f
	case PayloadBool:
		in.payload = raw == "true"
	case PayloadJSON:
		if raw != "" {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, errors.WrapInvalid(err, "inject", "newInject", "parse json payload")
			}
			in.payload = v
		}
	case PayloadDate, "":
		in.payloadType = PayloadDate
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported payload type %q", in.payloadType),
			"inject", "newInject", "validate payload type")
	}
	return in, nil
}

// Init arms the once and repeat timers.
func (in *inject) Init(_ context.Context, n *node.Node) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stop = make(chan struct{})

	if in.once {
		in.timer = time.AfterFunc(in.onceDelay, func() { in.fire(n) })
	}
	if in.repeat > 0 {
		in.wg.Add(1)
		go in.loop(n, in.stop)
	}
	return nil
}

func (in *inject) loop(n *node.Node, stop <-chan struct{}) {
	defer in.wg.Done()
	ticker := time.NewTicker(in.repeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			in.fire(n)
		case <-stop:
			return
		case <-n.Context().Done():
			return
		}
	}
}

func (in *inject) fire(n *node.Node) {
	if n.Context().Err() != nil {
		return
	}
	n.Send(in.build(message.New()))
}

// Receive treats any inbound message as a trigger.
func (in *inject) Receive(_ context.Context, n *node.Node, msg message.Message) error {
	n.Send(in.build(msg))
	return nil
}

func (in *inject) build(msg message.Message) message.Message {
	if in.payloadType == PayloadDate {
		msg[message.KeyPayload] = time.Now().UnixMilli()
	} else {
		msg[message.KeyPayload] = in.payload
	}
	if in.topic != "" {
		msg[message.KeyTopic] = in.topic
	}
	return msg
}

// Close stops the timers and waits for the repeat loop to exit.
func (in *inject) Close(_ context.Context, _ *node.Node) error {
	in.mu.Lock()
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	if in.stop != nil {
		close(in.stop)
		in.stop = nil
	}
	in.mu.Unlock()
	in.wg.Wait()
	return nil
}
