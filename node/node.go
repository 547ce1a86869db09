package node

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"bken/a2dp-source/a2dperr"
	"bken/a2dp-source/codec"
	"bken/a2dp-source/config"
	"bken/a2dp-source/loop"
	"bken/a2dp-source/transport"
)

// Node is the root of all source-node state (§3). It owns exactly one
// output Port and the RealtimeEngine that drives it.
type Node struct {
	mu sync.Mutex

	id                   string
	cfg                  config.Config
	codec                codec.Codec
	loop                 loop.Loop
	transport            transport.Transport
	transportAcquired    bool
	unsubscribeTransport func()

	port *Port

	engine *Engine

	listeners []Listener

	clockName   string
	paramsDirty bool
	readyCB     func(Status)
}

// New constructs a Node bound to the given loop, transport, codec and
// configuration. The node does not acquire the transport or start the
// engine until send_command(Start) — matching §4.4's contract that
// construction alone leaves the node idle.
func New(l loop.Loop, tp transport.Transport, c codec.Codec, cfg config.Config) *Node {
	n := &Node{
		id:        uuid.NewString(),
		cfg:       cfg,
		codec:     c,
		loop:      l,
		transport: tp,
		clockName: "clock.system.monotonic",
	}
	n.port = newPort(n)
	n.engine = newEngine(n)

	if tp != nil {
		n.unsubscribeTransport = tp.AddListener(&transportObserver{node: n})
	}
	return n
}

// ID returns the node's stable UUID identity, used as node_id in log
// fields. It is not the clock name: clock_name defaults to
// "clock.system.monotonic".
func (n *Node) ID() string { return n.id }

// Port returns the node's single output port.
func (n *Node) Port() *Port { return n.port }

// AddListener registers l and immediately emits a full info snapshot for
// the node and its port, per §4.4.
func (n *Node) AddListener(l Listener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()

	l.OnNodeInfo(n.nodeInfo())
	l.OnPortInfo(n.port.info())
}

// SetReadyCallback installs the host's data-availability callback,
// invoked from the data thread at every graph tick (§4.5.2 step 7).
// Must be set before Start; not safe to swap while running.
func (n *Node) SetReadyCallback(fn func(Status)) {
	n.mu.Lock()
	n.readyCB = fn
	n.mu.Unlock()
}

func (n *Node) readyCallback() func(Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readyCB
}

func (n *Node) emitNodeInfo() {
	info := n.nodeInfo()
	n.mu.Lock()
	ls := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()

	for _, l := range ls {
		l.OnNodeInfo(info)
	}
}

func (n *Node) emitPortInfo() {
	info := n.port.info()
	n.mu.Lock()
	ls := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()

	for _, l := range ls {
		l.OnPortInfo(info)
	}
}

// nodeInfo builds the property dictionary described in §6.
func (n *Node) nodeInfo() NodeInfo {
	format, haveFormat := n.port.Format()

	n.mu.Lock()
	defer n.mu.Unlock()

	latency := ""
	if haveFormat && n.cfg.Role != config.RoleSource {
		latency = fmt.Sprintf("%d/%d", n.cfg.QuantumLimit, format.Rate)
	}

	mediaName := ""
	if n.transport != nil {
		mediaName = n.transport.Device().Name
	}

	paramsDirty := n.paramsDirty
	n.paramsDirty = false

	return NodeInfo{
		Props: map[string]string{
			"device.api":   "bluez5",
			"media.class":  n.cfg.MediaClass(),
			"node.latency": latency,
			"media.name":   mediaName,
			"node.driver":  "false",
			"clock.name":   n.clockName,
		},
		RealTime:    true,
		ParamsDirty: paramsDirty,
	}
}

// AddPort and RemovePort always fail: the node has exactly one fixed
// output port (§3's invariant, §7's Unsupported kind).
func (n *Node) AddPort(Direction) error {
	return a2dperr.New(a2dperr.Unsupported, "node.AddPort")
}

func (n *Node) RemovePort(int) error {
	return a2dperr.New(a2dperr.Unsupported, "node.RemovePort")
}

// SetParam updates node-level properties (currently only clock_name) and
// forwards to the codec's SetProps (§4.4). Changing either bumps the
// params serial bit and re-emits info.
func (n *Node) SetParam(clockName string, props *codec.Props) error {
	n.mu.Lock()
	changed := false
	if clockName != "" && clockName != n.clockName {
		n.clockName = clockName
		changed = true
	}
	n.mu.Unlock()

	if n.codec != nil {
		sess := n.engine.codecSession()
		if sess != nil {
			if err := n.codec.SetProps(sess, props); err != nil {
				return a2dperr.Wrap(a2dperr.InvalidArg, "node.SetParam", err)
			}
			n.engine.markPropsDirty()
			changed = true
		}
	}

	if changed {
		n.mu.Lock()
		n.paramsDirty = true
		n.mu.Unlock()
		slog.Debug("node params changed", "component", "node", "node_id", n.id)
		n.emitNodeInfo()
	}
	return nil
}

// Process is the host graph's pull entrypoint, forwarded to the engine
// (§4.5.3). Must be called from the data thread — normally from inside
// the ready callback.
func (n *Node) Process() Status {
	return n.engine.Process()
}

// Clear tears down the node: stops the engine, releases the transport
// if still acquired, and unsubscribes from transport lifecycle events.
// Matches §3's "Destroyed on clear".
func (n *Node) Clear() error {
	if err := n.engine.Stop(); err != nil {
		slog.Warn("node clear: engine stop failed", "component", "node", "node_id", n.id, "err", err)
	}

	n.mu.Lock()
	tp := n.transport
	acquired := n.transportAcquired
	n.transport = nil
	n.transportAcquired = false
	unsub := n.unsubscribeTransport
	n.unsubscribeTransport = nil
	n.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if acquired && tp != nil {
		return tp.Release()
	}
	return nil
}

// transportObserver implements transport.Listener (§4.6): on
// Transport.Destroy, it marshals clearing the node's transport pointer
// onto the data loop so no reactor callback races a partially-torn-down
// transport reference.
type transportObserver struct {
	node *Node
}

func (o *transportObserver) Destroyed() {
	o.node.loop.Invoke(func() {
		o.node.mu.Lock()
		o.node.transport = nil
		o.node.transportAcquired = false
		o.node.mu.Unlock()
		slog.Info("transport destroyed", "component", "node", "node_id", o.node.ID())
	})
}
