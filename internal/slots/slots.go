// Package slots turns the node list into the concrete connections workers
// run on.
package slots

import (
	"fmt"

	"github.com/reloquent/tableshift/internal/config"
)

// Role of a node in the cluster.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// Node is one endpoint the orchestrator can open sessions against.
type Node struct {
	ID          string
	Role        Role
	DSN         string
	Connections int
}

// ConnectionSlot is one session a worker runs on.
type ConnectionSlot struct {
	NodeID  string
	Role    Role
	Ordinal int
	DSN     string
}

// Descriptor identifies the slot for restart tracking and logs.
func (s ConnectionSlot) Descriptor() string {
	return fmt.Sprintf("%s#%d", s.NodeID, s.Ordinal)
}

// NodeSlots are the slots opened against one node.
type NodeSlots struct {
	Node  Node
	Slots []ConnectionSlot
}

// Nodes builds the node list from configuration. When none are configured,
// count nodes are synthesized against dsn; the first acts as coordinator.
func Nodes(cfg []config.NodeConfig, count int, dsn string) []Node {
	if len(cfg) > 0 {
		out := make([]Node, len(cfg))
		for i, n := range cfg {
			d := n.DSN
			if d == "" {
				d = dsn
			}
			out[i] = Node{ID: n.ID, Role: Role(n.Role), DSN: d, Connections: n.Connections}
		}
		if count > 0 && count < len(out) {
			out = out[:count]
		}
		return out
	}

	if count < 1 {
		count = 1
	}
	out := make([]Node, count)
	for i := range out {
		role := RoleWorker
		if i == 0 {
			role = RoleCoordinator
		}
		out[i] = Node{ID: fmt.Sprintf("node%d", i+1), Role: role, DSN: dsn}
	}
	return out
}

// Allocate opens Connections slots per node, falling back to defaultConns.
// Nodes left with no slots are omitted.
func Allocate(nodes []Node, defaultConns int) ([]NodeSlots, error) {
	var out []NodeSlots
	for _, n := range nodes {
		conns := n.Connections
		if conns == 0 {
			conns = defaultConns
		}
		if conns < 0 {
			return nil, fmt.Errorf("node %s: negative connection count %d", n.ID, conns)
		}
		if conns == 0 {
			continue
		}
		ns := NodeSlots{Node: n, Slots: make([]ConnectionSlot, conns)}
		for i := range ns.Slots {
			ns.Slots[i] = ConnectionSlot{NodeID: n.ID, Role: n.Role, Ordinal: i, DSN: n.DSN}
		}
		out = append(out, ns)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no connection slots available across %d nodes", len(nodes))
	}
	return out, nil
}

// ForLoad sets per-node connection counts for the load phase, where the
// coordinator and the workers have separate settings. A coordinator count of
// zero keeps the coordinator out of the pool.
func ForLoad(nodes []Node, coordinatorConns, workerConns int) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		if n.Role == RoleCoordinator {
			n.Connections = coordinatorConns
			if coordinatorConns == 0 {
				n.Connections = -1
			}
		} else {
			n.Connections = workerConns
		}
		out[i] = n
	}
	return dropDisabled(out)
}

func dropDisabled(nodes []Node) []Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.Connections >= 0 {
			out = append(out, n)
		}
	}
	return out
}

// Total returns the number of slots.
func Total(all []NodeSlots) int {
	n := 0
	for _, ns := range all {
		n += len(ns.Slots)
	}
	return n
}
