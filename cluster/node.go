// Package cluster implements node identity and membership (spec §4.7):
// seed discovery, the authenticated handshake, heartbeat keepalive with
// miss-threshold down detection, and backoff-governed dialing of seeds.
// A lost connection is not redialled, and no node_gossip frames are
// sent: peers are learned only from the seeds and inbound connections.
//
// The accept/serve split-select loop and the heartbeat goroutine are
// adapted wholesale from the teacher's
// gossip/pkg/gossiper.go, swapping its net/rpc transport for this
// repo's wire package and its StateMachine for Node records carrying
// the connecting/up/down status spec §3 names.
package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is a peer node's membership state (spec §3).
type Status int

const (
	Connecting Status = iota
	Up
	Down
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// NodeID is the canonical "name@host:port" identity (spec §3, §6).
type NodeID string

// MakeNodeID builds the canonical identifier for a node.
func MakeNodeID(name, host string, port int) NodeID {
	return NodeID(fmt.Sprintf("%s@%s:%d", name, host, port))
}

// Parse splits a NodeID back into its name/host/port parts.
func (n NodeID) Parse() (name, host string, port int, err error) {
	at := strings.Index(string(n), "@")
	if at < 0 {
		return "", "", 0, fmt.Errorf("cluster: malformed node id %q: missing '@'", n)
	}
	name = string(n)[:at]
	rest := string(n)[at+1:]
	colon := strings.LastIndex(rest, ":")
	if colon < 0 {
		return "", "", 0, fmt.Errorf("cluster: malformed node id %q: missing port", n)
	}
	host = rest[:colon]
	port, err = strconv.Atoi(rest[colon+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("cluster: malformed node id %q: bad port: %w", n, err)
	}
	return name, host, port, nil
}

func (n NodeID) DialAddr() (string, error) {
	_, host, port, err := n.Parse()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

// Node is the local view of one peer's membership record (spec §3).
type Node struct {
	ID               NodeID
	Status           Status
	Generation       uint64
	Version          uint64
	Tainted          uint64
	LastHeartbeatAt  int64 // unix nanos; 0 if never received
}
