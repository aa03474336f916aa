package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/hamicek/noex/actor"
)

// ProtocolVersion is the wire protocol's major version (spec §6: nodes
// reject peers presenting a different major version at handshake).
const ProtocolVersion = 1

// Kind enumerates the envelope's tagged payload variants (spec §4.8/§6).
const (
	KindHello         = "hello"
	KindHelloAck      = "hello_ack"
	KindHeartbeat     = "heartbeat"
	KindCallRequest   = "call_request"
	KindCallReply     = "call_reply"
	KindCast          = "cast"
	KindSpawnRequest  = "spawn_request"
	KindSpawnReply    = "spawn_reply"
	KindRegistryEvent = "registry_event"
	KindRegistrySync  = "registry_sync"
	KindNodeGossip    = "node_gossip"
	KindBye           = "bye"
)

// Envelope is the tagged object every frame carries: {v, kind, corrId?, body}.
type Envelope struct {
	V      int
	Kind   string
	CorrID string
	Body   any
}

// Hello is the handshake initiator's first message.
type Hello struct {
	NodeID string
	Nonce  []byte
	MAC    []byte
}

// HelloAck is the handshake receiver's reply.
type HelloAck struct {
	NodeID string
	Nonce  []byte
	MAC    []byte
}

// Heartbeat carries the sender's current generation/version (spec §4.7).
type Heartbeat struct {
	NodeID     string
	Generation uint64
	Version    uint64
}

// CallRequest asks the receiver to deliver Msg to Ref and await a reply.
type CallRequest struct {
	Ref       actor.Ref
	Msg       any
	TimeoutMs int64
}

// CallReply answers a CallRequest by CorrID (carried on the envelope).
type CallReply struct {
	Result any
	Error  string
}

// Cast asks the receiver to deliver Msg to Ref without a reply.
type Cast struct {
	Ref actor.Ref
	Msg any
}

// SpawnRequest asks the receiver to start a registered behavior.
type SpawnRequest struct {
	BehaviorName  string
	InitArgs      any
	Registration  string // "local" | "global" | "none"
	RegisterAs    string
	InitTimeoutMs int64
}

// SpawnReply answers a SpawnRequest by CorrID.
type SpawnReply struct {
	Ref   actor.Ref
	Error string
}

// GlobalRegistryEntry is the wire shape of one globalreg record; the
// globalreg package translates to/from its own Entry type so that
// package does not have to import wire's transport concerns and vice
// versa.
type GlobalRegistryEntry struct {
	Name      string
	Ref       actor.Ref
	NodeID    string
	Timestamp int64 // unix nanos
	Priority  int
}

// RegistryEvent propagates one global registry write.
type RegistryEvent struct {
	Op    string // "register" | "unregister"
	Entry GlobalRegistryEntry
}

// RegistrySync carries a full table exchange on peer join.
type RegistrySync struct {
	Entries []GlobalRegistryEntry
}

// NodeGossip propagates the sender's known peer set (spec §4.7 "a
// single seed suffices to discover the rest").
type NodeGossip struct {
	Peers []string
}

// Bye is a clean-shutdown notice.
type Bye struct{}

func init() {
	gob.Register(Hello{})
	gob.Register(HelloAck{})
	gob.Register(Heartbeat{})
	gob.Register(CallRequest{})
	gob.Register(CallReply{})
	gob.Register(Cast{})
	gob.Register(SpawnRequest{})
	gob.Register(SpawnReply{})
	gob.Register(RegistryEvent{})
	gob.Register(RegistrySync{})
	gob.Register(NodeGossip{})
	gob.Register(Bye{})
}

// EncodeEnvelope gob-encodes e into a frame payload.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("wire: encoding envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("wire: decoding envelope: %w", err)
	}
	return e, nil
}

// Send writes e as one framed message to w.
func Send(w io.Writer, e Envelope) error {
	if e.V == 0 {
		e.V = ProtocolVersion
	}
	payload, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// Recv reads and decodes the next framed message from r.
func Recv(r io.Reader) (Envelope, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(payload)
}
