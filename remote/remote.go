// Package remote implements the behavior registry and transparent
// call/cast/spawn routing of spec §4.8: callers address a ref exactly
// as they would a local one, and Router decides whether to dispatch
// through the local actor.Table or serialize onto a cluster connection.
//
// The behavior registry's name -> factory table is modeled on
// remote-procedure-call/plugin/rpc.go's Server.Register(name, rsvc),
// generalized from net/rpc's reflection-based method dispatch to this
// repo's actor.Behavior interface: remote spawn is by string name only,
// per spec §9's "behavior identity for remote spawn is by string name".
package remote

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/cluster"
	"github.com/hamicek/noex/registry"
	"github.com/hamicek/noex/wire"
)

// Sentinel errors, classified by kind per spec §7.
var (
	ErrUnknownBehavior = errors.New("remote: unknown behavior")
	ErrNodeUnreachable = errors.New("remote: target node not connected")
	ErrNotSerializable = errors.New("remote: message is not serializable")
)

// isSerializable reports whether v survives a gob encode, the same
// codec the cluster wire format uses (spec §4.8: function values,
// native handles, and references with closed-over state are rejected
// with NotSerializable before send). The encoded bytes are discarded;
// this is a trial run, not the real wire encode.
func isSerializable(v any) bool {
	if v == nil {
		return true
	}
	return gob.NewEncoder(io.Discard).Encode(v) == nil
}

// BehaviorFactory builds a fresh Behavior instance for one spawn.
type BehaviorFactory func() actor.Behavior

// Registry is the cluster-wide behavior name table (spec §4.8
// "BehaviorRegistry.register(name, behavior)" — pre-registered on
// every node before spawn_request can target it).
type Registry struct {
	mu    sync.RWMutex
	facts map[string]BehaviorFactory
}

// NewRegistry builds an empty behavior registry.
func NewRegistry() *Registry {
	return &Registry{facts: map[string]BehaviorFactory{}}
}

// Register pre-registers a behavior factory under name.
func (r *Registry) Register(name string, factory BehaviorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts[name] = factory
}

func (r *Registry) build(name string) (actor.Behavior, bool) {
	r.mu.RLock()
	factory, ok := r.facts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Router dispatches call/cast/spawn transparently between local and
// remote refs (spec §4.8 "Transparent routing").
type Router struct {
	table    *actor.Table
	cl       *cluster.Cluster
	behavior *Registry
	local    *registry.Registry

	defaultTimeout time.Duration

	// GlobalRegister, when set, lets a "global"-registration spawn_request
	// forward into globalreg without remote importing it (avoids an
	// import cycle: globalreg will itself use remote/wire to replicate).
	GlobalRegister func(name string, ref actor.Ref, priority int) error

	// Fallback receives any inbound envelope kind this router does not
	// itself handle (registry_event, registry_sync, node_gossip, ...),
	// letting globalreg share the cluster's single envelope handler
	// without remote depending on it.
	Fallback func(peer cluster.NodeID, env wire.Envelope)
}

// NewRouter wires table and cl together: cl's inbound envelopes are
// handled by this Router, and outbound Call/Cast/Spawn use cl's
// connections for non-local refs.
func NewRouter(table *actor.Table, cl *cluster.Cluster, behaviors *Registry, local *registry.Registry) *Router {
	r := &Router{
		table:          table,
		cl:             cl,
		behavior:       behaviors,
		local:          local,
		defaultTimeout: 5 * time.Second,
	}
	cl.SetEnvelopeHandler(r.handleEnvelope)
	return r
}

// Call delivers msg to ref and waits for its reply, routing through the
// cluster transport when ref is hosted on another node (spec §4.8
// "Transparent routing").
func (r *Router) Call(ref actor.Ref, msg any, timeout time.Duration) (any, error) {
	if ref.NodeID == "" || ref.NodeID == r.table.NodeID() {
		return r.table.Call(ref, msg, timeout)
	}
	if !isSerializable(msg) {
		return nil, fmt.Errorf("remote: call to %s: %w", ref, ErrNotSerializable)
	}

	corrID := wire.NewCorrID()
	env := wire.Envelope{
		Kind:   wire.KindCallRequest,
		CorrID: corrID,
		Body: wire.CallRequest{
			Ref:       ref,
			Msg:       msg,
			TimeoutMs: timeout.Milliseconds(),
		},
	}

	reply, err := r.cl.Call(cluster.NodeID(ref.NodeID), env, timeout)
	if err != nil {
		return nil, fmt.Errorf("remote: call to %s: %w", ref, err)
	}
	cr, ok := reply.Body.(wire.CallReply)
	if !ok {
		return nil, fmt.Errorf("remote: call to %s: malformed reply", ref)
	}
	if cr.Error != "" {
		return nil, fmt.Errorf("remote: call to %s: %s", ref, cr.Error)
	}
	return cr.Result, nil
}

// Cast sends msg to ref without waiting for acknowledgement, routing
// through the cluster transport when ref is remote.
func (r *Router) Cast(ref actor.Ref, msg any) error {
	if ref.NodeID == "" || ref.NodeID == r.table.NodeID() {
		r.table.Cast(ref, msg)
		return nil
	}
	if !isSerializable(msg) {
		return fmt.Errorf("remote: cast to %s: %w", ref, ErrNotSerializable)
	}
	env := wire.Envelope{Kind: wire.KindCast, Body: wire.Cast{Ref: ref, Msg: msg}}
	if err := r.cl.Send(cluster.NodeID(ref.NodeID), env); err != nil {
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, ref.NodeID)
	}
	return nil
}

// Spawn starts behaviorName on nodeID (the local node, if nodeID equals
// the local node id), optionally registering the result (spec §4.8
// "Behavior registry").
func (r *Router) Spawn(nodeID cluster.NodeID, behaviorName string, initArgs any, registration, registerAs string, initTimeout time.Duration) (actor.Ref, error) {
	if nodeID == "" || string(nodeID) == r.table.NodeID() {
		return r.spawnLocal(behaviorName, initArgs, registration, registerAs)
	}
	if !isSerializable(initArgs) {
		return actor.Ref{}, fmt.Errorf("remote: spawn on %s: %w", nodeID, ErrNotSerializable)
	}

	corrID := wire.NewCorrID()
	env := wire.Envelope{
		Kind:   wire.KindSpawnRequest,
		CorrID: corrID,
		Body: wire.SpawnRequest{
			BehaviorName:  behaviorName,
			InitArgs:      initArgs,
			Registration:  registration,
			RegisterAs:    registerAs,
			InitTimeoutMs: initTimeout.Milliseconds(),
		},
	}
	reply, err := r.cl.Call(nodeID, env, initTimeout)
	if err != nil {
		return actor.Ref{}, fmt.Errorf("remote: spawn on %s: %w", nodeID, err)
	}
	sr, ok := reply.Body.(wire.SpawnReply)
	if !ok {
		return actor.Ref{}, fmt.Errorf("remote: spawn on %s: malformed reply", nodeID)
	}
	if sr.Error != "" {
		return actor.Ref{}, fmt.Errorf("remote: spawn on %s: %s", nodeID, sr.Error)
	}
	return sr.Ref, nil
}

func (r *Router) spawnLocal(behaviorName string, initArgs any, registration, registerAs string) (actor.Ref, error) {
	behavior, ok := r.behavior.build(behaviorName)
	if !ok {
		return actor.Ref{}, fmt.Errorf("%w: %s", ErrUnknownBehavior, behaviorName)
	}
	ref := r.table.Start(behavior, initArgs)

	switch registration {
	case "local":
		if r.local != nil && registerAs != "" {
			if err := r.local.Register(registerAs, ref, nil); err != nil {
				return ref, err
			}
		}
	case "global":
		if r.GlobalRegister != nil && registerAs != "" {
			if err := r.GlobalRegister(registerAs, ref, 0); err != nil {
				return ref, err
			}
		}
	case "", "none":
	}
	return ref, nil
}

// handleEnvelope answers inbound call_request/cast/spawn_request
// envelopes from peer, replying over the same connection by CorrID
// where a reply is expected.
func (r *Router) handleEnvelope(peer cluster.NodeID, env wire.Envelope) {
	switch env.Kind {
	case wire.KindCallRequest:
		req := env.Body.(wire.CallRequest)
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = r.defaultTimeout
		}
		result, err := r.table.Call(req.Ref, req.Msg, timeout)
		reply := wire.CallReply{Result: result}
		if err != nil {
			reply.Error = err.Error()
		}
		r.cl.Send(peer, wire.Envelope{Kind: wire.KindCallReply, CorrID: env.CorrID, Body: reply})

	case wire.KindCast:
		c := env.Body.(wire.Cast)
		r.table.Cast(c.Ref, c.Msg)

	case wire.KindSpawnRequest:
		req := env.Body.(wire.SpawnRequest)
		ref, err := r.spawnLocal(req.BehaviorName, req.InitArgs, req.Registration, req.RegisterAs)
		reply := wire.SpawnReply{Ref: ref}
		if err != nil {
			reply.Error = err.Error()
		}
		r.cl.Send(peer, wire.Envelope{Kind: wire.KindSpawnReply, CorrID: env.CorrID, Body: reply})

	default:
		if r.Fallback != nil {
			r.Fallback(peer, env)
		}
	}
}
