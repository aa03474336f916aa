package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamicek/noex/internal/backoff"
	"github.com/hamicek/noex/wire"
)

const (
	defaultHeartbeatIntervalMs    = 1000
	defaultHeartbeatMissThreshold = 3
)

// EnvelopeHandler processes one inbound application-level envelope
// (call_request/call_reply/cast/spawn_request/... ) from peer. Package
// remote installs this to wire transparent call/cast routing on top of
// cluster's authenticated connections.
type EnvelopeHandler func(from NodeID, env wire.Envelope)

// Config configures a Cluster (spec §4.7 "start(...)").
type Config struct {
	NodeName               string
	Host                   string
	Port                   int
	Seeds                  []string // dial addresses "host:port"
	HeartbeatIntervalMs     int
	HeartbeatMissThreshold int
	SharedSecret           []byte
	Logger                 *zap.Logger
}

// Cluster is one node's membership and transport runtime.
type Cluster struct {
	cfg    Config
	selfID NodeID
	logger *zap.Logger

	generation uint64
	version    uint64

	members *membership

	mu       sync.Mutex
	conns    map[NodeID]*peerConn
	stopped  bool
	listener net.Listener
	cancel   context.CancelFunc

	onUp     []func(NodeID)
	onDown   []func(NodeID, error)
	onChange []func()

	envelopeHandler EnvelopeHandler
}

type peerConn struct {
	id    NodeID
	conn  net.Conn
	corr  *wire.CorrelationTable
	mu    sync.Mutex // guards writes to conn
}

// Start builds and starts a Cluster: it binds its listener, dials every
// seed, and launches the heartbeat and accept loops (spec §4.7).
func Start(cfg Config) (*Cluster, error) {
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = defaultHeartbeatIntervalMs
	}
	if cfg.HeartbeatMissThreshold <= 0 {
		cfg.HeartbeatMissThreshold = defaultHeartbeatMissThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Cluster{
		cfg:        cfg,
		selfID:     MakeNodeID(cfg.NodeName, cfg.Host, cfg.Port),
		logger:     cfg.Logger,
		generation: uint64(time.Now().UnixNano()),
		members:    newMembership(),
		conns:      map[NodeID]*peerConn{},
	}

	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("cluster: listen: %w", err)
	}
	c.listener = l

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.acceptLoop(ctx)
	go c.heartbeatLoop(ctx)

	for _, seed := range cfg.Seeds {
		go c.dialWithBackoff(ctx, seed)
	}

	return c, nil
}

// SelfID returns this node's canonical identity (spec §3 "immutable
// for the lifetime of the runtime").
func (c *Cluster) SelfID() NodeID { return c.selfID }

// SetEnvelopeHandler installs the callback invoked for every inbound
// application envelope (everything beyond the handshake and
// heartbeats).
func (c *Cluster) SetEnvelopeHandler(h EnvelopeHandler) {
	c.mu.Lock()
	c.envelopeHandler = h
	c.mu.Unlock()
}

// OnNodeUp registers a handler run when a peer transitions to up.
func (c *Cluster) OnNodeUp(h func(NodeID)) { c.onUp = append(c.onUp, h) }

// OnNodeDown registers a handler run when a peer is declared down.
func (c *Cluster) OnNodeDown(h func(NodeID, error)) { c.onDown = append(c.onDown, h) }

// OnClusterStateChanged registers a handler invoked after any node's
// status changes (spec §4.7 "a steady cluster_state_changed broadcast").
func (c *Cluster) OnClusterStateChanged(h func()) { c.onChange = append(c.onChange, h) }

// Nodes lists the local view of cluster membership.
func (c *Cluster) Nodes() []Node { return c.members.list() }

// Stop idempotently tears down the cluster's listener and connections
// (spec §4.7 "Idempotent stop").
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conns := make([]*peerConn, 0, len(c.conns))
	for _, pc := range c.conns {
		conns = append(conns, pc)
	}
	c.mu.Unlock()

	c.cancel()
	c.listener.Close()
	for _, pc := range conns {
		wire.Send(pc.conn, wire.Envelope{Kind: wire.KindBye})
		pc.conn.Close()
		pc.corr.Close()
	}
	return nil
}

// Send delivers env to peer id over its live connection.
func (c *Cluster) Send(id NodeID, env Envelope) error {
	return c.sendEnvelope(id, env)
}

// Envelope re-exports wire.Envelope so callers needn't import wire just
// to call Send/Call.
type Envelope = wire.Envelope

func (c *Cluster) sendEnvelope(id NodeID, env wire.Envelope) error {
	c.mu.Lock()
	pc, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("cluster: no connection to %s", id)
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return wire.Send(pc.conn, env)
}

// Call sends env (expected to carry a CorrID) and blocks for its reply,
// or ErrRemoteCallTimeout after timeout (spec §4.8).
func (c *Cluster) Call(id NodeID, env wire.Envelope, timeout time.Duration) (wire.Envelope, error) {
	c.mu.Lock()
	pc, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return wire.Envelope{}, fmt.Errorf("cluster: no connection to %s", id)
	}

	pending := pc.corr.Register(env.CorrID, timeout)
	if err := c.sendEnvelope(id, env); err != nil {
		return wire.Envelope{}, err
	}
	return pending.Wait()
}

func (c *Cluster) acceptLoop(ctx context.Context) {
	serving := make(chan net.Conn, 1)
	accepting := make(chan struct{}, 1)
	accepting <- struct{}{}
	for {
		select {
		case <-accepting:
			go func() {
				conn, err := c.listener.Accept()
				if err != nil {
					return
				}
				serving <- conn
			}()
		case conn, ok := <-serving:
			if !ok {
				return
			}
			go c.acceptHandshake(conn)
			accepting <- struct{}{}
		case <-ctx.Done():
			return
		}
	}
}

// acceptHandshake authenticates an inbound connection as the receiving
// side of the hello/hello_ack exchange (spec §6).
func (c *Cluster) acceptHandshake(conn net.Conn) {
	env, err := wire.Recv(conn)
	if err != nil || env.Kind != wire.KindHello || env.V != wire.ProtocolVersion {
		c.logger.Warn("handshake: bad first frame", zap.Error(err))
		conn.Close()
		return
	}
	hello := env.Body.(wire.Hello)
	if !wire.VerifyMAC(c.cfg.SharedSecret, hello.Nonce, hello.NodeID, hello.MAC) {
		c.logger.Warn("handshake: mac rejected", zap.String("peer", hello.NodeID))
		conn.Close()
		return
	}

	ackNonce, err := wire.NewNonce()
	if err != nil {
		conn.Close()
		return
	}
	ack := wire.HelloAck{
		NodeID: string(c.selfID),
		Nonce:  ackNonce,
		MAC:    wire.ComputeMAC(c.cfg.SharedSecret, ackNonce, string(c.selfID)),
	}
	if err := wire.Send(conn, wire.Envelope{Kind: wire.KindHelloAck, Body: ack}); err != nil {
		conn.Close()
		return
	}

	c.adoptConn(NodeID(hello.NodeID), conn)
}

// dialWithBackoff retries connecting to addr, growing its retry delay
// with backoff.Strategy, until one attempt succeeds or ctx is
// cancelled. It returns after the first successful handshake; a
// connection that is later lost is not redialled.
func (c *Cluster) dialWithBackoff(ctx context.Context, addr string) {
	bo := backoff.New(200*time.Millisecond, 1.6, 30*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.dialOnce(addr); err != nil {
			c.logger.Warn("dial failed, backing off", zap.String("addr", addr), zap.Error(err))
			select {
			case <-time.After(bo.Advance()):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
		return
	}
}

// dialOnce performs one outbound connection attempt and handshake
// (spec §6 initiator side: hello -> verify hello_ack).
func (c *Cluster) dialOnce(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}

	nonce, err := wire.NewNonce()
	if err != nil {
		conn.Close()
		return err
	}
	hello := wire.Hello{
		NodeID: string(c.selfID),
		Nonce:  nonce,
		MAC:    wire.ComputeMAC(c.cfg.SharedSecret, nonce, string(c.selfID)),
	}
	if err := wire.Send(conn, wire.Envelope{Kind: wire.KindHello, Body: hello}); err != nil {
		conn.Close()
		return err
	}

	env, err := wire.Recv(conn)
	if err != nil || env.Kind != wire.KindHelloAck {
		conn.Close()
		return wire.ErrAuthFailed
	}
	ack := env.Body.(wire.HelloAck)
	if !wire.VerifyMAC(c.cfg.SharedSecret, ack.Nonce, ack.NodeID, ack.MAC) {
		conn.Close()
		return wire.ErrAuthFailed
	}

	c.adoptConn(NodeID(ack.NodeID), conn)
	return nil
}

// adoptConn registers conn as peer id's live transport, marks it up,
// and starts its read loop.
func (c *Cluster) adoptConn(id NodeID, conn net.Conn) {
	pc := &peerConn{id: id, conn: conn, corr: wire.NewCorrelationTable()}

	c.mu.Lock()
	if old, ok := c.conns[id]; ok {
		old.conn.Close()
	}
	c.conns[id] = pc
	c.mu.Unlock()

	c.members.upsert(id, func(n *Node) {
		n.Status = Up
		n.LastHeartbeatAt = time.Now().UnixNano()
	})
	c.fireUp(id)

	go c.readLoop(pc)
}

func (c *Cluster) readLoop(pc *peerConn) {
	for {
		env, err := wire.Recv(pc.conn)
		if err != nil {
			c.declareDown(pc.id, err)
			pc.corr.AbortAll()
			pc.corr.Close()
			return
		}
		c.handleInbound(pc, env)
	}
}

func (c *Cluster) handleInbound(pc *peerConn, env wire.Envelope) {
	switch env.Kind {
	case wire.KindHeartbeat:
		hb := env.Body.(wire.Heartbeat)
		c.members.upsert(pc.id, func(n *Node) {
			n.Generation = hb.Generation
			n.Version = hb.Version
			n.LastHeartbeatAt = time.Now().UnixNano()
		})
	case wire.KindBye:
		pc.conn.Close()
	case wire.KindCallReply, wire.KindSpawnReply:
		pc.corr.Resolve(env.CorrID, env)
	default:
		c.mu.Lock()
		h := c.envelopeHandler
		c.mu.Unlock()
		if h != nil {
			h(pc.id, env)
		}
	}
}

func (c *Cluster) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(c.cfg.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.version++
			c.broadcastHeartbeat()
			c.checkMissedHeartbeats(interval)
		}
	}
}

func (c *Cluster) broadcastHeartbeat() {
	hb := wire.Heartbeat{NodeID: string(c.selfID), Generation: c.generation, Version: c.version}
	c.mu.Lock()
	conns := make([]*peerConn, 0, len(c.conns))
	for _, pc := range c.conns {
		conns = append(conns, pc)
	}
	c.mu.Unlock()
	for _, pc := range conns {
		pc.mu.Lock()
		wire.Send(pc.conn, wire.Envelope{Kind: wire.KindHeartbeat, Body: hb})
		pc.mu.Unlock()
	}
}

// checkMissedHeartbeats marks any Up peer down once
// HeartbeatMissThreshold intervals have elapsed without a heartbeat
// (spec §4.7).
func (c *Cluster) checkMissedHeartbeats(interval time.Duration) {
	ceiling := interval * time.Duration(c.cfg.HeartbeatMissThreshold)
	now := time.Now()
	for _, n := range c.members.list() {
		if n.Status != Up {
			continue
		}
		if now.Sub(time.Unix(0, n.LastHeartbeatAt)) > ceiling {
			c.declareDown(n.ID, fmt.Errorf("cluster: missed %d heartbeats", c.cfg.HeartbeatMissThreshold))
		}
	}
}

func (c *Cluster) declareDown(id NodeID, reason error) {
	prev, ok := c.members.get(id)
	if ok && prev.Status == Down {
		return
	}
	c.members.upsert(id, func(n *Node) { n.Status = Down })

	c.mu.Lock()
	if pc, ok := c.conns[id]; ok {
		delete(c.conns, id)
		pc.conn.Close()
	}
	c.mu.Unlock()

	c.fireDown(id, reason)
}

func (c *Cluster) fireUp(id NodeID) {
	for _, h := range c.onUp {
		h(id)
	}
	c.fireChanged()
}

func (c *Cluster) fireDown(id NodeID, reason error) {
	for _, h := range c.onDown {
		h(id, reason)
	}
	c.fireChanged()
}

func (c *Cluster) fireChanged() {
	for _, h := range c.onChange {
		h()
	}
}
