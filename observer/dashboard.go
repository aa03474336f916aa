package observer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/wire"
)

// DashboardServer speaks the dashboard wire protocol of spec §6: same
// framing as the cluster transport, on its own port, with no
// handshake. It pushes snapshot frames at the configured polling
// interval and lifecycle_event frames as processes start/stop, and
// accepts subscribe/unsubscribe/stop_process frames from clients.
type DashboardServer struct {
	obs      *Observer
	table    *actor.Table
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

// NewDashboardServer builds a server over obs/table, pushing a
// snapshot every interval. A nil table defaults to actor.DefaultTable;
// a nil logger is a no-op logger.
func NewDashboardServer(obs *Observer, table *actor.Table, interval time.Duration, logger *zap.Logger) *DashboardServer {
	if table == nil {
		table = actor.DefaultTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardServer{obs: obs, table: table, interval: interval, logger: logger}
}

// Serve binds addr and starts accepting dashboard clients.
func (d *DashboardServer) Serve(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("observer: dashboard listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.listener = l
	d.cancel = cancel
	d.mu.Unlock()

	go d.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every in-flight client connection.
func (d *DashboardServer) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.listener != nil {
		return d.listener.Close()
	}
	return nil
}

func (d *DashboardServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.serveConn(ctx, conn)
	}
}

func (d *DashboardServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	var stateMu sync.Mutex
	subscribed := true

	send := func(env wire.Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wire.Send(conn, env); err != nil {
			cancel()
		}
	}

	unsub := d.obs.Subscribe(func(evt LifecycleEvent) {
		if evt.Kind == StatsUpdate {
			return
		}
		stateMu.Lock()
		on := subscribed
		stateMu.Unlock()
		if !on {
			return
		}
		send(wire.Envelope{Kind: wire.KindLifecycleEvent, Body: wire.LifecycleEventFrame{
			Kind: evt.Kind.String(), RefID: evt.Ref.ID, SupervisorName: evt.SupervisorName,
		}})
	})
	defer unsub()

	go d.pushSnapshots(connCtx, &stateMu, &subscribed, send)

	for {
		env, err := wire.Recv(conn)
		if err != nil {
			cancel()
			return
		}
		switch env.Kind {
		case wire.KindSubscribe:
			stateMu.Lock()
			subscribed = true
			stateMu.Unlock()
		case wire.KindUnsubscribe:
			stateMu.Lock()
			subscribed = false
			stateMu.Unlock()
		case wire.KindStopProcess:
			req, ok := env.Body.(wire.StopProcessRequest)
			if !ok {
				continue
			}
			ref := actor.Ref{ID: req.ID, NodeID: d.table.NodeID()}
			reason := actor.Shutdown()
			if req.Reason != "" && req.Reason != "shutdown" {
				reason = actor.Error(fmt.Errorf("%s", req.Reason))
			}
			if err := d.table.Stop(ref, reason, 0); err != nil {
				d.logger.Warn("dashboard stop_process failed", zap.String("ref", req.ID), zap.Error(err))
			}
		}
	}
}

func (d *DashboardServer) pushSnapshots(ctx context.Context, stateMu *sync.Mutex, subscribed *bool, send func(wire.Envelope)) {
	sendOne := func() {
		stateMu.Lock()
		on := *subscribed
		stateMu.Unlock()
		if !on {
			return
		}
		send(wire.Envelope{Kind: wire.KindSnapshot, Body: toSnapshotFrame(d.obs.GetSnapshot())})
	}

	sendOne()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sendOne()
		case <-ctx.Done():
			return
		}
	}
}

func toSnapshotFrame(snap Snapshot) wire.SnapshotFrame {
	frame := wire.SnapshotFrame{
		TimestampUnixNano: snap.Timestamp.UnixNano(),
		ProcessCount:      snap.ProcessCount,
		TotalMessages:     snap.TotalMessages,
		TotalRestarts:     snap.TotalRestarts,
		AllocBytes:        snap.MemoryStats.AllocBytes,
		SysBytes:          snap.MemoryStats.SysBytes,
		NumGoroutine:      snap.MemoryStats.NumGoroutine,
	}
	for _, p := range snap.Servers {
		frame.Servers = append(frame.Servers, toProcessStatsFrame(p))
	}
	for _, s := range snap.Supervisors {
		frame.Supervisors = append(frame.Supervisors, wire.SupervisorStatsFrame{
			Name: s.Name, Strategy: s.Strategy, TotalRestarts: s.TotalRestarts,
		})
	}
	for _, n := range snap.Tree {
		frame.Tree = append(frame.Tree, toTreeNodeFrame(n))
	}
	return frame
}

func toProcessStatsFrame(p actor.ProcessInfo) wire.ProcessStatsFrame {
	return wire.ProcessStatsFrame{
		RefID: p.Ref.ID, NodeID: p.Ref.NodeID, Status: p.Status.String(),
		QueueSize: p.QueueSize, MessageCount: p.MessageCount, UptimeMs: p.UptimeMs,
	}
}

func toTreeNodeFrame(n TreeNode) wire.TreeNodeFrame {
	frame := wire.TreeNodeFrame{
		Kind: n.Kind, ID: n.ID, Strategy: n.Strategy, TotalRestarts: n.TotalRestarts,
	}
	if n.Process != nil {
		f := toProcessStatsFrame(*n.Process)
		frame.Process = &f
	}
	for _, c := range n.Children {
		frame.Children = append(frame.Children, toTreeNodeFrame(c))
	}
	return frame
}
