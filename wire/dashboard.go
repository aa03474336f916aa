package wire

import "encoding/gob"

// Dashboard protocol kinds (spec §6 "Dashboard server protocol"): same
// framing and Envelope shape as the cluster wire protocol, on a
// separate listening port, with no handshake by default.
const (
	KindSnapshot       = "snapshot"
	KindLifecycleEvent = "lifecycle_event"
	KindSubscribe      = "subscribe"
	KindUnsubscribe    = "unsubscribe"
	KindStopProcess    = "stop_process"
)

// ProcessStatsFrame is the wire shape of one actor.ProcessInfo.
type ProcessStatsFrame struct {
	RefID        string
	NodeID       string
	Status       string
	QueueSize    int
	MessageCount uint64
	UptimeMs     int64
}

// SupervisorStatsFrame is the wire shape of one supervisor's summary.
type SupervisorStatsFrame struct {
	Name          string
	Strategy      string
	TotalRestarts int
}

// TreeNodeFrame is the wire shape of one observer.TreeNode.
type TreeNodeFrame struct {
	Kind          string // "process" | "supervisor"
	ID            string
	Strategy      string // supervisor only
	TotalRestarts int    // supervisor only
	Process       *ProcessStatsFrame
	Children      []TreeNodeFrame
}

// SnapshotFrame is the wire shape of one observer.Snapshot push (spec
// §6 "Server pushes snapshot frames at the configured polling
// interval").
type SnapshotFrame struct {
	TimestampUnixNano int64
	Servers           []ProcessStatsFrame
	Supervisors       []SupervisorStatsFrame
	Tree              []TreeNodeFrame
	ProcessCount      int
	TotalMessages     uint64
	TotalRestarts     int
	AllocBytes        uint64
	SysBytes          uint64
	NumGoroutine      int
}

// LifecycleEventFrame is the wire shape of one observer.LifecycleEvent
// push.
type LifecycleEventFrame struct {
	Kind           string
	RefID          string
	SupervisorName string
}

// StopProcessRequest is the admin frame a dashboard client may send to
// ask the server to stop a process by id (spec §6
// "stop_process{id, reason}").
type StopProcessRequest struct {
	ID     string
	Reason string
}

func init() {
	gob.Register(SnapshotFrame{})
	gob.Register(LifecycleEventFrame{})
	gob.Register(StopProcessRequest{})
}
