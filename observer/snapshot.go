// Package observer implements the read-only runtime introspection
// surface of spec §4.10: snapshot assembly over the process table and
// supervisor registry, a pollable stats stream, and a lifecycle
// subscription feeding server_started/server_stopped/
// supervisor_started/supervisor_stopped/stats_update events.
package observer

import (
	"runtime"
	"time"

	"github.com/hamicek/noex/actor"
	"github.com/hamicek/noex/supervisor"
)

// MemoryStats is a best-effort process-wide memory snapshot (spec
// §4.10 "memoryStats").
type MemoryStats struct {
	AllocBytes   uint64
	SysBytes     uint64
	NumGoroutine int
}

// SupervisorInfo summarizes one supervisor for Snapshot.Supervisors.
type SupervisorInfo struct {
	Name          string
	Strategy      string
	TotalRestarts int
	Children      []supervisor.ChildInfo
}

// TreeNode is one node of the supervision tree (spec §4.10 "tree
// reflects the supervision hierarchy by walking supervisor -> children
// recursively").
type TreeNode struct {
	Kind          string // "process" | "supervisor"
	ID            string
	Strategy      string // supervisor only
	TotalRestarts int    // supervisor only
	Process       *actor.ProcessInfo
	Children      []TreeNode
}

// Snapshot is the full introspection surface returned by GetSnapshot.
type Snapshot struct {
	Timestamp     time.Time
	Servers       []actor.ProcessInfo
	Supervisors   []SupervisorInfo
	Tree          []TreeNode
	ProcessCount  int
	TotalMessages uint64
	TotalRestarts int
	MemoryStats   MemoryStats
}

// GetSnapshot assembles a point-in-time view of table and every
// currently registered supervisor (spec §4.10).
func (o *Observer) GetSnapshot() Snapshot {
	table := o.table
	procs := table.List()
	sups := supervisor.All()

	supervised := make(map[string]bool, len(procs))
	for _, s := range sups {
		for _, c := range s.WhichChildren() {
			if c.Kind != supervisor.SupervisorKind {
				supervised[c.Ref.ID] = true
			}
		}
	}

	byName := make(map[string]*supervisor.Supervisor, len(sups))
	for _, s := range sups {
		byName[s.Name()] = s
	}

	snap := Snapshot{
		Timestamp:    time.Now(),
		ProcessCount: len(procs),
	}

	for _, p := range procs {
		snap.TotalMessages += p.MessageCount
		if !supervised[p.Ref.ID] {
			snap.Servers = append(snap.Servers, p)
		}
	}

	for _, s := range sups {
		snap.TotalRestarts += s.TotalRestarts()
		snap.Supervisors = append(snap.Supervisors, SupervisorInfo{
			Name:          s.Name(),
			Strategy:      s.StrategyOf().String(),
			TotalRestarts: s.TotalRestarts(),
			Children:      s.WhichChildren(),
		})
	}

	for _, s := range sups {
		parent, hasParent := s.ParentName(), false
		if parent != "" {
			_, hasParent = byName[parent]
		}
		if !hasParent {
			snap.Tree = append(snap.Tree, buildTree(s, table, byName))
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.MemoryStats = MemoryStats{
		AllocBytes:   mem.Alloc,
		SysBytes:     mem.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	return snap
}

func buildTree(s *supervisor.Supervisor, table *actor.Table, byName map[string]*supervisor.Supervisor) TreeNode {
	node := TreeNode{
		Kind:          "supervisor",
		ID:            s.Name(),
		Strategy:      s.StrategyOf().String(),
		TotalRestarts: s.TotalRestarts(),
	}
	for _, c := range s.WhichChildren() {
		if c.Kind == supervisor.SupervisorKind {
			if nested, ok := byName[c.ID]; ok {
				node.Children = append(node.Children, buildTree(nested, table, byName))
				continue
			}
		}
		child := TreeNode{Kind: "process", ID: c.ID}
		if info, ok := table.Inspect(c.Ref); ok {
			child.Process = &info
		}
		node.Children = append(node.Children, child)
	}
	return node
}
