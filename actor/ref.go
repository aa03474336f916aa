package actor

import "fmt"

// Ref is an opaque handle to a process. It may outlive the process it
// names: a cast to a stale ref is dropped, and Table.Call on a stale
// local ref fails with ErrNoSuchProcess. Through remote.Router, a call
// to a stale remote ref fails with an error that carries only the
// remote node's message text, not ErrNoSuchProcess itself, and a cast
// is dropped on the remote node.
type Ref struct {
	ID     string
	NodeID string
}

// String renders the ref as "id@node", useful for logging.
func (r Ref) String() string {
	return fmt.Sprintf("%s@%s", r.ID, r.NodeID)
}

// IsZero reports whether r is the unset ref.
func (r Ref) IsZero() bool {
	return r.ID == "" && r.NodeID == ""
}
