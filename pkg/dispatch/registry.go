package dispatch

import (
	"sort"
	"time"

	"github.com/3leaps/framefarm/pkg/protocol"
)

// NodeInfo is the last reported state of a node.
type NodeInfo struct {
	ID        string          `json:"id"`
	Status    protocol.Status `json:"status"`
	Remote    string          `json:"remote,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Registry maps node ids to their last reported status.
//
// Node ids are worker supplied (usually a hostname) and are not guaranteed
// unique: two connections reporting the same id share one entry.
//
// Registry is not safe for concurrent use. The Coordinator guards it with the
// same lock as the dispatch cursor and completion counter.
type Registry struct {
	nodes map[string]NodeInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]NodeInfo)}
}

// Set records a status and returns the previously recorded one.
// seen is false for a node id the registry has not recorded yet.
func (r *Registry) Set(id string, status protocol.Status, remote string, now time.Time) (prev protocol.Status, seen bool) {
	old, seen := r.nodes[id]
	r.nodes[id] = NodeInfo{ID: id, Status: status, Remote: remote, UpdatedAt: now}
	return old.Status, seen
}

// Get returns the recorded state of a node.
func (r *Registry) Get(id string) (NodeInfo, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// Remove deletes a node id. It reports whether the id was present.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	return true
}

// Len returns the number of recorded nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Snapshot returns a copy of all entries sorted by id.
func (r *Registry) Snapshot() []NodeInfo {
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
