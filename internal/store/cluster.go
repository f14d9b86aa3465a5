package store

import (
	"time"
)

// ClusterNodeInfo describes one logical process instance hosting a subset of
// the connections. A connection belongs to exactly one node at a time.
type ClusterNodeInfo struct {
	ID              string    `json:"id"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	ConnectionCount int       `json:"connection_count"`
}

// RegisterNode adds or refreshes cluster membership for a node.
func (s *Store) RegisterNode(id string) {
	if id == "" {
		return
	}
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	if node, ok := s.nodes[id]; ok {
		node.LastHeartbeat = time.Now()
		return
	}
	s.nodes[id] = &ClusterNodeInfo{ID: id, LastHeartbeat: time.Now()}
}

// Heartbeat refreshes a node's liveness timestamp, registering it if needed.
func (s *Store) Heartbeat(id string) {
	s.RegisterNode(id)
}

// RemoveNode drops a node from membership. Its connections keep their
// node id; the cluster-loss alert rule is what reacts to the absence.
func (s *Store) RemoveNode(id string) {
	s.nodesMu.Lock()
	delete(s.nodes, id)
	s.nodesMu.Unlock()
}

// Nodes returns a copy of the current cluster membership.
func (s *Store) Nodes() []ClusterNodeInfo {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	out := make([]ClusterNodeInfo, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, *node)
	}
	return out
}

// StaleNodes returns the nodes whose last heartbeat is older than the cutoff.
func (s *Store) StaleNodes(olderThan time.Duration) []ClusterNodeInfo {
	cutoff := time.Now().Add(-olderThan)
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	var out []ClusterNodeInfo
	for _, node := range s.nodes {
		if node.LastHeartbeat.Before(cutoff) {
			out = append(out, *node)
		}
	}
	return out
}

func (s *Store) nodeConnDelta(id string, delta int) {
	if id == "" {
		return
	}
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		node = &ClusterNodeInfo{ID: id, LastHeartbeat: time.Now()}
		s.nodes[id] = node
	}
	node.ConnectionCount += delta
	if node.ConnectionCount < 0 {
		node.ConnectionCount = 0
	}
}
