package cluster

import (
	"sync"
	"time"

	"github.com/relayforge/postguard/internal/lalog"
)

// Transport is the narrow interface the membership/election/store
// subsystems need from the gRPC layer in package transport: send one
// request envelope to a peer and get its response. Kept abstract here so
// cluster has no import-cycle on transport, matching the teacher's pattern
// of depending on narrow interfaces rather than concrete RPC stubs.
type Transport interface {
	Send(peerEndpoint string, req Envelope) (Envelope, error)
}

// EnvelopeType tags the payload carried in a cluster RPC envelope (spec §6
// cluster wire protocol).
type EnvelopeType int

const (
	MsgJoin EnvelopeType = iota
	MsgJoinAck
	MsgLeave
	MsgHeartbeat
	MsgRequestVote
	MsgVote
	MsgAppendEntries
	MsgGet
	MsgSet
	MsgSetMultiple
	MsgCAS
	MsgLock
	MsgUnlock
	MsgAck
)

// Envelope is the one wire message type every cluster RPC carries, tagged
// by Type with the sender id and term always present, and Payload holding
// message-specific fields. Kept as a single gob-friendly concrete struct
// (no interface payload) so the custom codec in package transport never
// needs type registration.
type Envelope struct {
	Type     EnvelopeType
	SenderID string
	Term     uint64

	// Join / membership gossip
	Node     Node
	Members  []Node

	// Leader election
	VoteGranted bool
	CandidateID string
	LastLogTerm uint64

	// Replicated store
	Key        string
	Value      []byte
	Values     map[string][]byte // batch payload for MsgSetMultiple
	TTL        time.Duration
	Version    uint64
	LockID     string
	OK         bool
	Error      string
}

// Membership tracks the set of known nodes, drives heartbeat emission, and
// promotes peers through Suspect/Failed per spec §4.8.
type Membership struct {
	SelfID   string
	Endpoint string
	Logger   lalog.Logger

	HeartbeatInterval time.Duration
	SuspectAfter      int
	FailedAfter       int

	transport Transport

	mu    sync.RWMutex
	nodes map[string]*Node

	stopCh chan struct{}
}

// NewMembership returns a Membership containing only the local node,
// Active from the start (spec leaves bootstrap semantics to the deployer).
func NewMembership(selfID, endpoint string, transport Transport, logger lalog.Logger) *Membership {
	m := &Membership{
		SelfID:            selfID,
		Endpoint:          endpoint,
		Logger:            logger,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SuspectAfter:      DefaultSuspectAfter,
		FailedAfter:       DefaultFailedAfter,
		transport:         transport,
		nodes:             make(map[string]*Node),
		stopCh:            make(chan struct{}),
	}
	m.nodes[selfID] = &Node{ID: selfID, Endpoint: endpoint, State: NodeActive, LastHeartbeat: time.Now(), Incarnation: 1}
	return m
}

// Join contacts a seed node, requests the current member list, and
// advertises itself, per spec §4.8.
func (m *Membership) Join(seedEndpoint string) error {
	resp, err := m.transport.Send(seedEndpoint, Envelope{
		Type: MsgJoin, SenderID: m.SelfID,
		Node: Node{ID: m.SelfID, Endpoint: m.Endpoint, State: NodeJoining, Incarnation: 1},
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range resp.Members {
		n := n
		m.nodes[n.ID] = &n
	}
	self := m.nodes[m.SelfID]
	self.State = NodeActive
	return nil
}

// HandleJoin is invoked server-side (via Transport's receiving end) when a
// peer requests to join; it records the peer and returns the full list.
func (m *Membership) HandleJoin(req Envelope) Envelope {
	m.mu.Lock()
	node := req.Node
	node.State = NodeActive
	m.nodes[node.ID] = &node
	members := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		members = append(members, *n)
	}
	m.mu.Unlock()
	return Envelope{Type: MsgJoinAck, SenderID: m.SelfID, Members: members}
}

// HandleHeartbeat records a fresh heartbeat from a peer, possibly reviving
// it from Suspect/Failed with an incremented incarnation.
func (m *Membership) HandleHeartbeat(req Envelope) Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[req.SenderID]
	if !ok {
		n = &Node{ID: req.SenderID, Incarnation: req.Node.Incarnation}
		m.nodes[req.SenderID] = n
	}
	if n.State == NodeSuspect || n.State == NodeFailed {
		n.Incarnation++
	}
	n.State = NodeActive
	n.LastHeartbeat = time.Now()
	n.Load = req.Node.Load
	n.ActiveSessions = req.Node.ActiveSessions
	return Envelope{Type: MsgAck, SenderID: m.SelfID, OK: true}
}

// RunHeartbeatLoop emits heartbeats to every known peer at HeartbeatInterval
// until Stop is called. Intended to run in its own goroutine.
func (m *Membership) RunHeartbeatLoop() {
	ticker := time.NewTicker(m.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.emitHeartbeats()
			m.detectFailures()
		}
	}
}

func (m *Membership) emitHeartbeats() {
	self := m.Self()
	for _, peer := range m.Peers() {
		peer := peer
		go func() {
			_, err := m.transport.Send(peer.Endpoint, Envelope{
				Type: MsgHeartbeat, SenderID: m.SelfID,
				Node: Node{Incarnation: self.Incarnation, Load: self.Load, ActiveSessions: self.ActiveSessions},
			})
			if err != nil {
				m.Logger.Warning("emitHeartbeats", peer.ID, err, "heartbeat send failed")
			}
		}()
	}
}

func (m *Membership) detectFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, n := range m.nodes {
		if id == m.SelfID {
			continue
		}
		missed := int(now.Sub(n.LastHeartbeat) / m.HeartbeatInterval)
		switch {
		case missed >= m.FailedAfter && n.State != NodeFailed:
			n.State = NodeFailed
			m.Logger.Warning("detectFailures", id, nil, "node marked Failed after %d missed heartbeats", missed)
		case missed >= m.SuspectAfter && n.State == NodeActive:
			n.State = NodeSuspect
			m.Logger.Warning("detectFailures", id, nil, "node marked Suspect after %d missed heartbeats", missed)
		}
	}
}

// Stop halts the heartbeat/failure-detection loop.
func (m *Membership) Stop() { close(m.stopCh) }

// Self returns a copy of the local node's current record.
func (m *Membership) Self() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.nodes[m.SelfID]
}

// Peers returns a copy of every known node except self.
func (m *Membership) Peers() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for id, n := range m.nodes {
		if id != m.SelfID {
			out = append(out, *n)
		}
	}
	return out
}

// ActiveNodes returns every node (including self) currently Active and not
// in maintenance, the pool the load balancer selects from.
func (m *Membership) ActiveNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.State == NodeActive && !n.IsInMaintenance {
			out = append(out, *n)
		}
	}
	return out
}

// AllNodes returns a copy of every known node, for replication placement.
func (m *Membership) AllNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	return out
}

// SetSelfLoad updates the local node's advertised load/session count,
// published on the next heartbeat.
func (m *Membership) SetSelfLoad(load float64, activeSessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	self := m.nodes[m.SelfID]
	self.Load = load
	self.ActiveSessions = activeSessions
}

// ClusterState derives the aggregate cluster health from the member set.
func (m *Membership) ClusterState(quorumSize int) ClusterState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active, failed int
	for _, n := range m.nodes {
		switch n.State {
		case NodeActive:
			active++
		case NodeFailed:
			failed++
		}
	}
	switch {
	case active == 0:
		return StateFailed
	case active < quorumSize:
		return StateDegraded
	case failed > 0:
		return StateDegraded
	default:
		return StateHealthy
	}
}
