package cluster

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
)

// Strategy selects a load-balancing algorithm (spec §4.11).
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastConnections
	WeightedRoundRobin
	IPHash
	CustomAffinity
)

// SessionDescriptor is what a custom affinity resolver consults to pick a
// node for one session.
type SessionDescriptor struct {
	RemoteIP string
	Identity string
}

// AffinityResolver maps a session descriptor to a node id. It returns ok=false
// when it has no opinion, in which case the balancer falls back to
// round-robin selection. The resolver is consulted only when the balancer's
// Strategy is CustomAffinity.
type AffinityResolver func(SessionDescriptor) (nodeID string, ok bool)

// ErrNoNodeAvailable is returned when no node qualifies for selection.
var ErrNoNodeAvailable = errors.New("cluster: no node available")

// Balancer selects a target node among the Active, non-maintenance members
// of a Membership.
type Balancer struct {
	Membership *Membership
	Strategy   Strategy
	Affinity   AffinityResolver

	mu        sync.Mutex
	rrCounter int
}

// NewBalancer returns a Balancer using Membership's live node set.
func NewBalancer(membership *Membership, strategy Strategy) *Balancer {
	return &Balancer{Membership: membership, Strategy: strategy}
}

func (b *Balancer) eligible() []Node {
	nodes := b.Membership.ActiveNodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Select picks a node for desc according to the configured strategy.
func (b *Balancer) Select(desc SessionDescriptor) (Node, error) {
	nodes := b.eligible()
	if len(nodes) == 0 {
		return Node{}, ErrNoNodeAvailable
	}

	if b.Strategy == CustomAffinity && b.Affinity != nil {
		if id, ok := b.Affinity(desc); ok {
			for _, n := range nodes {
				if n.ID == id {
					return n, nil
				}
			}
		}
		// fall through to round-robin when the resolver has no opinion or
		// its chosen node is no longer eligible
		return b.roundRobin(nodes)
	}

	switch b.Strategy {
	case LeastConnections:
		return leastConnections(nodes), nil
	case WeightedRoundRobin:
		return b.weightedRoundRobin(nodes), nil
	case IPHash:
		return ipHash(nodes, desc.RemoteIP), nil
	default:
		return b.roundRobin(nodes)
	}
}

func (b *Balancer) roundRobin(nodes []Node) (Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := nodes[b.rrCounter%len(nodes)]
	b.rrCounter++
	return n, nil
}

func leastConnections(nodes []Node) Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.ActiveSessions < best.ActiveSessions ||
			(n.ActiveSessions == best.ActiveSessions && n.Load < best.Load) {
			best = n
		}
	}
	return best
}

func (b *Balancer) weightedRoundRobin(nodes []Node) Node {
	expanded := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		w := n.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			expanded = append(expanded, n)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := expanded[b.rrCounter%len(expanded)]
	b.rrCounter++
	return n
}

func ipHash(nodes []Node, ip string) Node {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	idx := int(h.Sum32()) % len(nodes)
	if idx < 0 {
		idx += len(nodes)
	}
	return nodes[idx]
}
