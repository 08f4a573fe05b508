package cluster

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Consistency selects how many replicas a read or write must satisfy
// before returning, per spec §4.10.
type Consistency int

const (
	One Consistency = iota
	Two
	Three
	Quorum
	All
)

// entry is one replicated key's locally-held value.
type entry struct {
	Value   []byte
	Expires time.Time // zero means no TTL
	Version uint64
}

func (e entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && now.After(e.Expires)
}

// StateStore is the replicated key-value store of spec §4.10. Each node
// runs one StateStore; Membership provides the current member list for
// rendezvous placement, and Transport carries replication RPCs.
type StateStore struct {
	SelfID            string
	Membership        *Membership
	transport         Transport
	ReplicationFactor int
	Async             bool // async local-first writes (default) vs synchronous quorum writes

	mu   sync.RWMutex
	data map[string]entry

	sweepStop chan struct{}
}

// NewStateStore constructs a StateStore with the default replication factor
// and asynchronous writes.
func NewStateStore(selfID string, membership *Membership, transport Transport) *StateStore {
	return &StateStore{
		SelfID: selfID, Membership: membership, transport: transport,
		ReplicationFactor: DefaultReplicationFactor, Async: true,
		data: make(map[string]entry), sweepStop: make(chan struct{}),
	}
}

// placement returns the R nodes that own key, via rendezvous (HRW)
// hashing over the current member set — consistent under membership change
// without a full consistent-hash ring.
func (s *StateStore) placement(key string) []Node {
	nodes := s.Membership.AllNodes()
	type scored struct {
		node  Node
		score uint64
	}
	scores := make([]scored, len(nodes))
	for i, n := range nodes {
		h := fnv.New64a()
		_, _ = h.Write([]byte(key + "|" + n.ID))
		scores[i] = scored{node: n, score: h.Sum64()}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	r := s.ReplicationFactor
	if r <= 0 || r > len(scores) {
		r = len(scores)
	}
	out := make([]Node, r)
	for i := 0; i < r; i++ {
		out[i] = scores[i].node
	}
	return out
}

func consistencyCount(c Consistency, replicas int) int {
	switch c {
	case One:
		return 1
	case Two:
		if 2 < replicas {
			return 2
		}
		return replicas
	case Three:
		if 3 < replicas {
			return 3
		}
		return replicas
	case All:
		return replicas
	default: // Quorum
		return replicas/2 + 1
	}
}

// Set writes key=value with an optional TTL (0 means no expiry), replicating
// per the configured consistency level.
func (s *StateStore) Set(key string, value []byte, ttl time.Duration, writeLevel Consistency) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	version := s.bumpLocal(key, value, expires)
	return s.replicate(key, value, ttl, version, writeLevel)
}

func (s *StateStore) bumpLocal(key string, value []byte, expires time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.data[key]
	e.Value = value
	e.Expires = expires
	e.Version++
	s.data[key] = e
	return e.Version
}

func (s *StateStore) replicate(key string, value []byte, ttl time.Duration, version uint64, writeLevel Consistency) error {
	replicas := s.placement(key)
	needed := consistencyCount(writeLevel, len(replicas))
	if s.Async {
		// asynchronous mode: coordinator persists locally (already done by
		// the caller) and returns immediately; replicas converge via the
		// same goroutines, just not awaited.
		for _, n := range replicas {
			if n.ID == s.SelfID {
				continue
			}
			n := n
			go func() {
				_, _ = s.transport.Send(n.Endpoint, Envelope{
					Type: MsgSet, SenderID: s.SelfID, Key: key, Value: value, TTL: ttl, Version: version,
				})
			}()
		}
		return nil
	}
	acked := 1 // local write counts
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, n := range replicas {
		if n.ID == s.SelfID {
			continue
		}
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.transport.Send(n.Endpoint, Envelope{
				Type: MsgSet, SenderID: s.SelfID, Key: key, Value: value, TTL: ttl, Version: version,
			})
			if err == nil && resp.OK {
				mu.Lock()
				acked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if acked < needed {
		return fmt.Errorf("cluster: write consistency not met for key %q (%d/%d acks)", key, acked, needed)
	}
	return nil
}

// SetMultiple writes every key in values atomically with respect to the
// local store — all keys are bumped under one lock — then replicates each
// key to its own replica set in a single round of sends, satisfying spec
// §4.10's "setMultiple (atomic)" without requiring every key to share a
// replica set.
func (s *StateStore) SetMultiple(values map[string][]byte, ttl time.Duration, writeLevel Consistency) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	s.mu.Lock()
	for k, v := range values {
		e := s.data[k]
		e.Value = v
		e.Expires = expires
		e.Version++
		s.data[k] = e
	}
	s.mu.Unlock()

	needed := make(map[string]int, len(values))
	perPeer := make(map[string]map[string][]byte)
	for k := range values {
		replicas := s.placement(k)
		needed[k] = consistencyCount(writeLevel, len(replicas))
		for _, n := range replicas {
			if n.ID == s.SelfID {
				continue
			}
			if perPeer[n.Endpoint] == nil {
				perPeer[n.Endpoint] = make(map[string][]byte)
			}
			perPeer[n.Endpoint][k] = values[k]
		}
	}

	if s.Async {
		for endpoint, batch := range perPeer {
			endpoint, batch := endpoint, batch
			go func() {
				_, _ = s.transport.Send(endpoint, Envelope{
					Type: MsgSetMultiple, SenderID: s.SelfID, Values: batch, TTL: ttl,
				})
			}()
		}
		return nil
	}

	acked := make(map[string]int, len(values))
	for k := range values {
		acked[k] = 1 // local write counts
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for endpoint, batch := range perPeer {
		endpoint, batch := endpoint, batch
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.transport.Send(endpoint, Envelope{
				Type: MsgSetMultiple, SenderID: s.SelfID, Values: batch, TTL: ttl,
			})
			if err != nil || !resp.OK {
				return
			}
			mu.Lock()
			for k := range batch {
				acked[k]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for k := range values {
		if acked[k] < needed[k] {
			return fmt.Errorf("cluster: write consistency not met for key %q (%d/%d acks)", k, acked[k], needed[k])
		}
	}
	return nil
}

// HandleSetMultiple applies a replicated batch write received from a
// coordinator, under one lock for the whole batch.
func (s *StateStore) HandleSetMultiple(req Envelope) Envelope {
	var expires time.Time
	if req.TTL > 0 {
		expires = time.Now().Add(req.TTL)
	}
	s.mu.Lock()
	for k, v := range req.Values {
		e := s.data[k]
		e.Value = v
		e.Expires = expires
		e.Version++
		s.data[k] = e
	}
	s.mu.Unlock()
	return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: true}
}

// HandleSet applies a replicated write received from a coordinator.
func (s *StateStore) HandleSet(req Envelope) Envelope {
	var expires time.Time
	if req.TTL > 0 {
		expires = time.Now().Add(req.TTL)
	}
	s.mu.Lock()
	s.data[req.Key] = entry{Value: req.Value, Expires: expires, Version: req.Version}
	s.mu.Unlock()
	return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: true}
}

// Get reads key, contacting enough replicas to satisfy readLevel and
// returning the highest version seen.
func (s *StateStore) Get(key string, readLevel Consistency) ([]byte, bool, error) {
	replicas := s.placement(key)
	needed := consistencyCount(readLevel, len(replicas))

	type sample struct {
		value   []byte
		version uint64
		found   bool
	}
	samples := make([]sample, 0, len(replicas))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, n := range replicas {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n.ID == s.SelfID {
				v, ok := s.localGet(key)
				mu.Lock()
				samples = append(samples, sample{value: v.Value, version: v.Version, found: ok})
				mu.Unlock()
				return
			}
			resp, err := s.transport.Send(n.Endpoint, Envelope{Type: MsgGet, SenderID: s.SelfID, Key: key})
			if err != nil {
				return
			}
			mu.Lock()
			samples = append(samples, sample{value: resp.Value, version: resp.Version, found: resp.OK})
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(samples) < needed {
		return nil, false, fmt.Errorf("cluster: read consistency not met for key %q", key)
	}
	var best sample
	for _, smp := range samples {
		if smp.found && smp.version >= best.version {
			best = smp
		}
	}
	return best.value, best.found, nil
}

// GetMultiple reads keys, contacting enough replicas to satisfy readLevel
// for each one independently, and returns only the keys that were found
// (missing keys are simply absent from the result map).
func (s *StateStore) GetMultiple(keys []string, readLevel Consistency) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(key, readLevel)
		if err != nil {
			return nil, fmt.Errorf("cluster: GetMultiple key %q: %w", key, err)
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

func (s *StateStore) localGet(key string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(s.data, key)
		}
		return entry{}, false
	}
	return e, true
}

// HandleGet answers a replica read request.
func (s *StateStore) HandleGet(req Envelope) Envelope {
	e, ok := s.localGet(req.Key)
	return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: ok, Value: e.Value, Version: e.Version}
}

// Delete removes key locally and from its replicas.
func (s *StateStore) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	for _, n := range s.placement(key) {
		if n.ID == s.SelfID {
			continue
		}
		n := n
		go func() { _, _ = s.transport.Send(n.Endpoint, Envelope{Type: MsgSet, SenderID: s.SelfID, Key: key, Value: nil}) }()
	}
}

// Exists reports whether key is present locally and unexpired.
func (s *StateStore) Exists(key string) bool {
	_, ok := s.localGet(key)
	return ok
}

// CompareAndSwap atomically replaces key's value if its current version
// equals expectedVersion, returning the new version on success.
func (s *StateStore) CompareAndSwap(key string, expectedVersion uint64, newValue []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.data[key]
	if e.Version != expectedVersion {
		return 0, errors.New("cluster: compare-and-swap version mismatch")
	}
	e.Value = newValue
	e.Version++
	s.data[key] = e
	return e.Version, nil
}

// Increment atomically adds delta to the integer stored at key (stored as a
// decimal string) and returns the new value.
func (s *StateStore) Increment(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.data[key]
	var current int64
	if len(e.Value) > 0 {
		if _, err := fmt.Sscanf(string(e.Value), "%d", &current); err != nil {
			return 0, fmt.Errorf("cluster: value at key %q is not an integer", key)
		}
	}
	current += delta
	e.Value = []byte(fmt.Sprintf("%d", current))
	e.Version++
	s.data[key] = e
	return current, nil
}

// GetKeys returns every unexpired local key matching pattern: "" or "*"
// matches all keys, a pattern ending in "*" matches by prefix, and any other
// pattern must equal the key exactly.
func (s *StateStore) GetKeys(pattern string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	now := time.Now()
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		if pattern == "" || pattern == "*" || globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	return out
}

func globMatch(pattern, s string) bool {
	if pattern == s {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(s) >= len(prefix) && s[:len(prefix)] == prefix
	}
	return false
}

// Clear removes every local key.
func (s *StateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]entry)
}

// GetSize returns the number of local keys.
func (s *StateStore) GetSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// StartSweeper begins a background goroutine that proactively removes
// expired keys at the given interval, complementing lazy removal on access.
func (s *StateStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case <-ticker.C:
				now := time.Now()
				s.mu.Lock()
				for k, e := range s.data {
					if e.expired(now) {
						delete(s.data, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// StopSweeper halts the background TTL sweeper.
func (s *StateStore) StopSweeper() { close(s.sweepStop) }

// HandleCAS applies a replicated compare-and-swap request.
func (s *StateStore) HandleCAS(req Envelope) Envelope {
	version, err := s.CompareAndSwap(req.Key, req.Version, req.Value)
	if err != nil {
		return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: false, Error: err.Error()}
	}
	return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: true, Version: version}
}

// HandleLock answers a remote lock-acquisition request against the
// resource named in req.Key, returning the granted lock id in LockID.
func (s *StateStore) HandleLock(req Envelope) Envelope {
	l, ok := s.AcquireLock(req.Key, req.TTL)
	if !ok {
		return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: false}
	}
	return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: true, LockID: l.ID}
}

// HandleUnlock answers a remote lock-release request; req.Key names the
// resource and req.LockID must match the holder's id.
func (s *StateStore) HandleUnlock(req Envelope) Envelope {
	ok := s.ReleaseLock(&Lock{Resource: req.Key, ID: req.LockID})
	return Envelope{Type: MsgAck, SenderID: s.SelfID, OK: ok}
}

// Lock is a held distributed lock handle.
type Lock struct {
	Resource string
	ID       string
}

// AcquireLock implements the distributed lock of spec §4.10: set-if-absent
// with a TTL and a unique lock id.
func (s *StateStore) AcquireLock(resource string, ttl time.Duration) (*Lock, bool) {
	key := "lock:" + resource
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok && !e.expired(time.Now()) {
		return nil, false
	}
	id := xid.New().String()
	s.data[key] = entry{Value: []byte(id), Expires: time.Now().Add(ttl), Version: 1}
	return &Lock{Resource: resource, ID: id}, true
}

// ExtendLock performs a CAS-style extension: the lock id must still match.
func (s *StateStore) ExtendLock(l *Lock, ttl time.Duration) bool {
	key := "lock:" + l.Resource
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || string(e.Value) != l.ID {
		return false
	}
	e.Expires = time.Now().Add(ttl)
	s.data[key] = e
	return true
}

// ReleaseLock deletes the lock iff its id still matches.
func (s *StateStore) ReleaseLock(l *Lock) bool {
	key := "lock:" + l.Resource
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || string(e.Value) != l.ID {
		return false
	}
	delete(s.data, key)
	return true
}
