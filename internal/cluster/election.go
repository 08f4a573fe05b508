package cluster

import (
	"math/rand"
	"sync"
	"time"

	"github.com/relayforge/postguard/internal/lalog"
)

// Role is a node's current position in the leader-election state machine.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Follower"
	}
}

// Election implements the quorum-based term algorithm of spec §4.9: a
// randomized election timeout, term/vote bookkeeping guarded by a single
// mutex per node, and a deterministic tie-break (higher term wins; equal
// term, higher node id loses the vote).
type Election struct {
	SelfID     string
	Membership *Membership
	Logger     lalog.Logger

	// ElectionTimeoutMin/Max bound the randomized follower timeout.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	QuorumSize         int

	mu           sync.Mutex
	term         uint64
	votedFor     string
	role         Role
	lastHeardAt  time.Time
	stopCh       chan struct{}
	resetCh      chan struct{}
}

// NewElection constructs an Election starting as a Follower at term 0.
func NewElection(selfID string, membership *Membership, logger lalog.Logger) *Election {
	return &Election{
		SelfID:             selfID,
		Membership:         membership,
		Logger:             logger,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		QuorumSize:         DefaultQuorumSize,
		role:               RoleFollower,
		lastHeardAt:        time.Now(),
		stopCh:             make(chan struct{}),
		resetCh:            make(chan struct{}, 1),
	}
}

// Role returns the node's current election role.
func (e *Election) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Term returns the node's current term.
func (e *Election) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// IsLeader reports whether this node currently believes itself leader.
func (e *Election) IsLeader() bool { return e.Role() == RoleLeader }

func (e *Election) randomTimeout() time.Duration {
	span := e.ElectionTimeoutMax - e.ElectionTimeoutMin
	if span <= 0 {
		return e.ElectionTimeoutMin
	}
	return e.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// Run drives the election timer loop until Stop is called. Intended to run
// in its own goroutine.
func (e *Election) Run() {
	timer := time.NewTimer(e.randomTimeout())
	defer timer.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.resetCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(e.randomTimeout())
		case <-timer.C:
			if e.Role() != RoleLeader {
				e.startElection()
			}
			timer.Reset(e.randomTimeout())
		}
	}
}

// Stop halts the election timer loop.
func (e *Election) Stop() { close(e.stopCh) }

func (e *Election) resetTimer() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

func (e *Election) startElection() {
	e.mu.Lock()
	e.term++
	term := e.term
	e.role = RoleCandidate
	e.votedFor = e.SelfID
	e.mu.Unlock()
	e.Logger.Info("startElection", e.SelfID, nil, "became candidate for term %d", term)

	peers := e.Membership.ActiveNodes()
	needed := e.QuorumSize
	if needed < 1 {
		needed = 1
	}
	votes := 1 // vote for self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		if p.ID == e.SelfID {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.Membership.transport.Send(p.Endpoint, Envelope{
				Type: MsgRequestVote, SenderID: e.SelfID, Term: term, CandidateID: e.SelfID,
			})
			if err != nil || !resp.VoteGranted {
				return
			}
			mu.Lock()
			votes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.term != term || e.role != RoleCandidate {
		return // a higher term intervened while votes were collected
	}
	if votes >= needed {
		e.role = RoleLeader
		e.Logger.Info("startElection", e.SelfID, nil, "won election for term %d with %d votes", term, votes)
	} else {
		e.role = RoleFollower
	}
}

// HandleRequestVote implements the follower side of RequestVote: grants the
// vote iff the candidate's term is at least as high, this node hasn't
// already voted this term for someone else, and on an equal-term tie the
// candidate's id is lower than ours (deterministic tie-break per spec).
func (e *Election) HandleRequestVote(req Envelope) Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.Term < e.term {
		return Envelope{Type: MsgVote, SenderID: e.SelfID, Term: e.term, VoteGranted: false}
	}
	equalTerm := req.Term == e.term
	if req.Term > e.term {
		e.term = req.Term
		e.votedFor = ""
		e.role = RoleFollower
	}
	if req.Term == e.term && req.CandidateID == e.SelfID {
		return Envelope{Type: MsgVote, SenderID: e.SelfID, Term: e.term, VoteGranted: false}
	}
	if e.votedFor == "" || e.votedFor == req.CandidateID {
		if equalTerm && req.CandidateID > e.SelfID {
			// tie-break: at equal term, higher-id candidate loses vote
			return Envelope{Type: MsgVote, SenderID: e.SelfID, Term: e.term, VoteGranted: false}
		}
		e.votedFor = req.CandidateID
		e.resetTimerLocked()
		return Envelope{Type: MsgVote, SenderID: e.SelfID, Term: e.term, VoteGranted: true}
	}
	return Envelope{Type: MsgVote, SenderID: e.SelfID, Term: e.term, VoteGranted: false}
}

func (e *Election) resetTimerLocked() {
	e.lastHeardAt = time.Now()
	e.resetTimer()
}

// HandleAppendEntries is the follower side of a leader heartbeat. A stale
// leader's heartbeat (lower term) is rejected.
func (e *Election) HandleAppendEntries(req Envelope) Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.Term < e.term {
		return Envelope{Type: MsgAck, SenderID: e.SelfID, Term: e.term, OK: false}
	}
	if req.Term > e.term || e.role != RoleFollower {
		e.term = req.Term
		e.role = RoleFollower
		e.votedFor = ""
	}
	e.resetTimerLocked()
	return Envelope{Type: MsgAck, SenderID: e.SelfID, Term: e.term, OK: true}
}

// RunLeaderHeartbeat sends AppendEntries to every peer at HeartbeatInterval
// while this node is Leader, stepping down if a fresh majority of peers
// does not acknowledge (split-brain avoidance per spec §4.9).
func (e *Election) RunLeaderHeartbeat() {
	ticker := time.NewTicker(e.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.Role() != RoleLeader {
				continue
			}
			e.sendLeaderHeartbeats()
		}
	}
}

func (e *Election) sendLeaderHeartbeats() {
	term := e.Term()
	peers := e.Membership.ActiveNodes()
	var acked int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		if p.ID == e.SelfID {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.Membership.transport.Send(p.Endpoint, Envelope{
				Type: MsgAppendEntries, SenderID: e.SelfID, Term: term,
			})
			if err == nil && resp.OK {
				mu.Lock()
				acked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	needed := e.QuorumSize - 1 // excluding self
	if needed < 0 {
		needed = 0
	}
	if int(acked) < needed {
		e.mu.Lock()
		if e.term == term {
			e.role = RoleFollower
			e.Logger.Warning("sendLeaderHeartbeats", e.SelfID, nil, "stepping down: lost majority acknowledgment at term %d", term)
		}
		e.mu.Unlock()
	}
}
