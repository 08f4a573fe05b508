package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/postguard/internal/lalog"
)

func TestElection_HandleRequestVote_GrantsFirstComer(t *testing.T) {
	m := NewMembership("self", "self:7946", nil, lalog.Logger{ComponentName: "test"})
	e := NewElection("self", m, lalog.Logger{ComponentName: "test"})

	resp := e.HandleRequestVote(Envelope{Term: 1, CandidateID: "candidate-a"})
	require.True(t, resp.VoteGranted)

	// A second candidate at the same term is refused: already voted.
	resp = e.HandleRequestVote(Envelope{Term: 1, CandidateID: "candidate-b"})
	require.False(t, resp.VoteGranted)
}

func TestElection_HandleRequestVote_StaleTermRejected(t *testing.T) {
	m := NewMembership("self", "self:7946", nil, lalog.Logger{ComponentName: "test"})
	e := NewElection("self", m, lalog.Logger{ComponentName: "test"})
	e.term = 5

	resp := e.HandleRequestVote(Envelope{Term: 3, CandidateID: "candidate-a"})
	require.False(t, resp.VoteGranted)
	require.Equal(t, uint64(5), resp.Term)
}

func TestElection_HandleRequestVote_TieBreakHigherIDLoses(t *testing.T) {
	m := NewMembership("node-b", "b:7946", nil, lalog.Logger{ComponentName: "test"})
	e := NewElection("node-b", m, lalog.Logger{ComponentName: "test"})
	e.term = 2
	e.votedFor = ""

	// equal term, candidate id "node-c" > self id "node-b" -> vote refused
	resp := e.HandleRequestVote(Envelope{Term: 2, CandidateID: "node-c"})
	require.False(t, resp.VoteGranted)
}

func TestElection_HandleAppendEntries_StepsDownOnHigherTerm(t *testing.T) {
	m := NewMembership("self", "self:7946", nil, lalog.Logger{ComponentName: "test"})
	e := NewElection("self", m, lalog.Logger{ComponentName: "test"})
	e.role = RoleLeader
	e.term = 1

	resp := e.HandleAppendEntries(Envelope{Term: 2})
	require.True(t, resp.OK)
	require.Equal(t, RoleFollower, e.Role())
	require.Equal(t, uint64(2), e.Term())
}

func TestElection_HandleAppendEntries_RejectsStaleLeader(t *testing.T) {
	m := NewMembership("self", "self:7946", nil, lalog.Logger{ComponentName: "test"})
	e := NewElection("self", m, lalog.Logger{ComponentName: "test"})
	e.term = 5

	resp := e.HandleAppendEntries(Envelope{Term: 3})
	require.False(t, resp.OK)
}

func TestElection_StartElection_WinsWithQuorum(t *testing.T) {
	tr := newFakeTransport()
	m := NewMembership("self", "self:7946", tr, lalog.Logger{ComponentName: "test"})
	m.nodes["peer-a"] = &Node{ID: "peer-a", Endpoint: "peer-a:7946", State: NodeActive}
	m.nodes["peer-b"] = &Node{ID: "peer-b", Endpoint: "peer-b:7946", State: NodeActive}

	tr.register("peer-a:7946", func(req Envelope) Envelope {
		return Envelope{Type: MsgVote, VoteGranted: true}
	})
	tr.register("peer-b:7946", func(req Envelope) Envelope {
		return Envelope{Type: MsgVote, VoteGranted: false}
	})

	e := NewElection("self", m, lalog.Logger{ComponentName: "test"})
	e.QuorumSize = 2
	e.startElection()

	require.Equal(t, RoleLeader, e.Role())
}

func TestElection_StartElection_LosesWithoutQuorum(t *testing.T) {
	tr := newFakeTransport()
	m := NewMembership("self", "self:7946", tr, lalog.Logger{ComponentName: "test"})
	m.nodes["peer-a"] = &Node{ID: "peer-a", Endpoint: "peer-a:7946", State: NodeActive}
	m.nodes["peer-b"] = &Node{ID: "peer-b", Endpoint: "peer-b:7946", State: NodeActive}

	tr.register("peer-a:7946", func(req Envelope) Envelope {
		return Envelope{Type: MsgVote, VoteGranted: false}
	})
	tr.register("peer-b:7946", func(req Envelope) Envelope {
		return Envelope{Type: MsgVote, VoteGranted: false}
	})

	e := NewElection("self", m, lalog.Logger{ComponentName: "test"})
	e.QuorumSize = 3
	e.startElection()

	require.Equal(t, RoleFollower, e.Role())
}

func TestElection_RandomTimeoutWithinBounds(t *testing.T) {
	m := NewMembership("self", "self:7946", nil, lalog.Logger{ComponentName: "test"})
	e := NewElection("self", m, lalog.Logger{ComponentName: "test"})
	e.ElectionTimeoutMin = 10 * time.Millisecond
	e.ElectionTimeoutMax = 20 * time.Millisecond

	for i := 0; i < 20; i++ {
		d := e.randomTimeout()
		require.GreaterOrEqual(t, d, e.ElectionTimeoutMin)
		require.Less(t, d, e.ElectionTimeoutMax)
	}
}
