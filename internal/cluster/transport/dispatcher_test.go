package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/postguard/internal/cluster"
	"github.com/relayforge/postguard/internal/lalog"
)

func newTestDispatcher() *Dispatcher {
	m := cluster.NewMembership("self", "self:7946", nil, lalog.Logger{ComponentName: "test"})
	e := cluster.NewElection("self", m, lalog.Logger{ComponentName: "test"})
	s := cluster.NewStateStore("self", m, nil)
	s.ReplicationFactor = 1
	return &Dispatcher{Membership: m, Election: e, Store: s}
}

func TestDispatcher_RoutesSetAndGet(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	setResp, err := d.Exchange(ctx, &cluster.Envelope{Type: cluster.MsgSet, Key: "k1", Value: []byte("v1")})
	require.NoError(t, err)
	require.True(t, setResp.OK)

	getResp, err := d.Exchange(ctx, &cluster.Envelope{Type: cluster.MsgGet, Key: "k1"})
	require.NoError(t, err)
	require.True(t, getResp.OK)
	require.Equal(t, []byte("v1"), getResp.Value)
}

func TestDispatcher_RoutesRequestVote(t *testing.T) {
	d := newTestDispatcher()
	resp, err := d.Exchange(context.Background(), &cluster.Envelope{Type: cluster.MsgRequestVote, Term: 1, CandidateID: "candidate-a"})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
}

func TestDispatcher_RoutesJoin(t *testing.T) {
	d := newTestDispatcher()
	resp, err := d.Exchange(context.Background(), &cluster.Envelope{
		Type: cluster.MsgJoin,
		Node: cluster.Node{ID: "joiner", Endpoint: "joiner:7946"},
	})
	require.NoError(t, err)
	require.Equal(t, cluster.MsgJoinAck, resp.Type)
	require.Len(t, resp.Members, 2)
}

func TestDispatcher_UnrecognizedTypeFails(t *testing.T) {
	d := newTestDispatcher()
	resp, err := d.Exchange(context.Background(), &cluster.Envelope{Type: cluster.EnvelopeType(999)})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}
