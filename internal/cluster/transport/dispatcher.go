package transport

import (
	"context"

	"github.com/relayforge/postguard/internal/cluster"
)

// Dispatcher implements ExchangeServer by routing an inbound Envelope, by
// its Type, to whichever local component owns that RPC: Membership for
// gossip, Election for Raft-like voting/heartbeats, StateStore for the
// replicated key-value operations.
type Dispatcher struct {
	Membership *cluster.Membership
	Election   *cluster.Election
	Store      *cluster.StateStore
}

// Exchange implements ExchangeServer.
func (d *Dispatcher) Exchange(ctx context.Context, req *cluster.Envelope) (*cluster.Envelope, error) {
	var resp cluster.Envelope
	switch req.Type {
	case cluster.MsgJoin:
		resp = d.Membership.HandleJoin(*req)
	case cluster.MsgHeartbeat:
		resp = d.Membership.HandleHeartbeat(*req)
	case cluster.MsgRequestVote:
		resp = d.Election.HandleRequestVote(*req)
	case cluster.MsgAppendEntries:
		resp = d.Election.HandleAppendEntries(*req)
	case cluster.MsgGet:
		resp = d.Store.HandleGet(*req)
	case cluster.MsgSet:
		resp = d.Store.HandleSet(*req)
	case cluster.MsgSetMultiple:
		resp = d.Store.HandleSetMultiple(*req)
	case cluster.MsgCAS:
		resp = d.Store.HandleCAS(*req)
	case cluster.MsgLock:
		resp = d.Store.HandleLock(*req)
	case cluster.MsgUnlock:
		resp = d.Store.HandleUnlock(*req)
	default:
		resp = cluster.Envelope{Type: cluster.MsgAck, OK: false, Error: "unrecognized envelope type"}
	}
	return &resp, nil
}
