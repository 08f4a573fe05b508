package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type panicFilter struct{ AcceptAllFilter }

func (panicFilter) CanAcceptFrom(context.Context, SenderContext) Result {
	panic("boom")
}

func TestPipeline_AllMode_RejectsOnAnyReject(t *testing.T) {
	p := Pipeline{Mode: All, Filters: []Filter{
		AcceptAllFilter{},
		SizeFilter{MaxBytes: 10},
	}}
	r := p.CanAcceptFrom(context.Background(), SenderContext{SizeHint: 20})
	require.Equal(t, Reject, r.Verdict)
	require.Equal(t, 552, r.Code)
}

func TestPipeline_AnyMode_AcceptsIfOneAccepts(t *testing.T) {
	p := Pipeline{Mode: Any, Filters: []Filter{
		SizeFilter{MaxBytes: 10},
		AcceptAllFilter{},
	}}
	r := p.CanAcceptFrom(context.Background(), SenderContext{SizeHint: 20})
	require.Equal(t, Accept, r.Verdict)
}

func TestPipeline_AnyMode_RejectsIfAllReject(t *testing.T) {
	p := Pipeline{Mode: Any, Filters: []Filter{
		SizeFilter{MaxBytes: 10},
		SizeFilter{MaxBytes: 5},
	}}
	r := p.CanAcceptFrom(context.Background(), SenderContext{SizeHint: 20})
	require.Equal(t, Reject, r.Verdict)
}

func TestPipeline_EmptyAccepts(t *testing.T) {
	var p Pipeline
	require.Equal(t, Accepted, p.CanAcceptFrom(context.Background(), SenderContext{}))
}

func TestPipeline_PanicBecomesTempFail(t *testing.T) {
	p := Pipeline{Mode: All, Filters: []Filter{panicFilter{}}}
	r := p.CanAcceptFrom(context.Background(), SenderContext{})
	require.Equal(t, TempFail, r.Verdict)
	require.Equal(t, 451, r.Code)
}

func TestDomainMailboxFilter_SenderBlock(t *testing.T) {
	f := DomainMailboxFilter{SenderBlock: []string{"spammer.example"}}
	r := f.CanAcceptFrom(context.Background(), SenderContext{ReversePath: "someone@spammer.example"})
	require.Equal(t, Reject, r.Verdict)

	r = f.CanAcceptFrom(context.Background(), SenderContext{ReversePath: "someone@good.example"})
	require.Equal(t, Accept, r.Verdict)
}

func TestDomainMailboxFilter_RecipientAllow(t *testing.T) {
	f := DomainMailboxFilter{RecipientAllow: []string{"eng@example.com"}}
	r := f.CanAcceptRecipient(context.Background(), RecipientContext{ForwardPath: "eng@example.com"})
	require.Equal(t, Accept, r.Verdict)

	r = f.CanAcceptRecipient(context.Background(), RecipientContext{ForwardPath: "other@example.com"})
	require.Equal(t, Reject, r.Verdict)
}

func TestSizeFilter_Message(t *testing.T) {
	f := SizeFilter{MaxBytes: 100}
	r := f.CanAcceptMessage(context.Background(), MessageContext{Size: 200})
	require.Equal(t, Reject, r.Verdict)

	r = f.CanAcceptMessage(context.Background(), MessageContext{Size: 50})
	require.Equal(t, Accept, r.Verdict)
}
