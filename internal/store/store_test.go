package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	failures int
	saved    []Input
}

func (f *flakyStore) Save(_ context.Context, in Input) SaveResult {
	if f.failures > 0 {
		f.failures--
		return SaveResult{Outcome: OutcomeTempFail, Reason: "backend unavailable"}
	}
	f.saved = append(f.saved, in)
	return SaveResult{Outcome: Saved, ID: in.MessageID}
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	m := NewMemoryStore()
	r := m.Save(context.Background(), Input{MessageID: "m1", ReversePath: "a@b.com"})
	require.Equal(t, Saved, r.Outcome)

	got, ok := m.Get("m1")
	require.True(t, ok)
	require.Equal(t, "a@b.com", got.ReversePath)
	require.Equal(t, 1, m.Count())
}

func TestRetryWrapper_SucceedsAfterRetries(t *testing.T) {
	inner := &flakyStore{failures: 2}
	r := RetryWrapper{Inner: inner, MaxAttempts: 5, BaseDelay: time.Millisecond}
	result := r.Save(context.Background(), Input{MessageID: "m1"})
	require.Equal(t, Saved, result.Outcome)
	require.Len(t, inner.saved, 1)
}

func TestRetryWrapper_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyStore{failures: 10}
	r := RetryWrapper{Inner: inner, MaxAttempts: 3, BaseDelay: time.Millisecond}
	result := r.Save(context.Background(), Input{MessageID: "m1"})
	require.Equal(t, OutcomeTempFail, result.Outcome)
}

func TestRetryWrapper_HonorsCancellation(t *testing.T) {
	inner := &flakyStore{failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := RetryWrapper{Inner: inner, MaxAttempts: 5, BaseDelay: time.Second}
	result := r.Save(ctx, Input{MessageID: "m1"})
	require.Equal(t, OutcomeTempFail, result.Outcome)
}

func TestRetryWrapper_NoRetryOnReject(t *testing.T) {
	inner := &rejectingStore{}
	r := RetryWrapper{Inner: inner, MaxAttempts: 5, BaseDelay: time.Millisecond}
	result := r.Save(context.Background(), Input{MessageID: "m1"})
	require.Equal(t, OutcomeReject, result.Outcome)
	require.Equal(t, 1, inner.calls)
}

type rejectingStore struct{ calls int }

func (r *rejectingStore) Save(context.Context, Input) SaveResult {
	r.calls++
	return SaveResult{Outcome: OutcomeReject, Reason: "policy rejected"}
}
