package spam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedChecker struct {
	name   string
	result CheckResult
	delay  time.Duration
}

func (f fixedChecker) Name() string { return f.name }

func (f fixedChecker) Check(ctx context.Context, _ CheckInput) CheckResult {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return f.result
}

func TestOrchestrator_WeightedAggregate(t *testing.T) {
	o := Orchestrator{
		Entries: []Entry{
			{Checker: fixedChecker{name: "a", result: CheckResult{Score: 100}}, Weight: 1, Enabled: true},
			{Checker: fixedChecker{name: "b", result: CheckResult{Score: 0}}, Weight: 1, Enabled: true},
		},
		Mode: Parallel,
	}
	agg := o.Run(context.Background(), CheckInput{})
	require.InDelta(t, 50.0, agg.WeightedScore, 0.001)
	require.Equal(t, ActionMark, agg.Action)
}

func TestOrchestrator_RejectThreshold(t *testing.T) {
	o := Orchestrator{
		Entries: []Entry{
			{Checker: fixedChecker{name: "a", result: CheckResult{Score: 90}}, Weight: 1, Enabled: true},
		},
		Mode: Parallel,
	}
	agg := o.Run(context.Background(), CheckInput{})
	require.Equal(t, ActionReject, agg.Action)
	require.Equal(t, 550, agg.RejectCode)
}

func TestOrchestrator_HardRejectOnHighConfidence(t *testing.T) {
	o := Orchestrator{
		Entries: []Entry{
			{Checker: fixedChecker{name: "a", result: CheckResult{Score: 10, Action: ActionReject, Confidence: 0.9, RejectCode: 550, RejectText: "blocked"}}, Weight: 1, Enabled: true},
		},
		Mode: Parallel,
	}
	agg := o.Run(context.Background(), CheckInput{})
	require.Equal(t, ActionReject, agg.Action)
	require.True(t, agg.IsSpam)
}

func TestOrchestrator_TimeoutYieldsNoneAction(t *testing.T) {
	o := Orchestrator{
		Entries: []Entry{
			{Checker: fixedChecker{name: "slow", result: CheckResult{Score: 100}, delay: 50 * time.Millisecond}, Weight: 1, Enabled: true, Timeout: 5 * time.Millisecond},
		},
		Mode: Parallel,
	}
	agg := o.Run(context.Background(), CheckInput{})
	require.Equal(t, ActionNone, agg.Action)
	require.False(t, agg.IsSpam)
	require.Equal(t, "checker timed out", agg.PerChecker[0].Result.Reason)
}

func TestOrchestrator_DisabledCheckerSkipped(t *testing.T) {
	o := Orchestrator{
		Entries: []Entry{
			{Checker: fixedChecker{name: "a", result: CheckResult{Score: 100}}, Weight: 1, Enabled: false},
		},
		Mode: Parallel,
	}
	agg := o.Run(context.Background(), CheckInput{})
	require.Equal(t, ActionNone, agg.Action)
	require.Empty(t, agg.PerChecker)
}

func TestOrchestrator_GreylistFallback(t *testing.T) {
	o := Orchestrator{
		Entries: []Entry{
			{Checker: fixedChecker{name: "a", result: CheckResult{Score: 10, Action: ActionGreylist}}, Weight: 1, Enabled: true},
		},
		Mode: Parallel,
	}
	agg := o.Run(context.Background(), CheckInput{})
	require.Equal(t, ActionGreylist, agg.Action)
	require.Equal(t, 451, agg.RejectCode)
}

func TestOrchestrator_SequentialStopOnFirstReject(t *testing.T) {
	o := Orchestrator{
		Entries: []Entry{
			{Checker: fixedChecker{name: "a", result: CheckResult{Score: 90, Action: ActionReject}}, Weight: 1, Enabled: true},
			{Checker: fixedChecker{name: "b", result: CheckResult{Score: 0}}, Weight: 1, Enabled: true},
		},
		Mode:              Sequential,
		StopOnFirstReject: true,
	}
	agg := o.Run(context.Background(), CheckInput{})
	require.Len(t, agg.PerChecker, 1)
}
