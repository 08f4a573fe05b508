// Package spam implements the anti-spam orchestrator: a set of weighted
// SpamChecker implementations run in parallel (or sequentially) under
// per-checker timeouts, then aggregated into one AggregateResult per the
// weighted-score rule.
package spam

import (
	"context"
	"sync"
	"time"
)

// Action is the per-checker or aggregate recommended disposition.
type Action int

const (
	ActionNone Action = iota
	ActionMark
	ActionQuarantine
	ActionReject
	ActionGreylist
)

// CheckInput is what a checker receives: the message bytes it can inspect
// plus the session-level context around it.
type CheckInput struct {
	RemoteIP    string
	ClientName  string
	ReversePath string
	Recipients  []string
	Raw         []byte
}

// CheckResult is one checker's verdict.
type CheckResult struct {
	Score      float64 // 0..100
	IsSpam     bool
	Confidence float64 // 0..1
	Action     Action
	RejectCode int
	RejectText string
	Reason     string
	Duration   time.Duration
}

// Checker is a single spam-detection strategy.
type Checker interface {
	Name() string
	Check(ctx context.Context, in CheckInput) CheckResult
}

// Entry configures one checker's participation in the orchestrator.
type Entry struct {
	Checker Checker
	Weight  float64 // default 1.0 if zero
	Enabled bool
	Timeout time.Duration
}

// ExecMode selects how the orchestrator runs its checkers.
type ExecMode int

const (
	Parallel ExecMode = iota
	Sequential
)

// Thresholds configures the aggregation boundaries (spec §4.5 defaults).
type Thresholds struct {
	Spam       float64 // default 50
	Quarantine float64 // default 60
	Reject     float64 // default 80
}

// DefaultThresholds matches the reference bands from the specification.
var DefaultThresholds = Thresholds{Spam: 50, Quarantine: 60, Reject: 80}

// Orchestrator runs Entries and aggregates their results.
type Orchestrator struct {
	Entries    []Entry
	Mode       ExecMode
	Thresholds Thresholds
	// StopOnFirstReject only applies in Sequential mode.
	StopOnFirstReject bool
}

// PerCheckerResult pairs a checker's name with its outcome, for reporting.
type PerCheckerResult struct {
	Name   string
	Result CheckResult
}

// AggregateResult is the orchestrator's combined verdict.
type AggregateResult struct {
	WeightedScore float64
	IsSpam        bool
	Action        Action
	RejectCode    int
	RejectText    string
	PerChecker    []PerCheckerResult
}

// Run evaluates all enabled entries and aggregates them per spec §4.5.
func (o Orchestrator) Run(ctx context.Context, in CheckInput) AggregateResult {
	var results []PerCheckerResult
	if o.Mode == Sequential {
		results = o.runSequential(ctx, in)
	} else {
		results = o.runParallel(ctx, in)
	}
	return o.aggregate(results)
}

func (o Orchestrator) runParallel(ctx context.Context, in CheckInput) []PerCheckerResult {
	results := make([]PerCheckerResult, 0, len(o.Entries))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range o.Entries {
		if !e.Enabled {
			continue
		}
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := runOne(ctx, e, in)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (o Orchestrator) runSequential(ctx context.Context, in CheckInput) []PerCheckerResult {
	results := make([]PerCheckerResult, 0, len(o.Entries))
	for _, e := range o.Entries {
		if !e.Enabled {
			continue
		}
		r := runOne(ctx, e, in)
		results = append(results, r)
		if o.StopOnFirstReject && r.Result.Action == ActionReject {
			break
		}
	}
	return results
}

func runOne(ctx context.Context, e Entry, in CheckInput) PerCheckerResult {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		done <- e.Checker.Check(checkCtx, in)
	}()
	select {
	case r := <-done:
		r.Duration = time.Since(start)
		return PerCheckerResult{Name: e.Checker.Name(), Result: r}
	case <-checkCtx.Done():
		// A timed-out checker contributes a zero score and "none" action —
		// never treated as spam — but is still logged by the caller.
		return PerCheckerResult{Name: e.Checker.Name(), Result: CheckResult{
			Action:   ActionNone,
			Reason:   "checker timed out",
			Duration: time.Since(start),
		}}
	}
}

func weightOf(e Entry) float64 {
	if e.Weight == 0 {
		return 1.0
	}
	return e.Weight
}

func (o Orchestrator) aggregate(results []PerCheckerResult) AggregateResult {
	thresholds := o.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	weightByName := make(map[string]float64, len(o.Entries))
	for _, e := range o.Entries {
		weightByName[e.Checker.Name()] = weightOf(e)
	}

	var weightedSum, weightTotal float64
	var hardReject bool
	var sawGreylist bool
	for _, pr := range results {
		w := weightByName[pr.Name]
		if w == 0 {
			w = 1.0
		}
		weightedSum += pr.Result.Score * w
		weightTotal += w
		if pr.Result.Action == ActionReject && pr.Result.Confidence >= 0.8 {
			hardReject = true
		}
		if pr.Result.Action == ActionGreylist {
			sawGreylist = true
		}
	}
	var weightedScore float64
	if weightTotal > 0 {
		weightedScore = weightedSum / weightTotal
	}

	agg := AggregateResult{WeightedScore: weightedScore, PerChecker: results}
	switch {
	case hardReject:
		agg.Action = ActionReject
		agg.IsSpam = true
	case weightedScore >= thresholds.Reject:
		agg.Action = ActionReject
		agg.IsSpam = true
	case weightedScore >= thresholds.Quarantine:
		agg.Action = ActionQuarantine
		agg.IsSpam = true
	case weightedScore >= thresholds.Spam:
		agg.Action = ActionMark
		agg.IsSpam = true
	case sawGreylist:
		agg.Action = ActionGreylist
	default:
		agg.Action = ActionNone
	}

	switch agg.Action {
	case ActionReject:
		agg.RejectCode, agg.RejectText = 550, "Message rejected as spam"
	case ActionGreylist:
		agg.RejectCode, agg.RejectText = 451, "Greylisted, please try again later"
	}
	for _, pr := range results {
		if pr.Result.Action == agg.Action && pr.Result.RejectCode != 0 {
			agg.RejectCode, agg.RejectText = pr.Result.RejectCode, pr.Result.RejectText
			break
		}
	}
	return agg
}
