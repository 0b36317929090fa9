package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/arbflow/arbflow/pkg/alerting"
	"github.com/arbflow/arbflow/pkg/consumer"
	"github.com/arbflow/arbflow/pkg/domain"
	"github.com/arbflow/arbflow/pkg/metrics"
	"github.com/arbflow/arbflow/pkg/streambus"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	err      error
}

func (f *fakeExecutor) Execute(ctx context.Context, opp *domain.Opportunity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, opp.ID)
	return f.err
}

type fakeFlow struct {
	mu      sync.Mutex
	pauses  int
	resumes int
}

func (f *fakeFlow) Pause(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeFlow) Resume(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeFlow) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes
}

func newTestEngine(t *testing.T, clock *domain.FakeClock, queueSize int) (*Engine, *streambus.RedisBus, *fakeExecutor, *fakeFlow, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	bus := streambus.NewRedisBusFromClient(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	exec := &fakeExecutor{}
	flow := &fakeFlow{}
	e := NewEngine(Options{
		Bus:                 bus,
		Executor:            exec,
		Flow:                flow,
		Clock:               clock,
		Logger:              discard(),
		Metrics:             metrics.NewNoop(),
		Alerts:              alerting.NopSink{},
		Stream:              domain.StreamExecutionReqs,
		Group:               domain.ExecutionEngineGroup,
		Consumer:            "executor-test",
		QueueSize:           queueSize,
		Workers:             1,
		MinConfidence:       0.5,
		MinProfitPercentage: 0.1,
		PendingMaxAge:       10 * time.Minute,
		ClaimMinIdle:        time.Minute,
		ClaimBatch:          100,
	})
	return e, bus, exec, flow, s
}

func execRequest(t *testing.T, id string, confidence float64) map[string]any {
	t.Helper()
	payload, err := json.Marshal(domain.Opportunity{
		ID:         id,
		Type:       domain.OpportunitySimple,
		TokenIn:    "WETH",
		TokenOut:   "USDC",
		AmountIn:   "1000000000000000000",
		Confidence: confidence,
		Timestamp:  time.Now().UnixMilli(),
		Status:     "pending",
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return map[string]any{"data": string(payload)}
}

func deliver(t *testing.T, bus *streambus.RedisBus, consumerName string, fields map[string]any) streambus.Message {
	t.Helper()
	ctx := context.Background()
	if err := bus.CreateGroup(ctx, domain.StreamExecutionReqs, domain.ExecutionEngineGroup); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if _, err := bus.Add(ctx, domain.StreamExecutionReqs, fields); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	batches, err := bus.ReadGroup(ctx, domain.ExecutionEngineGroup, consumerName, []string{domain.StreamExecutionReqs}, 10, time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	msgs := batches[domain.StreamExecutionReqs]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(msgs))
	}
	return msgs[0]
}

func pelCount(t *testing.T, bus *streambus.RedisBus) int64 {
	t.Helper()
	summary, err := bus.PendingSummary(context.Background(), domain.StreamExecutionReqs, domain.ExecutionEngineGroup)
	if err != nil {
		t.Fatalf("PendingSummary failed: %v", err)
	}
	var total int64
	for _, c := range summary {
		total += c.Count
	}
	return total
}

func TestValidate_Outcomes(t *testing.T) {
	if got := validate(nil); got.Kind != domain.OutcomeEmpty {
		t.Errorf("nil fields: expected Empty, got %v", got.Kind)
	}
	if got := validate(map[string]string{"type": domain.StreamInitType}); got.Kind != domain.OutcomeSystem {
		t.Errorf("stream-init: expected System, got %v", got.Kind)
	}
	if got := validate(map[string]string{"data": "{not json"}); got.Kind != domain.OutcomeReject || got.Code != CodeMalformedJSON {
		t.Errorf("bad JSON: expected Reject/%s, got %v/%s", CodeMalformedJSON, got.Kind, got.Code)
	}

	cases := []struct {
		name string
		opp  domain.Opportunity
		code string
	}{
		{"missing id", domain.Opportunity{Type: "simple", TokenIn: "A", TokenOut: "B", AmountIn: "1"}, CodeMissingID},
		{"unknown type", domain.Opportunity{ID: "x", Type: "sandwich", TokenIn: "A", TokenOut: "B", AmountIn: "1"}, CodeInvalidType},
		{"same token", domain.Opportunity{ID: "x", Type: "simple", TokenIn: "A", TokenOut: "A", AmountIn: "1"}, CodeSameToken},
		{"zero amount", domain.Opportunity{ID: "x", Type: "simple", TokenIn: "A", TokenOut: "B", AmountIn: "000"}, CodeInvalidAmount},
		{"negative amount", domain.Opportunity{ID: "x", Type: "simple", TokenIn: "A", TokenOut: "B", AmountIn: "-5"}, CodeInvalidAmount},
		{"confidence range", domain.Opportunity{ID: "x", Type: "simple", TokenIn: "A", TokenOut: "B", AmountIn: "1", Confidence: 1.5}, CodeInvalidConfidence},
		{"cross-chain same chain", domain.Opportunity{ID: "x", Type: "cross-chain", TokenIn: "A", TokenOut: "B", AmountIn: "1", BuyChain: "base", SellChain: "base"}, CodeInvalidChains},
		{"cross-chain unknown chain", domain.Opportunity{ID: "x", Type: "cross-chain", TokenIn: "A", TokenOut: "B", AmountIn: "1", BuyChain: "base", SellChain: "solana"}, CodeInvalidChains},
	}
	for _, tc := range cases {
		raw, _ := json.Marshal(tc.opp)
		got := validate(map[string]string{"data": string(raw)})
		if got.Kind != domain.OutcomeReject || got.Code != tc.code {
			t.Errorf("%s: expected Reject/%s, got %v/%s", tc.name, tc.code, got.Kind, got.Code)
		}
	}

	ok, _ := json.Marshal(domain.Opportunity{
		ID: "x", Type: "cross-chain", TokenIn: "A", TokenOut: "B", AmountIn: "10",
		Confidence: 0.8, BuyChain: "base", SellChain: "arbitrum",
	})
	if got := validate(map[string]string{"data": string(ok)}); got.Kind != domain.OutcomeOk {
		t.Errorf("valid cross-chain: expected Ok, got %v (%s)", got.Kind, got.Code)
	}
}

func TestHandleMessage_EnqueueExecuteAck(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, exec, _, _ := newTestEngine(t, clock, 10)
	ctx := context.Background()

	msg := deliver(t, bus, "executor-test", execRequest(t, "opp-1", 0.9))
	err := e.HandleMessage(ctx, domain.StreamExecutionReqs, msg)
	if !errors.Is(err, consumer.ErrAckDeferred) {
		t.Fatalf("expected deferred ack, got %v", err)
	}
	if n := pelCount(t, bus); n != 1 {
		t.Fatalf("message must stay pending until execution completes, PEL=%d", n)
	}

	// Drain the single queued task the way a worker would.
	e.execute(ctx, <-e.queue)

	if len(exec.executed) != 1 || exec.executed[0] != "opp-1" {
		t.Errorf("expected opp-1 executed, got %v", exec.executed)
	}
	if n := pelCount(t, bus); n != 0 {
		t.Errorf("completion must ACK, PEL=%d", n)
	}
	if e.PendingCount() != 0 {
		t.Errorf("pending index must be empty, got %d", e.PendingCount())
	}
}

func TestHandleMessage_BusinessRejectionsSilentAck(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, exec, _, _ := newTestEngine(t, clock, 10)
	ctx := context.Background()

	msg := deliver(t, bus, "executor-test", execRequest(t, "opp-lowconf", 0.2))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, msg); err != nil {
		t.Fatalf("low confidence must be a silent skip, got %v", err)
	}
	if len(exec.executed) != 0 {
		t.Error("skipped opportunity must not execute")
	}
	if e.QueueDepth() != 0 {
		t.Error("skipped opportunity must not be queued")
	}
}

func TestHandleMessage_StructuralRejectErrors(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, _, _, _ := newTestEngine(t, clock, 10)
	ctx := context.Background()

	msg := deliver(t, bus, "executor-test", map[string]any{"data": "{broken"})
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, msg); err == nil {
		t.Fatal("structural failure must surface an error for the DLQ path")
	}
}

func TestHandleMessage_DuplicateInFlight(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, _, _, _ := newTestEngine(t, clock, 10)
	ctx := context.Background()

	first := deliver(t, bus, "executor-test", execRequest(t, "opp-dup", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, first); !errors.Is(err, consumer.ErrAckDeferred) {
		t.Fatalf("expected deferred ack, got %v", err)
	}

	second := deliver(t, bus, "executor-test", execRequest(t, "opp-dup", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, second); err != nil {
		t.Fatalf("in-flight duplicate must be silently dropped, got %v", err)
	}
	if e.QueueDepth() != 1 {
		t.Errorf("duplicate must not enqueue, depth=%d", e.QueueDepth())
	}
}

func TestHandleMessage_SupersedesCompletedButUnacked(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, _, _, _ := newTestEngine(t, clock, 10)
	ctx := context.Background()

	// A prior delivery completed but its ACK never landed: tracked in pending
	// with no active-set entry.
	prior := deliver(t, bus, "executor-test", execRequest(t, "opp-super", 0.9))
	e.mu.Lock()
	e.pending["opp-super"] = pendingMessage{
		Stream:    domain.StreamExecutionReqs,
		Group:     domain.ExecutionEngineGroup,
		MessageID: prior.ID,
		QueuedAt:  clock.Now(),
	}
	e.mu.Unlock()

	redelivery := deliver(t, bus, "executor-test", execRequest(t, "opp-super", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, redelivery); !errors.Is(err, consumer.ErrAckDeferred) {
		t.Fatalf("redelivery must be tracked, got %v", err)
	}

	// The prior entry's ACK is fire-and-forget; wait for the PEL to shrink to
	// just the redelivery.
	deadline := time.Now().Add(2 * time.Second)
	for pelCount(t, bus) > 1 {
		if time.Now().After(deadline) {
			t.Fatal("superseded message was never ACKed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.mu.Lock()
	tracked := e.pending["opp-super"].MessageID
	e.mu.Unlock()
	if tracked != redelivery.ID {
		t.Errorf("pending index must track the redelivery, got %s", tracked)
	}
}

func TestHandleMessage_BackpressurePausesConsumer(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, _, flow, _ := newTestEngine(t, clock, 1)
	ctx := context.Background()

	first := deliver(t, bus, "executor-test", execRequest(t, "opp-a", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, first); !errors.Is(err, consumer.ErrAckDeferred) {
		t.Fatalf("expected deferred ack, got %v", err)
	}

	second := deliver(t, bus, "executor-test", execRequest(t, "opp-b", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, second); !errors.Is(err, consumer.ErrBackpressure) {
		t.Fatalf("full queue must report backpressure, got %v", err)
	}
	if pauses, _ := flow.counts(); pauses != 1 {
		t.Fatalf("expected one pause signal, got %d", pauses)
	}
	if n := pelCount(t, bus); n != 2 {
		t.Fatalf("backpressured message must stay in PEL, got %d", n)
	}

	// Draining below half-capacity resumes reading.
	e.execute(ctx, <-e.queue)
	e.maybeResume()
	if _, resumes := flow.counts(); resumes != 1 {
		t.Errorf("expected one resume signal, got %d", resumes)
	}
}

func TestSweepStalePending(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, _, _, _ := newTestEngine(t, clock, 10)
	ctx := context.Background()

	msg := deliver(t, bus, "executor-test", execRequest(t, "opp-wedged", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, msg); !errors.Is(err, consumer.ErrAckDeferred) {
		t.Fatalf("expected deferred ack, got %v", err)
	}

	clock.Advance(11 * time.Minute)
	if swept := e.SweepStalePending(ctx); swept != 1 {
		t.Fatalf("expected 1 swept entry, got %d", swept)
	}
	if n := pelCount(t, bus); n != 0 {
		t.Errorf("swept entry must be force-ACKed, PEL=%d", n)
	}

	// The active-set slot is freed: the same opportunity may run again.
	again := deliver(t, bus, "executor-test", execRequest(t, "opp-wedged", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, again); !errors.Is(err, consumer.ErrAckDeferred) {
		t.Errorf("sweep must unlock the opportunity, got %v", err)
	}
}

func TestDrainCompleted_LeavesInFlight(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, _, _, _ := newTestEngine(t, clock, 10)
	ctx := context.Background()

	inflight := deliver(t, bus, "executor-test", execRequest(t, "opp-inflight", 0.9))
	if err := e.HandleMessage(ctx, domain.StreamExecutionReqs, inflight); !errors.Is(err, consumer.ErrAckDeferred) {
		t.Fatalf("expected deferred ack, got %v", err)
	}

	done := deliver(t, bus, "executor-test", execRequest(t, "opp-done", 0.9))
	e.mu.Lock()
	e.pending["opp-done"] = pendingMessage{
		Stream:    domain.StreamExecutionReqs,
		Group:     domain.ExecutionEngineGroup,
		MessageID: done.ID,
		QueuedAt:  clock.Now(),
	}
	e.mu.Unlock()

	if acked := e.DrainCompleted(ctx); acked != 1 {
		t.Fatalf("expected 1 shutdown ACK, got %d", acked)
	}
	if n := pelCount(t, bus); n != 1 {
		t.Errorf("in-flight entry must stay in PEL for reclaim, got %d", n)
	}
}

func TestRecoverStranded_AcksOnReprocessFailure(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(1_700_000_000, 0))
	e, bus, _, _, s := newTestEngine(t, clock, 10)
	ctx := context.Background()

	// A crashed peer left a malformed entry in its PEL.
	deliver(t, bus, "executor-crashed", map[string]any{"data": "{broken"})
	s.SetTime(time.Now().Add(2 * time.Minute))

	claimed, err := e.RecoverStranded(ctx, e.HandleMessage)
	if err != nil {
		t.Fatalf("RecoverStranded failed: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected 1 claim, got %d", claimed)
	}
	if n := pelCount(t, bus); n != 0 {
		t.Errorf("failed reprocess must ACK to stop the retry loop, PEL=%d", n)
	}
}
