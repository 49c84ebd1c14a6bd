package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/analysis"
	"github.com/example/ai-check-client/internal/apperror"
	"github.com/example/ai-check-client/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type pollResponse struct {
	result *analysis.Result
	err    error
}

type stubClient struct {
	mu sync.Mutex

	submitID   string
	submitErr  error
	submitGate chan struct{}

	// responses are served in order; the last one repeats.
	responses []pollResponse
	// fetchGate, when set, holds every fetch until it is closed, ignoring
	// cancellation, so late responses can be simulated.
	fetchGate chan struct{}
	// hang makes fetches block until their context is cancelled.
	hang bool

	submits int
	fetches int
}

func (s *stubClient) Submit(ctx context.Context, upload analysis.Upload) (string, error) {
	s.mu.Lock()
	s.submits++
	gate := s.submitGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.submitID, nil
}

func (s *stubClient) FetchResult(ctx context.Context, analysisID string) (*analysis.Result, error) {
	s.mu.Lock()
	s.fetches++
	n := s.fetches
	gate, hang := s.fetchGate, s.hang
	var resp pollResponse
	if len(s.responses) > 0 {
		idx := n - 1
		if idx >= len(s.responses) {
			idx = len(s.responses) - 1
		}
		resp = s.responses[idx]
	}
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		<-gate
	}
	if resp.err != nil {
		return nil, resp.err
	}
	r := *resp.result
	r.AnalysisID = analysisID
	return &r, nil
}

func (s *stubClient) setResponses(responses ...pollResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = responses
	s.fetches = 0
}

func (s *stubClient) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func pending() pollResponse { return pollResponse{result: &analysis.Result{Status: analysis.StatusPending}} }

func processing() pollResponse {
	return pollResponse{result: &analysis.Result{Status: analysis.StatusProcessing}}
}

func completed() pollResponse {
	isAI := true
	confidence := 0.91
	return pollResponse{result: &analysis.Result{Status: analysis.StatusCompleted, IsAIGenerated: &isAI, Confidence: &confidence}}
}

func failed() pollResponse { return pollResponse{result: &analysis.Result{Status: analysis.StatusFailed}} }

func transportErr() pollResponse {
	return pollResponse{err: apperror.Transport("failed to fetch the results", errors.New("502"))}
}

func image() analysis.Upload {
	return analysis.Upload{Name: "cat.png", ContentType: "image/png", Data: []byte("png")}
}

func newTestFlow(t *testing.T, client *stubClient) (*Flow, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(epoch)
	return NewFlow(client, zap.NewNop(), WithClock(fc)), fc
}

func submitImage(t *testing.T, flow *Flow) string {
	t.Helper()
	if err := flow.SelectFile(image()); err != nil {
		t.Fatalf("select file failed: %v", err)
	}
	id, err := flow.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return id
}

func waitFor(t *testing.T, flow *Flow, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := flow.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, snap)
		}
		time.Sleep(time.Millisecond)
	}
}

// tick advances one poll interval and waits until the flow has recorded n
// automatic poll outcomes.
func tick(t *testing.T, flow *Flow, fc *clock.Fake, client *stubClient, n int) Snapshot {
	t.Helper()
	fc.Advance(DefaultPollInterval)
	return waitFor(t, flow, "poll outcome", func(s Snapshot) bool {
		return client.fetchCount() >= n && (s.Attempts >= n || s.State == StateTerminal)
	})
}

func TestSelectFileRejectsInvalidFilesWithoutChangingState(t *testing.T) {
	flow, _ := newTestFlow(t, &stubClient{})
	before := flow.Snapshot()

	tooBig := analysis.Upload{Name: "big.png", ContentType: "image/png", Data: make([]byte, analysis.MaxUploadSize+1)}
	for _, upload := range []analysis.Upload{
		{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hi")},
		tooBig,
	} {
		if err := flow.SelectFile(upload); !apperror.Is(err, apperror.KindInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", upload.Name, err)
		}
	}

	after := flow.Snapshot()
	if after.Version != before.Version || after.State != StateIdle || after.Preview != "" {
		t.Fatalf("state changed after rejected files: %+v", after)
	}
}

func TestSelectFileStoresPreview(t *testing.T) {
	flow, _ := newTestFlow(t, &stubClient{})
	if err := flow.SelectFile(image()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := flow.Snapshot()
	if snap.State != StateFileSelected || snap.FileName != "cat.png" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Preview != analysis.Preview(image()) {
		t.Fatalf("unexpected preview %q", snap.Preview)
	}
}

func TestSubmitWithoutFileIsInvalidInput(t *testing.T) {
	client := &stubClient{submitID: "an-1"}
	flow, _ := newTestFlow(t, client)

	if _, err := flow.Submit(context.Background()); !apperror.Is(err, apperror.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if client.submits != 0 {
		t.Fatal("no network call should be made without a file")
	}
}

func TestSubmitFailureReturnsToFileSelected(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitErr: apperror.Transport("file_b64 is required", nil)}
	flow, fc := newTestFlow(t, client)
	if err := flow.SelectFile(image()); err != nil {
		t.Fatalf("select file failed: %v", err)
	}

	_, err := flow.Submit(context.Background())
	if !apperror.Is(err, apperror.KindTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	snap := flow.Snapshot()
	if snap.State != StateFileSelected || snap.Polling || snap.AnalysisID != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Notice.Text != "file_b64 is required" || snap.Notice.Level != NoticeError {
		t.Fatalf("expected server message to be surfaced, got %+v", snap.Notice)
	}
	if fc.Active() != 0 {
		t.Fatalf("no timers should be armed, got %d", fc.Active())
	}
}

func TestSubmitStartsExactlyOnePollLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{pending()}}
	flow, fc := newTestFlow(t, client)

	id := submitImage(t, flow)
	if id != "an-1" {
		t.Fatalf("unexpected id %q", id)
	}
	snap := flow.Snapshot()
	if snap.State != StatePolling || !snap.Polling || snap.Attempts != 0 || snap.AnalysisID != "an-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if fc.Active() != 2 {
		t.Fatalf("expected one poll ticker and one timeout timer, got %d", fc.Active())
	}

	flow.Reset()
	if fc.Active() != 0 {
		t.Fatalf("reset must disarm every timer, got %d", fc.Active())
	}
}

func TestCompletedOnFirstPollStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{completed()}}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	snap := tick(t, flow, fc, client, 1)
	if snap.State != StateTerminal || snap.Polling {
		t.Fatalf("expected terminal state, got %+v", snap)
	}
	if snap.Result == nil || snap.Result.Status != analysis.StatusCompleted || !*snap.Result.IsAIGenerated {
		t.Fatalf("unexpected result %+v", snap.Result)
	}
	if fc.Active() != 0 {
		t.Fatalf("expected timers to be disarmed, got %d", fc.Active())
	}

	fc.Advance(10 * time.Second)
	if got := client.fetchCount(); got != 1 {
		t.Fatalf("expected exactly one poll, got %d", got)
	}
}

func TestFailedStatusIsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{processing(), failed()}}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	tick(t, flow, fc, client, 1)
	snap := tick(t, flow, fc, client, 2)
	if snap.State != StateTerminal || snap.Result.Status != analysis.StatusFailed {
		t.Fatalf("expected failed terminal result, got %+v", snap)
	}
	if snap.Notice.Text != "" {
		t.Fatalf("terminal result should clear notices, got %+v", snap.Notice)
	}
}

func TestPendingEveryPollExhaustsAfterThreeAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{pending()}}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	var snap Snapshot
	for i := 1; i <= DefaultMaxAttempts; i++ {
		snap = tick(t, flow, fc, client, i)
	}

	if elapsed := fc.Now().Sub(epoch); elapsed != 6*time.Second {
		t.Fatalf("expected 6 simulated seconds, got %s", elapsed)
	}
	if snap.State != StateAttemptsExhausted || snap.Exhaustion != ExhaustedAttempts {
		t.Fatalf("expected attempts exhausted, got %+v", snap)
	}
	if snap.Notice.Text != MessageStillProcessing || snap.Notice.Level != NoticeInfo {
		t.Fatalf("expected still-processing notice, got %+v", snap.Notice)
	}
	if snap.Result == nil || snap.Result.Status != analysis.StatusPending {
		t.Fatalf("expected the last pending result to be kept, got %+v", snap.Result)
	}
	if fc.Active() != 0 {
		t.Fatalf("expected timers to be disarmed, got %d", fc.Active())
	}

	fc.Advance(time.Minute)
	if got := client.fetchCount(); got != DefaultMaxAttempts {
		t.Fatalf("expected exactly %d polls, got %d", DefaultMaxAttempts, got)
	}
}

func TestErrorEveryPollExhaustsWithGenericMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{transportErr()}}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	var snap Snapshot
	for i := 1; i <= DefaultMaxAttempts; i++ {
		snap = tick(t, flow, fc, client, i)
	}

	if snap.State != StateAttemptsExhausted {
		t.Fatalf("expected attempts exhausted, got %+v", snap)
	}
	if snap.Notice.Text != AttemptsFailedMessage(DefaultMaxAttempts) || snap.Notice.Level != NoticeError || snap.Notice.Kind != apperror.KindTransportFailure {
		t.Fatalf("expected generic failure notice, got %+v", snap.Notice)
	}
	if got := client.fetchCount(); got != DefaultMaxAttempts {
		t.Fatalf("expected exactly %d polls, got %d", DefaultMaxAttempts, got)
	}
}

func TestExhaustionMessageFollowsLastAttempt(t *testing.T) {
	tests := []struct {
		name      string
		responses []pollResponse
		message   string
	}{
		{name: "errors then pending", responses: []pollResponse{transportErr(), transportErr(), pending()}, message: MessageStillProcessing},
		{name: "pending then error", responses: []pollResponse{pending(), processing(), transportErr()}, message: AttemptsFailedMessage(DefaultMaxAttempts)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			client := &stubClient{submitID: "an-1", responses: tt.responses}
			flow, fc := newTestFlow(t, client)
			submitImage(t, flow)

			var snap Snapshot
			for i := 1; i <= DefaultMaxAttempts; i++ {
				snap = tick(t, flow, fc, client, i)
			}
			if snap.State != StateAttemptsExhausted || snap.Notice.Text != tt.message {
				t.Fatalf("expected %q, got %+v", tt.message, snap)
			}
		})
	}
}

func TestTimeoutStopsSlowPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", hang: true}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	fc.Advance(DefaultPollInterval)
	waitFor(t, flow, "first fetch to start", func(Snapshot) bool { return client.fetchCount() == 1 })

	fc.Advance(DefaultPollTimeout - DefaultPollInterval)
	snap := flow.Snapshot()
	if snap.State != StateAttemptsExhausted || snap.Exhaustion != ExhaustedTimeout {
		t.Fatalf("expected timeout exhaustion, got %+v", snap)
	}
	if snap.Notice.Text != MessageTimedOut || snap.Notice.Kind != apperror.KindTimeout {
		t.Fatalf("expected timeout notice, got %+v", snap.Notice)
	}
	if snap.Polling || fc.Active() != 0 {
		t.Fatalf("expected loop to be stopped, polling=%t active=%d", snap.Polling, fc.Active())
	}

	// The cancelled in-flight fetch must not count as an attempt.
	time.Sleep(10 * time.Millisecond)
	if got := flow.Snapshot(); got.Attempts != 0 || got.Notice.Text != MessageTimedOut {
		t.Fatalf("cancelled fetch leaked into state: %+v", got)
	}
}

func TestManualRetryAfterExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{pending()}}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)
	for i := 1; i <= DefaultMaxAttempts; i++ {
		tick(t, flow, fc, client, i)
	}

	client.setResponses(processing())
	result, err := flow.ManualRetry(context.Background())
	if err != nil || result.Status != analysis.StatusProcessing {
		t.Fatalf("unexpected retry outcome %+v, %v", result, err)
	}
	snap := flow.Snapshot()
	if snap.State != StateAttemptsExhausted || snap.Notice.Text != MessageRetryProcessing || snap.Attempts != DefaultMaxAttempts {
		t.Fatalf("expected to stay exhausted with retry notice, got %+v", snap)
	}

	client.setResponses(transportErr())
	if _, err := flow.ManualRetry(context.Background()); err == nil {
		t.Fatal("expected retry error")
	}
	snap = flow.Snapshot()
	if snap.State != StateAttemptsExhausted || snap.Notice.Text != MessageRetryFailed || snap.Notice.Level != NoticeError {
		t.Fatalf("expected generic retry failure, got %+v", snap)
	}

	client.setResponses(completed())
	result, err = flow.ManualRetry(context.Background())
	if err != nil || result.Status != analysis.StatusCompleted {
		t.Fatalf("unexpected retry outcome %+v, %v", result, err)
	}
	snap = flow.Snapshot()
	if snap.State != StateTerminal || snap.Polling || snap.Notice.Text != "" {
		t.Fatalf("expected terminal state, got %+v", snap)
	}

	fc.Advance(time.Minute)
	if got := client.fetchCount(); got != 1 {
		t.Fatalf("manual retry must not re-arm the loop, saw %d fetches", got)
	}
	if fc.Active() != 0 {
		t.Fatalf("expected no armed timers, got %d", fc.Active())
	}

	if _, err := flow.ManualRetry(context.Background()); !apperror.Is(err, apperror.KindInvalidInput) {
		t.Fatalf("expected retry on a finished analysis to be rejected, got %v", err)
	}
}

func TestManualRetryWithoutAnalysis(t *testing.T) {
	client := &stubClient{}
	flow, _ := newTestFlow(t, client)
	if err := flow.SelectFile(image()); err != nil {
		t.Fatalf("select file failed: %v", err)
	}
	if _, err := flow.ManualRetry(context.Background()); !apperror.Is(err, apperror.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if client.fetchCount() != 0 {
		t.Fatal("no fetch expected")
	}
}

func TestManualRetryTerminalWhilePollingStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{completed()}}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	if _, err := flow.ManualRetry(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap := flow.Snapshot(); snap.State != StateTerminal || snap.Polling {
		t.Fatalf("expected terminal, got %+v", snap)
	}
	if fc.Active() != 0 {
		t.Fatalf("expected loop timers to be disarmed, got %d", fc.Active())
	}
}

func TestManualRetryLandingAfterLoopFinishedIsDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t)

	cases := map[string]pollResponse{
		"pending retry": pending(),
		"failed retry":  transportErr(),
	}
	for name, retryResponse := range cases {
		t.Run(name, func(t *testing.T) {
			gate := make(chan struct{})
			client := &stubClient{submitID: "an-1", responses: []pollResponse{retryResponse, completed()}, fetchGate: gate}
			flow, fc := newTestFlow(t, client)
			submitImage(t, flow)

			errCh := make(chan error, 1)
			go func() {
				_, err := flow.ManualRetry(context.Background())
				errCh <- err
			}()
			waitFor(t, flow, "retry fetch to start", func(s Snapshot) bool { return s.Retrying && client.fetchCount() == 1 })

			client.mu.Lock()
			client.fetchGate = nil
			client.mu.Unlock()

			snap := tick(t, flow, fc, client, 2)
			if snap.State != StateTerminal {
				t.Fatalf("expected the loop to finish the analysis, got %+v", snap)
			}

			close(gate)
			select {
			case err := <-errCh:
				if !errors.Is(err, ErrSuperseded) {
					t.Fatalf("expected ErrSuperseded, got %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("manual retry did not return")
			}

			snap = flow.Snapshot()
			if snap.State != StateTerminal || snap.Result == nil || snap.Result.Status != analysis.StatusCompleted {
				t.Fatalf("late retry overwrote the final result: %+v", snap)
			}
			if snap.Notice.Text != "" || snap.Retrying {
				t.Fatalf("late retry left a notice behind: %+v", snap)
			}
			if fc.Active() != 0 {
				t.Fatalf("expected loop timers to be disarmed, got %d", fc.Active())
			}
		})
	}
}

func TestExhaustionMessageUsesConfiguredCap(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &stubClient{submitID: "an-1", responses: []pollResponse{transportErr()}}
	fc := clock.NewFake(epoch)
	flow := NewFlow(client, zap.NewNop(), WithClock(fc), WithMaxAttempts(2))
	submitImage(t, flow)

	tick(t, flow, fc, client, 1)
	snap := tick(t, flow, fc, client, 2)

	if snap.State != StateAttemptsExhausted || snap.Attempts != 2 {
		t.Fatalf("expected exhaustion after 2 attempts, got %+v", snap)
	}
	if want := "could not fetch the results after 2 attempts"; snap.Notice.Text != want {
		t.Fatalf("expected %q, got %q", want, snap.Notice.Text)
	}
}

func TestResetFromAnyStateReturnsToIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	setups := map[string]func(t *testing.T, flow *Flow, fc *clock.Fake, client *stubClient){
		"idle":          func(*testing.T, *Flow, *clock.Fake, *stubClient) {},
		"file selected": func(t *testing.T, flow *Flow, _ *clock.Fake, _ *stubClient) { _ = flow.SelectFile(image()) },
		"polling":       func(t *testing.T, flow *Flow, _ *clock.Fake, _ *stubClient) { submitImage(t, flow) },
		"exhausted": func(t *testing.T, flow *Flow, fc *clock.Fake, client *stubClient) {
			submitImage(t, flow)
			for i := 1; i <= DefaultMaxAttempts; i++ {
				tick(t, flow, fc, client, i)
			}
		},
		"terminal": func(t *testing.T, flow *Flow, fc *clock.Fake, client *stubClient) {
			client.setResponses(completed())
			submitImage(t, flow)
			tick(t, flow, fc, client, 1)
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			client := &stubClient{submitID: "an-1", responses: []pollResponse{pending()}}
			flow, fc := newTestFlow(t, client)
			setup(t, flow, fc, client)

			flow.Reset()
			snap := flow.Snapshot()
			if snap.State != StateIdle || snap.FileName != "" || snap.Preview != "" || snap.AnalysisID != "" || snap.Result != nil || snap.Notice.Text != "" || snap.Polling {
				t.Fatalf("reset left state behind: %+v", snap)
			}
			if fc.Active() != 0 {
				t.Fatalf("reset left %d timers armed", fc.Active())
			}

			if err := flow.SelectFile(image()); err != nil {
				t.Fatalf("select after reset failed: %v", err)
			}
			if snap := flow.Snapshot(); snap.State != StateFileSelected || snap.AnalysisID != "" || snap.Result != nil {
				t.Fatalf("select after reset did not behave like a fresh load: %+v", snap)
			}
		})
	}
}

func TestStalePollResponseIsDiscardedAfterReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	client := &stubClient{submitID: "an-1", responses: []pollResponse{completed()}, fetchGate: gate}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	fc.Advance(DefaultPollInterval)
	waitFor(t, flow, "fetch to start", func(Snapshot) bool { return client.fetchCount() == 1 })

	flow.Reset()
	close(gate)

	time.Sleep(20 * time.Millisecond)
	snap := flow.Snapshot()
	if snap.State != StateIdle || snap.Result != nil {
		t.Fatalf("late response was applied after reset: %+v", snap)
	}
}

func TestStalePollResponseIsDiscardedAfterNewSubmit(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	client := &stubClient{submitID: "an-1", responses: []pollResponse{completed()}, fetchGate: gate}
	flow, fc := newTestFlow(t, client)
	submitImage(t, flow)

	fc.Advance(DefaultPollInterval)
	waitFor(t, flow, "fetch to start", func(Snapshot) bool { return client.fetchCount() == 1 })

	client.mu.Lock()
	client.submitID = "an-2"
	client.fetchGate = nil
	client.responses = []pollResponse{pending()}
	client.mu.Unlock()

	if _, err := flow.Submit(context.Background()); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if fc.Active() != 2 {
		t.Fatalf("expected only the new loop's timers, got %d", fc.Active())
	}

	close(gate)
	time.Sleep(20 * time.Millisecond)
	snap := flow.Snapshot()
	if snap.AnalysisID != "an-2" || snap.State != StatePolling || snap.Result != nil {
		t.Fatalf("late response from the first request leaked: %+v", snap)
	}

	flow.Reset()
}

func TestSupersededSubmitIsDiscarded(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	client := &stubClient{submitID: "an-1", submitGate: gate}
	flow, fc := newTestFlow(t, client)
	if err := flow.SelectFile(image()); err != nil {
		t.Fatalf("select file failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := flow.Submit(context.Background())
		errCh <- err
	}()
	waitFor(t, flow, "submitting", func(s Snapshot) bool { return s.State == StateSubmitting })

	if _, err := flow.Submit(context.Background()); !apperror.Is(err, apperror.KindInvalidInput) {
		t.Fatalf("expected concurrent submit to be rejected, got %v", err)
	}

	flow.Reset()
	close(gate)
	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if snap := flow.Snapshot(); snap.State != StateIdle || snap.AnalysisID != "" || snap.Polling {
		t.Fatalf("superseded submit changed state: %+v", snap)
	}
	if fc.Active() != 0 {
		t.Fatalf("superseded submit armed %d timers", fc.Active())
	}
}

func TestObserverSeesOrderedSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		mu   sync.Mutex
		seen []Snapshot
	)
	spy := func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	}
	want := []State{StateFileSelected, StateSubmitting, StatePolling, StateTerminal}

	fc := clock.NewFake(epoch)
	client := &stubClient{submitID: "an-1", responses: []pollResponse{completed()}}
	flow := NewFlow(client, zap.NewNop(), WithClock(fc), WithObserver(spy))
	submitImage(t, flow)
	fc.Advance(DefaultPollInterval)

	// The final notification is delivered from the poll goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= len(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d notifications, got %d", len(want), n)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected %d notifications, got %d: %+v", len(want), len(seen), seen)
	}
	for i, s := range seen {
		if s.State != want[i] {
			t.Fatalf("notification %d: expected %s, got %s", i, want[i], s.State)
		}
		if i > 0 && s.Version <= seen[i-1].Version {
			t.Fatalf("versions must increase: %d then %d", seen[i-1].Version, s.Version)
		}
	}
}
