package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/analysis"
	"github.com/example/ai-check-client/internal/apperror"
	"github.com/example/ai-check-client/internal/clock"
	"github.com/example/ai-check-client/internal/logging"
)

// State is the lifecycle position of the current analysis request.
type State string

const (
	StateIdle              State = "idle"
	StateFileSelected      State = "file_selected"
	StateSubmitting        State = "submitting"
	StatePolling           State = "polling"
	StateAttemptsExhausted State = "attempts_exhausted"
	StateTerminal          State = "terminal"
)

// Exhaustion records why automatic polling gave up.
type Exhaustion string

const (
	ExhaustedAttempts Exhaustion = "attempt_cap"
	ExhaustedTimeout  Exhaustion = "timeout"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 60 * time.Second
	DefaultMaxAttempts  = 3
)

const (
	MessageNoFile          = "please select an image"
	MessageNoAnalysis      = "there is no analysis to retry"
	MessageAlreadyFinished = "the analysis has already finished"
	MessageBusy            = "a request is already in progress"
	MessageStillProcessing = "the results are still being processed, you can fetch them manually later"
	MessageTimedOut        = "timed out waiting for the results, please fetch them manually later"
	MessageRetryProcessing = "the results are still being processed, you can try again"
	MessageRetryFailed     = "could not fetch the results, please try again"
)

// AttemptsFailedMessage is the notice shown when polling gave up after the
// given number of attempts and the last one failed.
func AttemptsFailedMessage(attempts int) string {
	return fmt.Sprintf("could not fetch the results after %d attempts", attempts)
}

// ErrSuperseded is returned when a Reset or a newer request overtook the call.
var ErrSuperseded = errors.New("usecase: request superseded")

// NoticeLevel distinguishes informational notices from errors.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is the message currently shown to the user.
type Notice struct {
	Level NoticeLevel
	Text  string
	Kind  apperror.Kind
}

// Snapshot is an immutable view of the flow at one point in time.
type Snapshot struct {
	Version    uint64
	State      State
	FileName   string
	Preview    string
	AnalysisID string
	Result     *analysis.Result
	Attempts   int
	Polling    bool
	Retrying   bool
	Exhaustion Exhaustion
	Notice     Notice
}

// Observer is told about every change. It must not call back into the Flow.
type Observer func(Snapshot)

// Option customises a Flow.
type Option func(*Flow)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(f *Flow) { f.clock = c }
}

// WithMaxAttempts sets how many automatic polls run before giving up.
func WithMaxAttempts(n int) Option {
	return func(f *Flow) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(f *Flow) { f.observers = append(f.observers, o) }
}

// Flow owns the lifecycle of one analysis request: file selection, submission,
// automatic polling, manual retry and reset. At most one poll loop is active;
// each loop holds a token that any newer request invalidates.
type Flow struct {
	client       analysis.Client
	clock        clock.Clock
	logger       *zap.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
	maxAttempts  int
	observers    []Observer

	mu         sync.Mutex
	version    uint64
	generation uint64
	state      State
	upload     *analysis.Upload
	preview    string
	analysisID string
	result     *analysis.Result
	attempts   int
	lastFailed bool
	retrying   bool
	exhaustion Exhaustion
	notice     Notice
	poll       *pollToken
}

// NewFlow returns an idle Flow.
func NewFlow(client analysis.Client, logger *zap.Logger, opts ...Option) *Flow {
	f := &Flow{
		client:       client,
		clock:        clock.Real(),
		logger:       logger.Named("upload_flow"),
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
		maxAttempts:  DefaultMaxAttempts,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// pollToken is the cancellation handle of one poll loop. stop is idempotent.
type pollToken struct {
	cancel   context.CancelFunc
	ticker   clock.Ticker
	deadline clock.Timer
	stopped  bool
}

func (t *pollToken) stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.cancel()
	t.ticker.Stop()
	if t.deadline != nil {
		t.deadline.Stop()
	}
}

// SelectFile validates and stores a new file. Any previous request is
// discarded. A rejected file leaves the flow untouched.
func (f *Flow) SelectFile(upload analysis.Upload) error {
	if err := analysis.ValidateUpload(upload); err != nil {
		return err
	}
	preview := analysis.Preview(upload)

	f.mu.Lock()
	f.invalidateLocked()
	f.clearRequestLocked()
	f.upload = &upload
	f.preview = preview
	f.state = StateFileSelected
	snap := f.changedLocked()
	f.mu.Unlock()

	f.logger.Debug("file selected", zap.String("file", upload.Name), zap.Int64("bytes", upload.Size()))
	f.notify(snap)
	return nil
}

// Submit sends the selected file and starts polling for its result.
func (f *Flow) Submit(ctx context.Context) (string, error) {
	f.mu.Lock()
	if f.upload == nil {
		f.mu.Unlock()
		return "", apperror.InvalidInput(MessageNoFile)
	}
	if f.state == StateSubmitting {
		f.mu.Unlock()
		return "", apperror.InvalidInput(MessageBusy)
	}
	f.invalidateLocked()
	f.clearRequestLocked()
	f.state = StateSubmitting
	generation := f.generation
	upload := *f.upload
	snap := f.changedLocked()
	f.mu.Unlock()
	f.notify(snap)

	analysisID, err := f.client.Submit(ctx, upload)

	f.mu.Lock()
	if generation != f.generation {
		f.mu.Unlock()
		f.logger.Debug("discarding superseded submit", zap.String("analysis_id", analysisID))
		return "", ErrSuperseded
	}
	if err != nil {
		f.state = StateFileSelected
		f.notice = errorNotice(err)
		snap = f.changedLocked()
		f.mu.Unlock()
		f.logger.Warn("submit failed", zap.String("file", upload.Name), zap.Error(err))
		f.notify(snap)
		return "", err
	}

	f.analysisID = analysisID
	f.startPollingLocked(ctx)
	snap = f.changedLocked()
	f.mu.Unlock()

	f.logger.Info("analysis submitted", zap.String("analysis_id", analysisID))
	f.notify(snap)
	return analysisID, nil
}

// ManualRetry performs one result fetch outside the poll loop. It neither
// re-arms the loop nor touches the attempt counter.
func (f *Flow) ManualRetry(ctx context.Context) (*analysis.Result, error) {
	f.mu.Lock()
	analysisID := f.analysisID
	switch {
	case analysisID == "":
		f.mu.Unlock()
		return nil, apperror.InvalidInput(MessageNoAnalysis)
	case f.state == StateTerminal:
		f.mu.Unlock()
		return nil, apperror.InvalidInput(MessageAlreadyFinished)
	case f.retrying:
		f.mu.Unlock()
		return nil, apperror.InvalidInput(MessageBusy)
	}
	f.retrying = true
	f.notice = Notice{}
	generation := f.generation
	snap := f.changedLocked()
	f.mu.Unlock()
	f.notify(snap)

	opLogger := logging.WithOperation(f.logger, "usecase.manual_retry", analysisID)
	result, err := f.client.FetchResult(ctx, analysisID)

	f.mu.Lock()
	if generation != f.generation {
		f.mu.Unlock()
		opLogger.Debug("discarding superseded manual retry")
		return nil, ErrSuperseded
	}
	f.retrying = false

	// The poll loop finished first; its terminal result stands.
	if f.state == StateTerminal {
		snap = f.changedLocked()
		f.mu.Unlock()
		opLogger.Debug("discarding manual retry that finished after the analysis")
		f.notify(snap)
		return nil, ErrSuperseded
	}

	switch {
	case err != nil:
		f.notice = Notice{Level: NoticeError, Text: MessageRetryFailed, Kind: kindOf(err)}
		snap = f.changedLocked()
		f.mu.Unlock()
		opLogger.Warn("manual retry failed", zap.Error(err))
		f.notify(snap)
		return nil, err
	case result.Status.Terminal():
		f.poll.stop()
		f.poll = nil
		f.result = result
		f.state = StateTerminal
		f.exhaustion = ""
		f.notice = Notice{}
		snap = f.changedLocked()
		f.mu.Unlock()
		opLogger.Info("analysis finished", zap.String("status", string(result.Status)))
		f.notify(snap)
		return result, nil
	default:
		f.result = result
		f.notice = Notice{Level: NoticeInfo, Text: MessageRetryProcessing}
		snap = f.changedLocked()
		f.mu.Unlock()
		f.notify(snap)
		return result, nil
	}
}

// Reset cancels any polling and returns to Idle with nothing selected.
func (f *Flow) Reset() {
	f.mu.Lock()
	f.invalidateLocked()
	f.clearRequestLocked()
	f.upload = nil
	f.preview = ""
	f.state = StateIdle
	snap := f.changedLocked()
	f.mu.Unlock()
	f.notify(snap)
}

// Snapshot returns the current state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Flow) startPollingLocked(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	token := &pollToken{cancel: cancel}
	token.ticker = f.clock.NewTicker(f.pollInterval)
	token.deadline = f.clock.AfterFunc(f.pollTimeout, func() { f.onPollTimeout(token) })

	f.poll = token
	f.state = StatePolling
	f.attempts = 0
	f.lastFailed = false

	go f.pollLoop(loopCtx, token, f.analysisID)
}

func (f *Flow) pollLoop(ctx context.Context, token *pollToken, analysisID string) {
	opLogger := logging.WithOperation(f.logger, "usecase.poll", analysisID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-token.ticker.C():
		}

		result, err := f.client.FetchResult(ctx, analysisID)
		if f.applyPoll(token, result, err, opLogger) {
			return
		}
	}
}

// applyPoll records one poll outcome and reports whether the loop must exit.
func (f *Flow) applyPoll(token *pollToken, result *analysis.Result, err error, opLogger *zap.Logger) bool {
	f.mu.Lock()
	if f.poll != token || token.stopped {
		f.mu.Unlock()
		opLogger.Debug("discarding stale poll response")
		return true
	}

	if err == nil && result.Status.Terminal() {
		token.stop()
		f.poll = nil
		f.result = result
		f.state = StateTerminal
		f.notice = Notice{}
		snap := f.changedLocked()
		f.mu.Unlock()
		opLogger.Info("analysis finished", zap.String("status", string(result.Status)))
		f.notify(snap)
		return true
	}

	if err != nil {
		if isTransientError(err) {
			opLogger.Warn("transient poll failure", zap.Error(err))
		} else {
			opLogger.Warn("poll attempt failed", zap.Error(err))
		}
	} else {
		f.result = result
	}
	f.attempts++
	f.lastFailed = err != nil

	exit := false
	if f.attempts >= f.maxAttempts {
		token.stop()
		f.poll = nil
		f.state = StateAttemptsExhausted
		f.exhaustion = ExhaustedAttempts
		if f.lastFailed {
			f.notice = Notice{Level: NoticeError, Text: AttemptsFailedMessage(f.maxAttempts), Kind: kindOf(err)}
		} else {
			f.notice = Notice{Level: NoticeInfo, Text: MessageStillProcessing}
		}
		exit = true
	}
	snap := f.changedLocked()
	f.mu.Unlock()

	if exit {
		opLogger.Info("automatic polling stopped", zap.Int("attempts", snap.Attempts), zap.Bool("last_failed", err != nil))
	}
	f.notify(snap)
	return exit
}

func (f *Flow) onPollTimeout(token *pollToken) {
	f.mu.Lock()
	if f.poll != token || token.stopped {
		f.mu.Unlock()
		return
	}
	token.stop()
	f.poll = nil
	f.state = StateAttemptsExhausted
	f.exhaustion = ExhaustedTimeout
	if f.lastFailed {
		f.notice = Notice{Level: NoticeError, Text: AttemptsFailedMessage(f.maxAttempts), Kind: apperror.KindTransportFailure}
	} else {
		f.notice = Notice{Level: NoticeError, Text: MessageTimedOut, Kind: apperror.KindTimeout}
	}
	snap := f.changedLocked()
	f.mu.Unlock()

	logging.WithOperation(f.logger, "usecase.poll", snap.AnalysisID).Warn("polling timed out", zap.Duration("timeout", f.pollTimeout))
	f.notify(snap)
}

// invalidateLocked stops the active loop and makes every in-flight completion
// of the current request stale.
func (f *Flow) invalidateLocked() {
	f.generation++
	f.poll.stop()
	f.poll = nil
	f.retrying = false
}

func (f *Flow) clearRequestLocked() {
	f.analysisID = ""
	f.result = nil
	f.attempts = 0
	f.lastFailed = false
	f.exhaustion = ""
	f.notice = Notice{}
}

func (f *Flow) changedLocked() Snapshot {
	f.version++
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:    f.version,
		State:      f.state,
		Preview:    f.preview,
		AnalysisID: f.analysisID,
		Attempts:   f.attempts,
		Polling:    f.poll != nil,
		Retrying:   f.retrying,
		Exhaustion: f.exhaustion,
		Notice:     f.notice,
	}
	if f.upload != nil {
		snap.FileName = f.upload.Name
	}
	if f.result != nil {
		r := *f.result
		snap.Result = &r
	}
	return snap
}

func (f *Flow) notify(snap Snapshot) {
	for _, o := range f.observers {
		o(snap)
	}
}

func errorNotice(err error) Notice {
	return Notice{Level: NoticeError, Text: apperror.Message(err), Kind: kindOf(err)}
}

func kindOf(err error) apperror.Kind {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return apperror.KindTransportFailure
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
