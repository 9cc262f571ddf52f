package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/lecture-transcriber/internal/audio"
	"github.com/lexiqai/lecture-transcriber/internal/courseapi"
	"github.com/lexiqai/lecture-transcriber/internal/observability"
	"github.com/lexiqai/lecture-transcriber/internal/transcript"
	"github.com/lexiqai/lecture-transcriber/internal/transcription"
)

var (
	ErrAlreadyStarted   = errors.New("session already started")
	ErrInvalidState     = errors.New("operation not valid in current session state")
	ErrAlreadySubmitted = errors.New("transcript already submitted")
	ErrEmptyTranscript  = errors.New("transcript is empty")
	ErrNoSubmitter      = errors.New("no transcript submitter configured")
)

// Transcriber is the socket client as seen by the session
type Transcriber interface {
	audio.ChunkSink
	SetCallbacks(cb transcription.Callbacks)
	ClearTranscriptionCallback()
	Connect() error
	SendEndOfAudio() error
	Close() error
}

// Capture is the microphone streamer as seen by the session
type Capture interface {
	Start() error
	Pause()
	Resume()
	Stop() error
}

// Submitter hands a finalized transcript to the course backend
type Submitter interface {
	SubmitTranscript(ctx context.Context, weekID int, content, textType string) error
}

// TranscriberFactory builds a fresh socket client for each session
type TranscriberFactory func() Transcriber

// CaptureFactory builds a fresh streamer that delivers chunks to sink
type CaptureFactory func(sink audio.ChunkSink) (Capture, error)

// Options configures a Controller
type Options struct {
	NewTranscriber TranscriberFactory
	NewCapture     CaptureFactory
	Submitter      Submitter
	TickInterval   time.Duration // elapsed time resolution, default 1s
}

// Controller sequences one recording at a time: connect, wait for the
// backend, stream audio, merge segments and finalize. All state changes run
// on a single executor goroutine.
type Controller struct {
	newTranscriber TranscriberFactory
	newCapture     CaptureFactory
	submitter      Submitter
	tickInterval   time.Duration
	engine         *transcript.Engine
	exec           *executor

	// Owned by the executor
	sessionID   string
	state       State
	loading     bool
	elapsed     time.Duration
	finalScript string
	backend     string
	language    string
	notice      string
	submitted   bool
	submitting  bool
	err         error
	client      Transcriber
	capture     Capture
	tickStop    chan struct{}
	metrics     *observability.SessionMetrics
	logger      zerolog.Logger

	statusMu sync.RWMutex
	status   Status
	subs     map[chan Status]struct{}
}

// NewController creates an idle controller
func NewController(opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	c := &Controller{
		newTranscriber: opts.NewTranscriber,
		newCapture:     opts.NewCapture,
		submitter:      opts.Submitter,
		tickInterval:   opts.TickInterval,
		engine:         transcript.NewEngine(),
		logger:         observability.Component("session"),
		subs:           make(map[chan Status]struct{}),
	}
	c.exec = newExecutor(c.publish)
	return c
}

// Engine exposes the merge engine for export
func (c *Controller) Engine() *transcript.Engine {
	return c.engine
}

// Status returns the latest published snapshot
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Subscribe returns a channel receiving every status change and a cancel func.
// Slow subscribers miss intermediate snapshots rather than blocking the session.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	c.statusMu.Lock()
	c.subs[ch] = struct{}{}
	c.statusMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.statusMu.Lock()
			delete(c.subs, ch)
			c.statusMu.Unlock()
		})
	}
}

// Start begins a new session. Capture starts only once the backend reports ready.
func (c *Controller) Start() error {
	return c.exec.do(c.start)
}

// Pause halts capture and the elapsed clock; the connection stays open
func (c *Controller) Pause() error {
	return c.exec.do(c.pause)
}

// Resume restarts capture and the elapsed clock
func (c *Controller) Resume() error {
	return c.exec.do(c.resume)
}

// Stop ends capture, tells the backend no more audio follows and closes the connection
func (c *Controller) Stop() error {
	return c.exec.do(c.stop)
}

// Finalize snapshots the rendered transcript as the final script
func (c *Controller) Finalize() (string, error) {
	var script string
	err := c.exec.do(func() error {
		var err error
		script, err = c.finalize()
		return err
	})
	return script, err
}

// Submit sends the final script to the course backend, at most once per session
func (c *Controller) Submit(ctx context.Context, weekID int) error {
	var script string
	err := c.exec.do(func() error {
		switch {
		case c.submitter == nil:
			return ErrNoSubmitter
		case c.state != StateFinalized:
			return fmt.Errorf("%w: submit requires finalized, session is %s", ErrInvalidState, c.state)
		case c.submitted || c.submitting:
			return ErrAlreadySubmitted
		case strings.TrimSpace(c.finalScript) == "":
			return ErrEmptyTranscript
		}
		c.submitting = true
		script = c.finalScript
		return nil
	})
	if err != nil {
		return err
	}

	submitErr := c.submitter.SubmitTranscript(ctx, weekID, script, courseapi.DefaultTextType)

	if err := c.exec.do(func() error {
		c.submitting = false
		if submitErr != nil {
			c.logger.Error().Err(submitErr).Int("week_id", weekID).Msg("Transcript submission failed")
			return nil
		}
		c.submitted = true
		c.logger.Info().Int("week_id", weekID).Int("length", len(script)).Msg("Transcript submitted")
		return nil
	}); err != nil {
		return err
	}

	if submitErr != nil {
		return fmt.Errorf("submitting transcript: %w", submitErr)
	}
	return nil
}

// Close stops any active session and shuts down the executor
func (c *Controller) Close() error {
	err := c.exec.do(func() error {
		if c.state.Active() {
			return c.stop()
		}
		return nil
	})
	c.exec.close()

	c.statusMu.Lock()
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.statusMu.Unlock()

	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Controller) start() error {
	if c.state.Active() {
		return ErrAlreadyStarted
	}
	if c.newTranscriber == nil || c.newCapture == nil {
		return errors.New("session factories not configured")
	}

	// Reset per-session state
	c.sessionID = observability.NewCorrelationID()
	c.logger = observability.WithCorrelationID(c.sessionID).With().Str("component", "session").Logger()
	c.metrics = observability.NewSessionMetrics(c.sessionID)
	c.elapsed = 0
	c.finalScript = ""
	c.backend, c.language, c.notice = "", "", ""
	c.submitted, c.submitting = false, false
	c.err = nil
	c.engine.Reset()

	client := c.newTranscriber()
	capture, err := c.newCapture(client)
	if err != nil {
		client.Close()
		c.fail(fmt.Errorf("creating capture: %w", err))
		return c.err
	}

	c.client = client
	c.capture = capture
	c.loading = true
	c.state = StateStarting
	client.SetCallbacks(c.callbacksFor(client))

	c.metrics.RecordConnectStart()
	if err := client.Connect(); err != nil {
		c.teardown()
		c.fail(fmt.Errorf("connecting: %w", err))
		return c.err
	}

	c.logger.Info().Msg("Session starting, waiting for backend")
	return nil
}

// callbacksFor routes client events onto the executor, ignoring events from
// clients that no longer belong to the session
func (c *Controller) callbacksFor(client Transcriber) transcription.Callbacks {
	guard := func(fn func()) {
		c.exec.post(func() {
			if c.client != client {
				return
			}
			fn()
		})
	}

	return transcription.Callbacks{
		OnStatus: func(status, message string) {
			guard(func() { c.notice = strings.TrimSpace(status + " " + message) })
		},
		OnServerReady: func(backend string) {
			guard(func() { c.onServerReady(backend) })
		},
		OnTranscription: func(payload []byte) {
			guard(func() { c.onTranscription(payload) })
		},
		OnLanguageDetected: func(language string, _ float64) {
			guard(func() { c.language = language })
		},
		OnDisconnect: func() {
			guard(c.onServerDisconnect)
		},
		OnRawText: func(text string) {
			guard(func() {
				if c.state.Active() {
					c.engine.ApplyRawText(text)
				}
			})
		},
		OnRetriesExhausted: func(err error) {
			guard(func() {
				if c.state.Active() {
					c.teardown()
					c.fail(err)
				}
			})
		},
	}
}

func (c *Controller) onServerReady(backend string) {
	c.backend = backend
	if c.state != StateStarting {
		// Ready after a reconnect; capture is already running
		c.logger.Info().Str("state", c.state.String()).Msg("Backend ready again after reconnect")
		return
	}

	if err := c.capture.Start(); err != nil {
		c.teardown()
		c.fail(fmt.Errorf("starting capture: %w", err))
		return
	}

	c.metrics.RecordServerReady()
	c.loading = false
	c.state = StateRecording
	c.startTicker()
	c.logger.Info().Str("backend", backend).Msg("Recording")
}

func (c *Controller) onTranscription(payload []byte) {
	if !c.state.Active() {
		return
	}
	if _, err := c.engine.ApplyBatch(payload); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping segment batch")
	}
}

// onServerDisconnect handles the backend ending the session on its time limit
func (c *Controller) onServerDisconnect() {
	if !c.state.Active() {
		return
	}
	c.logger.Warn().Msg("Backend ended the session")
	c.stopTicker()
	if err := c.capture.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to stop capture")
	}
	c.client.ClearTranscriptionCallback()
	c.loading = true
	c.state = StateStopped
	c.metrics.RecordSessionEnd("server_disconnect")
}

func (c *Controller) pause() error {
	switch c.state {
	case StatePaused:
		return nil
	case StateRecording:
	default:
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, c.state)
	}

	c.capture.Pause()
	c.stopTicker()
	c.state = StatePaused
	c.metrics.RecordPause()
	c.logger.Info().Dur("elapsed", c.elapsed).Msg("Recording paused")
	return nil
}

func (c *Controller) resume() error {
	switch c.state {
	case StateRecording:
		return nil
	case StatePaused:
	default:
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, c.state)
	}

	c.capture.Resume()
	c.startTicker()
	c.state = StateRecording
	c.metrics.RecordResume()
	c.logger.Info().Msg("Recording resumed")
	return nil
}

func (c *Controller) stop() error {
	switch {
	case c.state == StateStopped:
		return nil
	case !c.state.Active():
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, c.state)
	}

	c.stopTicker()

	var errs []error
	if err := c.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping capture: %w", err))
	}
	if err := c.client.SendEndOfAudio(); err != nil {
		c.logger.Warn().Err(err).Msg("End of audio not delivered")
	}
	c.client.ClearTranscriptionCallback()
	if err := c.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transcription client: %w", err))
	}

	c.loading = true
	c.state = StateStopped
	c.metrics.RecordSessionEnd("stopped")
	c.logger.Info().Dur("elapsed", c.elapsed).Msg("Recording stopped")
	return errors.Join(errs...)
}

func (c *Controller) finalize() (string, error) {
	switch c.state {
	case StateFinalized:
		return c.finalScript, nil
	case StateStopped, StateFailed:
	default:
		return "", fmt.Errorf("%w: cannot finalize while %s", ErrInvalidState, c.state)
	}

	c.loading = false
	c.finalScript = c.engine.FinalText()
	c.state = StateFinalized
	c.logger.Info().Int("length", len(c.finalScript)).Msg("Transcript finalized")
	return c.finalScript, nil
}

// teardown releases capture and connection without signalling end of audio
func (c *Controller) teardown() {
	c.stopTicker()
	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to stop capture")
		}
	}
	if c.client != nil {
		c.client.Close()
	}
}

func (c *Controller) fail(err error) {
	c.err = err
	c.loading = false
	c.state = StateFailed
	if c.metrics != nil {
		c.metrics.RecordSessionEnd("failed")
	}
	observability.RecordError("session_failed", "session")
	c.logger.Error().Err(err).Msg("Session failed")
}

func (c *Controller) startTicker() {
	if c.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	c.tickStop = stop
	interval := c.tickInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.exec.post(func() {
					// Ticks queued before stopTicker ran are discarded
					if c.tickStop == stop {
						c.elapsed += interval
					}
				})
			}
		}
	}()
}

func (c *Controller) stopTicker() {
	if c.tickStop == nil {
		return
	}
	close(c.tickStop)
	c.tickStop = nil
}

// publish runs after every executor task and fans out changed snapshots
func (c *Controller) publish() {
	next := Status{
		SessionID:   c.sessionID,
		State:       c.state,
		Loading:     c.loading,
		Elapsed:     c.elapsed,
		Transcript:  c.engine.Transcript(),
		FinalScript: c.finalScript,
		Backend:     c.backend,
		Language:    c.language,
		Notice:      c.notice,
		Submitted:   c.submitted,
		Err:         c.err,
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if next.equal(c.status) {
		return
	}
	c.status = next
	for ch := range c.subs {
		select {
		case ch <- next:
		default:
		}
	}
}
