package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/lecture-transcriber/internal/audio"
	"github.com/lexiqai/lecture-transcriber/internal/courseapi"
	"github.com/lexiqai/lecture-transcriber/internal/transcription"
)

type fakeTranscriber struct {
	mu         sync.Mutex
	callbacks  transcription.Callbacks
	connects   int
	connectErr error
	chunks     int
	endOfAudio int
	closed     bool
	cleared    bool
	calls      []string
}

func (f *fakeTranscriber) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTranscriber) SetCallbacks(cb transcription.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = cb
}

func (f *fakeTranscriber) ClearTranscriptionCallback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks.OnTranscription = nil
	f.cleared = true
	f.record("clear")
}

func (f *fakeTranscriber) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTranscriber) SendAudio(chunk audio.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks++
	return nil
}

func (f *fakeTranscriber) SendEndOfAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endOfAudio++
	f.record("end_of_audio")
	return nil
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.record("close")
	return nil
}

// cb returns a snapshot of the registered callbacks
func (f *fakeTranscriber) cb() transcription.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks
}

type fakeCapture struct {
	mu       sync.Mutex
	sink     audio.ChunkSink
	startErr error
	started  bool
	paused   bool
	stopped  bool
}

func (f *fakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeCapture) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeCapture) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeCapture) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// emit pushes n full chunks through the sink the session wired in
func (f *fakeCapture) emit(t *testing.T, n int) {
	chunker := audio.NewChunker(audio.ChunkSize)
	for _, chunk := range chunker.Push(make([]byte, n*audio.ChunkSize)) {
		if err := f.sink.SendAudio(chunk); err != nil {
			t.Fatalf("SendAudio failed: %v", err)
		}
	}
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    int
	weekID   int
	content  string
	textType string
	err      error
}

func (f *fakeSubmitter) SubmitTranscript(ctx context.Context, weekID int, content, textType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.weekID, f.content, f.textType = weekID, content, textType
	return f.err
}

type harness struct {
	controller *Controller
	client     *fakeTranscriber
	capture    *fakeCapture
	submitter  *fakeSubmitter
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		client:    &fakeTranscriber{},
		capture:   &fakeCapture{},
		submitter: &fakeSubmitter{},
	}
	h.controller = NewController(Options{
		NewTranscriber: func() Transcriber { return h.client },
		NewCapture: func(sink audio.ChunkSink) (Capture, error) {
			h.capture.sink = sink
			return h.capture, nil
		},
		Submitter:    h.submitter,
		TickInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { h.controller.Close() })
	return h
}

func waitStatus(t *testing.T, c *Controller, what string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.Status(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s, last status %+v", what, c.Status())
	return Status{}
}

func (h *harness) startRecording(t *testing.T) {
	t.Helper()
	if err := h.controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.client.cb().OnServerReady("faster_whisper")
	waitStatus(t, h.controller, "recording", func(s Status) bool { return s.State == StateRecording })
}

func TestController_EndToEnd(t *testing.T) {
	h := newHarness(t)
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s := c.Status()
	if s.State != StateStarting || !s.Loading {
		t.Errorf("Expected starting with loading, got %s loading=%v", s.State, s.Loading)
	}
	if h.capture.isStarted() {
		t.Error("Expected capture to wait for server ready")
	}

	h.client.cb().OnServerReady("faster_whisper")
	s = waitStatus(t, c, "recording", func(s Status) bool { return s.State == StateRecording })
	if s.Loading || s.Backend != "faster_whisper" {
		t.Errorf("Expected loading cleared and backend recorded, got %+v", s)
	}
	if !h.capture.isStarted() {
		t.Error("Expected capture started after server ready")
	}

	h.capture.emit(t, 3)
	if h.client.chunks != 3 {
		t.Errorf("Expected 3 chunks sent, got %d", h.client.chunks)
	}

	cb := h.client.cb()
	cb.OnTranscription([]byte(`{"segments":[{"start":0,"end":1.2,"text":"안녕하세요 여러","completed":false}]}`))
	waitStatus(t, c, "live tail", func(s Status) bool { return s.Transcript == "안녕하세요 여러" })

	cb.OnTranscription([]byte(`{"segments":[{"start":"0","end":"1.8","text":" 안녕하세요 여러분 ","completed":true}]}`))
	waitStatus(t, c, "revision", func(s Status) bool { return s.Transcript == "안녕하세요 여러분" })

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !h.capture.stopped || h.client.endOfAudio != 1 || !h.client.cleared || !h.client.closed {
		t.Errorf("Expected capture stopped, end of audio, callback cleared and client closed; got %+v", h.client.calls)
	}
	expectedOrder := []string{"end_of_audio", "clear", "close"}
	for i, call := range expectedOrder {
		if i >= len(h.client.calls) || h.client.calls[i] != call {
			t.Errorf("Expected call order %v, got %v", expectedOrder, h.client.calls)
			break
		}
	}

	script, err := c.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if script != "안녕하세요 여러분" {
		t.Errorf("Expected final script %q, got %q", "안녕하세요 여러분", script)
	}
	s = c.Status()
	if s.State != StateFinalized || s.Loading || s.FinalScript != script {
		t.Errorf("Unexpected finalized status %+v", s)
	}

	if err := c.Submit(context.Background(), 7); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h.submitter.weekID != 7 || h.submitter.content != script || h.submitter.textType != courseapi.DefaultTextType {
		t.Errorf("Unexpected submission: week=%d type=%s content=%q", h.submitter.weekID, h.submitter.textType, h.submitter.content)
	}
	if err := c.Submit(context.Background(), 7); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("Expected ErrAlreadySubmitted, got %v", err)
	}
	if h.submitter.calls != 1 {
		t.Errorf("Expected exactly one submission, got %d", h.submitter.calls)
	}
}

func TestController_LateSegmentsIgnoredAfterStop(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)

	cb := h.client.cb()
	cb.OnTranscription([]byte(`{"segments":[{"start":0,"end":1,"text":"kept","completed":true}]}`))
	waitStatus(t, h.controller, "segment", func(s Status) bool { return s.Transcript == "kept" })

	h.controller.Stop()
	// A callback captured before deregistration still fires
	cb.OnTranscription([]byte(`{"segments":[{"start":1,"end":2,"text":"late","completed":true}]}`))

	script, _ := h.controller.Finalize()
	if script != "kept" {
		t.Errorf("Expected late segment to be ignored, got %q", script)
	}
}

func TestController_StartTwice(t *testing.T) {
	h := newHarness(t)
	h.controller.Start()

	if err := h.controller.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	if h.client.connects != 1 {
		t.Errorf("Expected one connect, got %d", h.client.connects)
	}
}

func TestController_InvalidTransitions(t *testing.T) {
	h := newHarness(t)
	c := h.controller

	if err := c.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState pausing idle session, got %v", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState stopping idle session, got %v", err)
	}
	if _, err := c.Finalize(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState finalizing idle session, got %v", err)
	}
	if err := c.Submit(context.Background(), 1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState submitting idle session, got %v", err)
	}
}

func TestController_PauseResume(t *testing.T) {
	h := newHarness(t)
	c := h.controller
	h.startRecording(t)

	waitStatus(t, c, "elapsed time", func(s Status) bool { return s.Elapsed >= 30*time.Millisecond })

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Errorf("Expected second Pause to be a no-op, got %v", err)
	}
	paused := c.Status()
	if paused.State != StatePaused || !h.capture.paused {
		t.Errorf("Expected paused session and capture, got %s", paused.State)
	}
	if h.client.closed {
		t.Error("Expected connection to stay open while paused")
	}

	time.Sleep(50 * time.Millisecond)
	if c.Status().Elapsed != paused.Elapsed {
		t.Errorf("Expected elapsed frozen at %v while paused, got %v", paused.Elapsed, c.Status().Elapsed)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if h.capture.paused {
		t.Error("Expected capture resumed")
	}
	waitStatus(t, c, "elapsed to advance", func(s Status) bool { return s.Elapsed > paused.Elapsed })
}

func TestController_RetriesExhaustedFails(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)

	h.client.cb().OnRetriesExhausted(transcription.ErrRetriesExhausted)
	s := waitStatus(t, h.controller, "failed", func(s Status) bool { return s.State == StateFailed })

	if !errors.Is(s.Err, transcription.ErrRetriesExhausted) {
		t.Errorf("Expected ErrRetriesExhausted in status, got %v", s.Err)
	}
	if s.Loading {
		t.Error("Expected loading cleared on failure")
	}
	if !h.capture.stopped || !h.client.closed {
		t.Error("Expected capture and client released on failure")
	}

	// Restart after a terminal failure is allowed
	h.client = &fakeTranscriber{}
	if err := h.controller.Start(); err != nil {
		t.Errorf("Expected restart after failure, got %v", err)
	}
}

func TestController_CaptureStartFailure(t *testing.T) {
	h := newHarness(t)
	h.capture.startErr = &audio.AudioSessionError{Op: "start", Err: errors.New("no microphone")}

	h.controller.Start()
	h.client.cb().OnServerReady("")
	s := waitStatus(t, h.controller, "failed", func(s Status) bool { return s.State == StateFailed })

	var sessionErr *audio.AudioSessionError
	if !errors.As(s.Err, &sessionErr) {
		t.Errorf("Expected AudioSessionError, got %v", s.Err)
	}
	if !h.client.closed {
		t.Error("Expected client closed after capture failure")
	}
}

func TestController_ConnectRefused(t *testing.T) {
	h := newHarness(t)
	h.client.connectErr = transcription.ErrRetriesExhausted

	if err := h.controller.Start(); !errors.Is(err, transcription.ErrRetriesExhausted) {
		t.Errorf("Expected connect error, got %v", err)
	}
	if h.controller.Status().State != StateFailed {
		t.Errorf("Expected failed state, got %s", h.controller.Status().State)
	}
}

func TestController_ServerDisconnectStops(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)

	h.client.cb().OnDisconnect()
	waitStatus(t, h.controller, "stopped", func(s Status) bool { return s.State == StateStopped })
	if !h.capture.stopped {
		t.Error("Expected capture stopped after server disconnect")
	}
	if _, err := h.controller.Finalize(); err != nil {
		t.Errorf("Expected finalize after server disconnect, got %v", err)
	}
}

func TestController_SubscribeAndMetadata(t *testing.T) {
	h := newHarness(t)
	updates, cancel := h.controller.Subscribe()
	defer cancel()

	h.startRecording(t)
	cb := h.client.cb()
	cb.OnLanguageDetected("ko", 0.97)
	cb.OnStatus("WARNING", "high load")
	s := waitStatus(t, h.controller, "metadata", func(s Status) bool { return s.Language == "ko" && s.Notice != "" })
	if s.Notice != "WARNING high load" {
		t.Errorf("Expected notice %q, got %q", "WARNING high load", s.Notice)
	}

	select {
	case u := <-updates:
		if u.SessionID == "" {
			t.Error("Expected session id in published status")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected at least one published status")
	}
}

func TestController_SubmitFailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)
	h.client.cb().OnTranscription([]byte(`{"segments":[{"start":0,"end":1,"text":"lecture","completed":true}]}`))
	waitStatus(t, h.controller, "segment", func(s Status) bool { return s.Transcript == "lecture" })
	h.controller.Stop()
	h.controller.Finalize()

	h.submitter.err = errors.New("503")
	if err := h.controller.Submit(context.Background(), 3); err == nil {
		t.Error("Expected submission error")
	}
	h.submitter.err = nil
	if err := h.controller.Submit(context.Background(), 3); err != nil {
		t.Errorf("Expected retry to succeed, got %v", err)
	}
	if !h.controller.Status().Submitted {
		t.Error("Expected submitted status")
	}
}

func TestController_EmptyTranscriptNotSubmitted(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t)
	h.controller.Stop()
	h.controller.Finalize()

	if err := h.controller.Submit(context.Background(), 1); !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("Expected ErrEmptyTranscript, got %v", err)
	}
	if h.submitter.calls != 0 {
		t.Errorf("Expected no submission, got %d", h.submitter.calls)
	}
}
