package quiz

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/lecture-transcriber/internal/observability"
)

var (
	ErrNotStarted     = errors.New("quiz session not started")
	ErrAlreadyStarted = errors.New("quiz session already started")
	ErrCompleting     = errors.New("quiz session is completing")
)

// API is the subset of the course backend a quiz session needs
type API interface {
	StartQuizSession(ctx context.Context, quizID, userID int) (int, error)
	AnswerQuizSession(ctx context.Context, sessionID int, answer string) error
	CompleteQuizSession(ctx context.Context, sessionID int) error
}

// Result summarizes answer delivery for a completed session
type Result struct {
	SessionID int
	Answered  int
	Failed    int
}

// Session proxies one quiz attempt. Answers are sent in the background in the
// order they were submitted; Complete waits for all of them first.
type Session struct {
	api    API
	logger zerolog.Logger

	mu        sync.Mutex
	id        int
	closing   bool
	completed bool
	last      chan struct{} // closed when the most recent answer finished sending
	answered  int
	failed    int

	pending sync.WaitGroup
}

// NewSession creates an idle quiz session
func NewSession(api API) *Session {
	return &Session{
		api:    api,
		logger: observability.Component("quiz"),
	}
}

// Start opens the session on the backend
func (s *Session) Start(ctx context.Context, quizID, userID int) error {
	s.mu.Lock()
	if s.id != 0 {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	id, err := s.api.StartQuizSession(ctx, quizID, userID)
	if err != nil {
		return fmt.Errorf("failed to start quiz %d: %w", quizID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != 0 {
		return ErrAlreadyStarted
	}
	s.id = id
	s.logger = s.logger.With().Int("quiz_session_id", id).Logger()
	s.logger.Info().Int("quiz_id", quizID).Msg("Quiz session started")
	return nil
}

// ID returns the backend session id, zero before Start
func (s *Session) ID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SubmitAnswer queues an answer for delivery and returns immediately.
// Delivery failures are logged and counted in the Complete result.
func (s *Session) SubmitAnswer(ctx context.Context, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == 0 {
		return ErrNotStarted
	}
	if s.closing {
		return ErrCompleting
	}

	id := s.id
	prev := s.last
	done := make(chan struct{})
	s.last = done
	s.pending.Add(1)

	go func() {
		defer s.pending.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}

		err := s.api.AnswerQuizSession(ctx, id, answer)

		s.mu.Lock()
		if err != nil {
			s.failed++
		} else {
			s.answered++
		}
		logger := s.logger
		s.mu.Unlock()

		if err != nil {
			logger.Warn().Err(err).Msg("Failed to send quiz answer")
		}
	}()
	return nil
}

// Pending reports whether answers are still being delivered
func (s *Session) Pending() bool {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return false
	}
	select {
	case <-last:
		return false
	default:
		return true
	}
}

// Complete stops accepting answers, waits for queued ones to be delivered,
// then completes the session. If ctx ends first the session stays open and
// Complete may be called again.
func (s *Session) Complete(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.id == 0 {
		s.mu.Unlock()
		return Result{}, ErrNotStarted
	}
	if s.completed {
		result := s.resultLocked()
		s.mu.Unlock()
		return result, nil
	}
	s.closing = true
	id := s.id
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("waiting for quiz answers: %w", ctx.Err())
	}

	if err := s.api.CompleteQuizSession(ctx, id); err != nil {
		return Result{}, fmt.Errorf("failed to complete quiz session %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	result := s.resultLocked()
	s.logger.Info().Int("answered", result.Answered).Int("failed", result.Failed).Msg("Quiz session completed")
	return result, nil
}

func (s *Session) resultLocked() Result {
	return Result{SessionID: s.id, Answered: s.answered, Failed: s.failed}
}
