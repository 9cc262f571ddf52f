package courseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/lecture-transcriber/internal/config"
	"github.com/lexiqai/lecture-transcriber/internal/observability"
	"github.com/lexiqai/lecture-transcriber/internal/resilience"
)

// DefaultTextType labels transcripts produced by a recording session
const DefaultTextType = "RECORDING"

var (
	ErrNoBaseURL    = errors.New("course API URL is not configured")
	ErrEmptyContent = errors.New("transcript content is empty")
	ErrInvalidID    = errors.New("identifier must be positive")
)

// TokenSource supplies the bearer token attached to each request.
// An empty token sends the request unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("course API %s %s returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("course API %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// serverFault reports whether the backend itself is failing
func (e *StatusError) serverFault() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config holds the client's transport and resilience settings
type Config struct {
	BaseURL            string
	Timeout            time.Duration
	Retry              *resilience.RetryConfig
	BreakerMaxFailures int
	BreakerReset       time.Duration
}

// NewConfig derives client settings from the application config
func NewConfig(cfg *config.Config) Config {
	return Config{
		BaseURL: cfg.APIURL,
		Timeout: cfg.APITimeout,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
		BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
		BreakerReset:       time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	}
}

// Client talks to the course management backend
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates a course API client. tokens may be nil.
func NewClient(cfg Config, tokens TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := cfg.Retry
	if retry == nil || retry.MaxAttempts <= 0 {
		retry = resilience.DefaultRetryConfig()
	}
	reset := cfg.BreakerReset
	if reset <= 0 {
		reset = 30 * time.Second
	}

	breaker := resilience.NewCircuitBreaker("course_api", cfg.BreakerMaxFailures, reset)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		breaker:    breaker,
		logger:     observability.Component("courseapi"),
	}
}

// BreakerState exposes the circuit state for readiness checks
func (c *Client) BreakerState() resilience.CircuitState {
	return c.breaker.GetState()
}

// Course is a course with its weeks, as listed for a user
type Course struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Weeks       []Week `json:"weeks"`
}

// Week is one lecture week inside a course
type Week struct {
	ID         int    `json:"id"`
	CourseID   int    `json:"courseId"`
	Title      string `json:"title"`
	WeekNumber int    `json:"weekNumber,omitempty"`
}

type submitTextRequest struct {
	WeekID  int    `json:"weekId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

type createWeekRequest struct {
	CourseID   int    `json:"courseId"`
	Title      string `json:"title"`
	WeekNumber int    `json:"weekNumber"`
}

type answerRequest struct {
	UserAnswer string `json:"userAnswer"`
}

// SubmitTranscript stores a finalized transcript under a week
func (c *Client) SubmitTranscript(ctx context.Context, weekID int, content, textType string) error {
	if weekID <= 0 {
		return fmt.Errorf("week %d: %w", weekID, ErrInvalidID)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	if textType == "" {
		textType = DefaultTextType
	}

	req := submitTextRequest{WeekID: weekID, Content: content, Type: textType}
	if err := c.do(ctx, "submit_transcript", http.MethodPost, "/v1/texts", nil, req, nil); err != nil {
		return err
	}

	c.logger.Info().Int("week_id", weekID).Int("length", len(content)).Msg("Transcript submitted")
	return nil
}

// GetUserCourses lists a user's courses together with their weeks
func (c *Client) GetUserCourses(ctx context.Context, userID int) ([]Course, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("user %d: %w", userID, ErrInvalidID)
	}
	var courses []Course
	path := "/v1/course/user/" + strconv.Itoa(userID) + "/courses"
	if err := c.do(ctx, "get_user_courses", http.MethodGet, path, nil, nil, &courses); err != nil {
		return nil, err
	}
	return courses, nil
}

// CreateWeek adds a week to a course. A zero weekNumber picks the next
// number after the highest existing week id, as the course listing reports them.
func (c *Client) CreateWeek(ctx context.Context, course Course, title string, weekNumber int) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("week title is empty")
	}
	if course.ID <= 0 {
		return fmt.Errorf("course %d: %w", course.ID, ErrInvalidID)
	}
	if weekNumber <= 0 {
		weekNumber = NextWeekNumber(course)
	}

	req := createWeekRequest{CourseID: course.ID, Title: title, WeekNumber: weekNumber}
	return c.do(ctx, "create_week", http.MethodPost, "/weeks", nil, req, nil)
}

// NextWeekNumber returns one past the largest week id in the course
func NextWeekNumber(course Course) int {
	highest := 0
	for _, w := range course.Weeks {
		if w.ID > highest {
			highest = w.ID
		}
	}
	return highest + 1
}

// StartQuizSession opens a quiz session and returns its id
func (c *Client) StartQuizSession(ctx context.Context, quizID, userID int) (int, error) {
	if quizID <= 0 {
		return 0, fmt.Errorf("quiz %d: %w", quizID, ErrInvalidID)
	}
	query := url.Values{}
	query.Set("userId", strconv.Itoa(userID))

	var raw json.RawMessage
	path := "/v1/quizzes/" + strconv.Itoa(quizID) + "/start"
	if err := c.do(ctx, "start_quiz_session", http.MethodPost, path, query, nil, &raw); err != nil {
		return 0, err
	}
	return parseSessionID(raw)
}

// parseSessionID accepts a bare number or an object carrying "id"
func parseSessionID(raw json.RawMessage) (int, error) {
	var id int
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var wrapped struct {
		ID *int `json:"id"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.ID == nil {
		return 0, fmt.Errorf("failed to parse quiz session id from %q", string(raw))
	}
	return *wrapped.ID, nil
}

// AnswerQuizSession records the user's answer to the current question
func (c *Client) AnswerQuizSession(ctx context.Context, sessionID int, answer string) error {
	if sessionID <= 0 {
		return fmt.Errorf("quiz session %d: %w", sessionID, ErrInvalidID)
	}
	path := "/v1/quiz-sessions/" + strconv.Itoa(sessionID) + "/answer"
	return c.do(ctx, "answer_quiz_session", http.MethodPost, path, nil, answerRequest{UserAnswer: answer}, nil)
}

// CompleteQuizSession closes a quiz session for scoring
func (c *Client) CompleteQuizSession(ctx context.Context, sessionID int) error {
	if sessionID <= 0 {
		return fmt.Errorf("quiz session %d: %w", sessionID, ErrInvalidID)
	}
	path := "/v1/quiz-sessions/" + strconv.Itoa(sessionID) + "/complete"
	return c.do(ctx, "complete_quiz_session", http.MethodPost, path, nil, nil, nil)
}

// do sends one logical request, retrying transient failures behind the breaker.
// Client errors (4xx) are returned as-is and do not trip the breaker.
func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body, out any) error {
	if c.baseURL == "" {
		return ErrNoBaseURL
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = data
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	attempt := func(ctx context.Context) error {
		var result error
		err := c.breaker.Call(func() error {
			result = c.roundTrip(ctx, method, target, path, payload, out)
			var statusErr *StatusError
			if errors.As(result, &statusErr) && !statusErr.serverFault() {
				return nil
			}
			if result != nil {
				observability.IncrementCircuitBreakerFailures(c.breaker.Name())
			}
			return result
		})
		if err != nil {
			return err
		}
		return result
	}

	err := resilience.Retry(ctx, attempt, c.retry, isRetryable)
	observability.RecordAPIRequest(endpoint, err == nil)
	if err != nil {
		observability.RecordError("api_request", "courseapi")
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Course API request failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, target, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "*/*")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
		if statusErr.serverFault() {
			return resilience.NewRetryableError(statusErr)
		}
		return statusErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}
