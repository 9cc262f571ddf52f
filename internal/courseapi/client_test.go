package courseapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/lecture-transcriber/internal/resilience"
)

type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

type failingToken struct{}

func (failingToken) Token(ctx context.Context) (string, error) {
	return "", errors.New("keychain locked")
}

func testClient(url string, tokens TokenSource) *Client {
	return NewClient(Config{
		BaseURL: url,
		Timeout: 2 * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		BreakerMaxFailures: 5,
		BreakerReset:       time.Minute,
	}, tokens)
}

func TestSubmitTranscript(t *testing.T) {
	var got submitTextRequest
	var auth, method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := testClient(server.URL+"/", staticToken("abc"))
	if err := client.SubmitTranscript(context.Background(), 7, "  안녕하세요 여러분  \n", ""); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if method != http.MethodPost || path != "/v1/texts" {
		t.Errorf("Expected POST /v1/texts, got %s %s", method, path)
	}
	if auth != "Bearer abc" {
		t.Errorf("Expected bearer token, got %q", auth)
	}
	if got.WeekID != 7 {
		t.Errorf("Expected weekId 7, got %d", got.WeekID)
	}
	if got.Content != "안녕하세요 여러분" {
		t.Errorf("Expected trimmed content, got %q", got.Content)
	}
	if got.Type != DefaultTextType {
		t.Errorf("Expected type %s, got %s", DefaultTextType, got.Type)
	}
}

func TestSubmitTranscript_RejectsEmpty(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	if err := client.SubmitTranscript(context.Background(), 1, "   ", ""); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("Expected ErrEmptyContent, got %v", err)
	}
	if err := client.SubmitTranscript(context.Background(), 0, "text", ""); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("Expected no requests, got %d", hits)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	if err := client.SubmitTranscript(context.Background(), 1, "text", "RECORDING"); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("Expected 3 attempts, got %d", hits)
	}
	if client.BreakerState() != resilience.StateClosed {
		t.Errorf("Expected breaker closed, got %s", client.BreakerState())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "week not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	err := client.SubmitTranscript(context.Background(), 99, "text", "")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", statusErr.StatusCode)
	}
	if statusErr.Body != "week not found" {
		t.Errorf("Expected response body in error, got %q", statusErr.Body)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected 1 attempt, got %d", hits)
	}
}

func TestCircuitOpensAfterServerFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:            server.URL,
		Retry:              &resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
		BreakerMaxFailures: 2,
		BreakerReset:       time.Minute,
	}, nil)

	for i := 0; i < 2; i++ {
		if err := client.CompleteQuizSession(context.Background(), 5); err == nil {
			t.Fatalf("Expected error on call %d", i+1)
		}
	}
	if client.BreakerState() != resilience.StateOpen {
		t.Fatalf("Expected breaker open, got %s", client.BreakerState())
	}

	err := client.CompleteQuizSession(context.Background(), 5)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 requests to reach the server, got %d", hits)
	}
}

func TestGetUserCourses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/course/user/3/courses" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"title":"운영체제","description":"OS","weeks":[{"id":4,"courseId":1,"title":"1주차"},{"id":9,"courseId":1,"title":"2주차"}]}]`))
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	courses, err := client.GetUserCourses(context.Background(), 3)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(courses) != 1 || len(courses[0].Weeks) != 2 {
		t.Fatalf("Expected 1 course with 2 weeks, got %+v", courses)
	}
	if courses[0].Weeks[1].Title != "2주차" {
		t.Errorf("Expected week title 2주차, got %s", courses[0].Weeks[1].Title)
	}
	if NextWeekNumber(courses[0]) != 10 {
		t.Errorf("Expected next week number 10, got %d", NextWeekNumber(courses[0]))
	}
}

func TestCreateWeek(t *testing.T) {
	var got createWeekRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/weeks" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	course := Course{ID: 2, Weeks: []Week{{ID: 3}, {ID: 1}}}
	if err := client.CreateWeek(context.Background(), course, " 3주차 ", 0); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got.CourseID != 2 || got.Title != "3주차" || got.WeekNumber != 4 {
		t.Errorf("Unexpected request %+v", got)
	}

	if err := client.CreateWeek(context.Background(), course, "  ", 0); err == nil {
		t.Error("Expected error for blank title")
	}
}

func TestStartQuizSession(t *testing.T) {
	bodies := []string{`42`, `{"id":43}`}
	var call int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quizzes/8/start" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("userId") != "3" {
			t.Errorf("Expected userId query 3, got %q", r.URL.Query().Get("userId"))
		}
		n := atomic.AddInt32(&call, 1) - 1
		w.Write([]byte(bodies[n]))
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	for _, want := range []int{42, 43} {
		id, err := client.StartQuizSession(context.Background(), 8, 3)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if id != want {
			t.Errorf("Expected session id %d, got %d", want, id)
		}
	}
}

func TestAnswerQuizSession(t *testing.T) {
	var got answerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quiz-sessions/11/answer" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	client := testClient(server.URL, nil)
	if err := client.AnswerQuizSession(context.Background(), 11, "스케줄러"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got.UserAnswer != "스케줄러" {
		t.Errorf("Expected answer 스케줄러, got %q", got.UserAnswer)
	}
}

func TestNoBaseURL(t *testing.T) {
	client := testClient("", nil)
	if err := client.CompleteQuizSession(context.Background(), 1); !errors.Is(err, ErrNoBaseURL) {
		t.Errorf("Expected ErrNoBaseURL, got %v", err)
	}
}

func TestTokenSourceFailure(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	client := testClient(server.URL, failingToken{})
	if err := client.CompleteQuizSession(context.Background(), 1); err == nil {
		t.Error("Expected token error")
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("Expected no requests, got %d", hits)
	}
}
