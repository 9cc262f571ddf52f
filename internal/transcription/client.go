package transcription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/lecture-transcriber/internal/audio"
	"github.com/lexiqai/lecture-transcriber/internal/config"
	"github.com/lexiqai/lecture-transcriber/internal/observability"
	"github.com/lexiqai/lecture-transcriber/internal/resilience"
)

var (
	// ErrNotConnected is returned when a send is attempted outside the Connected state
	ErrNotConnected = errors.New("transcription socket not connected")
	// ErrRetriesExhausted is reported once reconnects hit the retry bound
	ErrRetriesExhausted = errors.New("transcription reconnect retries exhausted")
	// ErrServerRejected is reported when the backend sent an ERROR status before dropping the socket
	ErrServerRejected = errors.New("transcription backend rejected the session")
	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("transcription client closed")
)

const writeTimeout = 10 * time.Second

// State is the connection lifecycle state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Callbacks receive backend events. They run on the connection's reader
// goroutine (or a timer goroutine for OnRetriesExhausted) and must not block.
type Callbacks struct {
	OnStatus           func(status, message string)
	OnServerReady      func(backend string)
	OnTranscription    func(payload []byte)
	OnLanguageDetected func(language string, probability float64)
	OnDisconnect       func()
	OnRawText          func(text string)
	OnRetriesExhausted func(err error)
}

// ClientConfig holds transcription socket settings
type ClientConfig struct {
	Host                string
	Port                int
	Language            string
	Model               string
	UseVAD              bool
	FreshUIDOnReconnect bool
	HeartbeatInterval   time.Duration
	Reconnect           *resilience.ReconnectConfig

	// Dialer and Scheduler default to websocket.DefaultDialer and time.AfterFunc
	Dialer    *websocket.Dialer
	Scheduler resilience.Scheduler
}

// NewClientConfig maps application config onto client settings
func NewClientConfig(cfg *config.Config) ClientConfig {
	reconnect := resilience.DefaultReconnectConfig()
	reconnect.MaxRetries = cfg.ReconnectMaxRetries
	reconnect.MaxBackoff = cfg.ReconnectMaxDelay

	return ClientConfig{
		Host:                cfg.TranscriberHost,
		Port:                cfg.TranscriberPort,
		Language:            cfg.TranscriberLanguage,
		Model:               cfg.TranscriberModel,
		UseVAD:              cfg.TranscriberUseVAD,
		FreshUIDOnReconnect: cfg.FreshUIDOnReconnect,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		Reconnect:           reconnect,
	}
}

// BuildURL returns the secure websocket URL, omitting default ports
func BuildURL(host string, port int) string {
	u := url.URL{Scheme: "wss", Host: host, Path: "/"}
	if port != 0 && port != 443 && port != 80 {
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return u.String()
}

// Client is a single logical connection to the transcription backend that
// survives physical socket drops by reconnecting with backoff.
type Client struct {
	cfg    ClientConfig
	url    string
	dialer *websocket.Dialer
	policy *resilience.ReconnectPolicy
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         uint64 // bumps on every dial and on Close
	readyGen    uint64 // gen that already fired OnServerReady
	uid         string
	stopPing    chan struct{}
	callbacks   Callbacks
	closed      bool
	rejected    bool
	exhaustSent bool

	writeMu sync.Mutex
}

// NewClient creates a disconnected client
func NewClient(cfg ClientConfig) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = "ko"
	}
	if cfg.Model == "" {
		cfg.Model = "medium"
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	uid := uuid.NewString()
	return &Client{
		cfg:    cfg,
		url:    BuildURL(cfg.Host, cfg.Port),
		dialer: dialer,
		policy: resilience.NewReconnectPolicy(cfg.Reconnect, cfg.Scheduler),
		logger: observability.Component("transcription").With().Str("uid", uid).Logger(),
		uid:    uid,
	}
}

// SetCallbacks replaces the event handlers
func (c *Client) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// ClearTranscriptionCallback stops segment delivery while keeping other handlers
func (c *Client) ClearTranscriptionCallback() {
	c.mu.Lock()
	c.callbacks.OnTranscription = nil
	c.mu.Unlock()
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UID returns the session identifier sent in the handshake
func (c *Client) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Retries returns the current reconnect count
func (c *Client) Retries() int {
	return c.policy.Retries()
}

// URL returns the backend address
func (c *Client) URL() string {
	return c.url
}

// Connect starts dialing the backend in the background. It refuses once the
// retry bound is exceeded or after Close.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if !c.policy.Allow() {
		c.mu.Unlock()
		c.logger.Warn().Int("retries", c.policy.Retries()).Msg("Refusing to connect, retry bound exceeded")
		c.notifyExhausted(ErrRetriesExhausted)
		return ErrRetriesExhausted
	}

	c.state = StateConnecting
	c.gen++
	gen := c.gen
	if c.cfg.FreshUIDOnReconnect && c.policy.Retries() > 0 {
		c.uid = uuid.NewString()
	}
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Int("retry", c.policy.Retries()).Msg("Connecting to transcription backend")
	go c.dial(gen)
	return nil
}

func (c *Client) dial(gen uint64) {
	conn, _, err := c.dialer.Dial(c.url, nil)

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		observability.RecordError("dial", "transcription")
		c.logger.Error().Err(err).Msg("Failed to connect to transcription backend")
		c.scheduleReconnect(err)
		return
	}

	stop := make(chan struct{})
	c.conn = conn
	c.state = StateConnected
	c.stopPing = stop
	c.rejected = false
	handshake := Handshake{
		UID:               c.uid,
		Language:          c.cfg.Language,
		Task:              TaskTranscribe,
		Model:             c.cfg.Model,
		UseVAD:            c.cfg.UseVAD,
		MaxClients:        DefaultMaxClients,
		MaxConnectionTime: DefaultMaxConnectionTime,
	}
	c.mu.Unlock()

	c.logger.Info().Msg("Transcription socket opened")

	conn.SetReadDeadline(time.Now().Add(3 * c.cfg.HeartbeatInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(3 * c.cfg.HeartbeatInterval))
	})

	go c.readLoop(conn, gen)

	data, err := json.Marshal(handshake)
	if err == nil {
		err = c.write(conn, websocket.TextMessage, data)
	}
	if err != nil {
		c.handleFailure(gen, fmt.Errorf("sending handshake: %w", err))
		return
	}

	go c.heartbeat(conn, gen, stop)
}

// SendAudio writes one binary chunk. When not connected the chunk is dropped
// and a reconnect is scheduled.
func (c *Client) SendAudio(chunk audio.Chunk) error {
	c.mu.Lock()
	state, conn, gen := c.state, c.conn, c.gen
	c.mu.Unlock()

	if state != StateConnected {
		observability.RecordDroppedFrame("not_connected")
		c.logger.Debug().Str("state", state.String()).Msg("Dropping audio chunk, socket not connected")
		if state == StateDisconnected {
			c.scheduleReconnect(ErrNotConnected)
		}
		return ErrNotConnected
	}

	if err := c.write(conn, websocket.BinaryMessage, chunk.Bytes()); err != nil {
		c.handleFailure(gen, err)
		return fmt.Errorf("sending audio: %w", err)
	}
	observability.RecordAudioBytes("sent", chunk.Len())
	observability.RecordSocketMessage("audio")
	return nil
}

// SendEndOfAudio tells the backend no more audio follows
func (c *Client) SendEndOfAudio() error {
	c.mu.Lock()
	state, conn, gen := c.state, c.conn, c.gen
	c.mu.Unlock()

	if state != StateConnected {
		c.logger.Warn().Msg("Skipping end of audio, socket not connected")
		return ErrNotConnected
	}
	if err := c.write(conn, websocket.TextMessage, []byte(EndOfAudio)); err != nil {
		c.handleFailure(gen, err)
		return fmt.Errorf("sending end of audio: %w", err)
	}
	observability.RecordSocketMessage("end_of_audio")
	c.logger.Info().Msg("End of audio sent")
	return nil
}

// Close shuts the connection with a normal closure and suppresses any
// further reconnects, including one already scheduled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.policy.Pin()
	conn, stop := c.conn, c.stopPing
	c.conn, c.stopPing = nil, nil
	c.state = StateClosing
	c.gen++
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	var err error
	if conn != nil {
		c.writeMu.Lock()
		err = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info().Msg("Transcription socket closed")
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("sending close frame: %w", err)
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (c *Client) heartbeat(conn *websocket.Conn, gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.handleFailure(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
			observability.RecordSocketMessage("ping")
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleFailure(gen, err)
			return
		}

		// Any traffic proves liveness
		conn.SetReadDeadline(time.Now().Add(3 * c.cfg.HeartbeatInterval))

		switch messageType {
		case websocket.TextMessage:
			c.dispatch(gen, data)
		case websocket.BinaryMessage:
			observability.RecordSocketMessage("binary")
			c.logger.Debug().Int("bytes", len(data)).Msg("Ignoring binary message")
		}
	}
}

func (c *Client) dispatch(gen uint64, data []byte) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	cb := c.callbacks
	uid := c.uid
	c.mu.Unlock()

	if !looksLikeJSON(data) {
		observability.RecordSocketMessage("raw_text")
		if cb.OnRawText != nil {
			cb.OnRawText(string(data))
		}
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.RecordSocketMessage("malformed")
		c.logger.Warn().Err(err).Msg("Dropping malformed message")
		return
	}
	if msg.UID != "" && msg.UID != uid {
		observability.RecordSocketMessage("foreign_uid")
		c.logger.Warn().Str("message_uid", msg.UID).Msg("Dropping message for another session")
		return
	}

	text := msg.messageText()
	switch {
	case msg.Status != "":
		observability.RecordSocketMessage("status")
		c.logger.Info().Str("status", msg.Status).Str("message", text).Msg("Backend status")
		if msg.Status == StatusError {
			c.mu.Lock()
			c.rejected = true
			c.mu.Unlock()
		}
		if cb.OnStatus != nil {
			cb.OnStatus(msg.Status, text)
		}

	case text == MessageServerReady:
		observability.RecordSocketMessage("server_ready")
		c.mu.Lock()
		first := c.readyGen != gen
		c.readyGen = gen
		c.mu.Unlock()
		if !first {
			return
		}
		c.policy.Reset()
		c.logger.Info().Str("backend", msg.Backend).Msg("Backend ready")
		if cb.OnServerReady != nil {
			cb.OnServerReady(msg.Backend)
		}

	case text == MessageDisconnect:
		observability.RecordSocketMessage("disconnect")
		c.logger.Info().Msg("Backend ended the session on connection time limit")
		if cb.OnDisconnect != nil {
			cb.OnDisconnect()
		}
		c.Close()

	case len(msg.Segments) > 0 && string(msg.Segments) != "null":
		observability.RecordSocketMessage("segments")
		payload, err := json.Marshal(segmentsPayload{Segments: msg.Segments})
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to encode segments payload")
			return
		}
		if cb.OnTranscription != nil {
			cb.OnTranscription(payload)
		}

	case msg.Language != nil:
		observability.RecordSocketMessage("language")
		c.logger.Info().Str("language", *msg.Language).Float64("probability", msg.LanguageProb).Msg("Backend detected language")
		if cb.OnLanguageDetected != nil {
			cb.OnLanguageDetected(*msg.Language, msg.LanguageProb)
		}

	default:
		observability.RecordSocketMessage("unknown")
		c.logger.Debug().Str("message", text).Msg("Ignoring unrecognized message")
	}
}

// handleFailure tears down the connection identified by gen at most once and
// schedules a reconnect
func (c *Client) handleFailure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn, stop := c.conn, c.stopPing
	c.conn, c.stopPing = nil, nil
	c.state = StateDisconnected
	rejected := c.rejected
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}

	observability.RecordError("connection", "transcription")
	c.logger.Warn().Err(cause).Msg("Transcription socket dropped")

	if rejected {
		c.policy.Pin()
		c.notifyExhausted(ErrServerRejected)
		return
	}
	c.scheduleReconnect(cause)
}

func (c *Client) scheduleReconnect(cause error) {
	if c.policy.Pinned() {
		return
	}

	delay, retry, ok := c.policy.Schedule(func() {
		if err := c.Connect(); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Debug().Err(err).Msg("Scheduled reconnect refused")
		}
	})
	if ok {
		observability.RecordReconnect("scheduled")
		c.logger.Info().Int("retry", retry).Dur("delay", delay).Msg("Reconnect scheduled")
		return
	}
	if c.policy.Exhausted() {
		c.notifyExhausted(fmt.Errorf("%w: %v", ErrRetriesExhausted, cause))
	}
}

// notifyExhausted fires OnRetriesExhausted once per client
func (c *Client) notifyExhausted(err error) {
	c.mu.Lock()
	if c.exhaustSent {
		c.mu.Unlock()
		return
	}
	c.exhaustSent = true
	cb := c.callbacks.OnRetriesExhausted
	c.mu.Unlock()

	observability.RecordReconnect("exhausted")
	c.logger.Error().Err(err).Msg("Giving up on transcription backend")
	if cb != nil {
		cb(err)
	}
}
