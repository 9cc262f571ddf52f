package transcription

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ProtocolVersion identifies the wire contract implemented by this package
const ProtocolVersion = "whisperlive/1"

// Wire constants
const (
	EndOfAudio         = "END_OF_AUDIO"
	MessageServerReady = "SERVER_READY"
	MessageDisconnect  = "DISCONNECT"
	TaskTranscribe     = "transcribe"

	StatusWait    = "WAIT"
	StatusError   = "ERROR"
	StatusWarning = "WARNING"

	DefaultMaxClients        = 4
	DefaultMaxConnectionTime = 600 // seconds
)

// Handshake is the first text message sent on every connection
type Handshake struct {
	UID               string `json:"uid"`
	Language          string `json:"language"`
	Task              string `json:"task"`
	Model             string `json:"model"`
	UseVAD            bool   `json:"use_vad"`
	MaxClients        int    `json:"max_clients"`
	MaxConnectionTime int    `json:"max_connection_time"`

	// Optional backend tuning; omitted when zero
	SendLastNSegments   int     `json:"send_last_n_segments,omitempty"`
	NoSpeechThreshold   float64 `json:"no_speech_thresh,omitempty"`
	ClipAudio           bool    `json:"clip_audio,omitempty"`
	SameOutputThreshold int     `json:"same_output_threshold,omitempty"`
}

// inboundMessage covers every JSON shape the backend sends
type inboundMessage struct {
	UID          string          `json:"uid"`
	Status       string          `json:"status"`
	Message      json.RawMessage `json:"message"`
	Backend      string          `json:"backend"`
	Segments     json.RawMessage `json:"segments"`
	Language     *string         `json:"language"`
	LanguageProb float64         `json:"language_prob"`
}

// messageText returns the message field as text; WAIT carries a number of minutes
func (m *inboundMessage) messageText() string {
	if len(m.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Message, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(m.Message, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return string(m.Message)
}

// segmentsPayload is the re-encoded form handed to OnTranscription
type segmentsPayload struct {
	Segments json.RawMessage `json:"segments"`
}

// looksLikeJSON reports whether a text frame should be parsed as a JSON object
func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
