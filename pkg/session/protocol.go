package session

import "github.com/lokutor-ai/lokutor-stream/pkg/decoder"

// ControlMessage is the client-to-server text envelope. Only the fields
// relevant to Op are populated; unused fields are left zero.
type ControlMessage struct {
	Op         string `json:"op"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Lang       string `json:"lang,omitempty"`
	Payload    string `json:"payload,omitempty"` // base64 PCM16 LE mono, for op=="audio"
}

const (
	OpStart = "start"
	OpAudio = "audio"
	OpStop  = "stop"
)

// OutMessage.Type values. On overflow, Connection.send drops a new status
// or interim; a new final or error evicts the oldest buffered status and is
// dropped only when no status is buffered.
const (
	TypeInterim = "interim"
	TypeFinal   = "final"
	TypeStatus  = "status"
	TypeError   = "error"
)

// OutMessage is the common envelope for every server-to-client message;
// Type discriminates which concrete payload is populated.
type OutMessage struct {
	Type string `json:"type"`

	// interim / final
	Conn        string             `json:"conn,omitempty"`
	Text        string             `json:"text,omitempty"`
	StableChars int                `json:"stable_chars,omitempty"`
	Segments    []decoder.Segment  `json:"segments,omitempty"`
	Language    *string            `json:"language,omitempty"`
	T0          float64            `json:"t0,omitempty"`
	T1          float64            `json:"t1,omitempty"`

	// status
	Backpressure  string  `json:"backpressure,omitempty"`
	CooldownMs    int64   `json:"cooldown_ms,omitempty"`
	TailS         float64 `json:"tail_s,omitempty"`
	InterimPaused bool    `json:"interim_paused,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func interimMessage(connID, text string, stableChars int, t0, t1 float64) OutMessage {
	return OutMessage{Type: TypeInterim, Conn: connID, Text: text, StableChars: stableChars, T0: t0, T1: t1}
}

func finalMessage(connID string, res decoder.FinalResult, t0, t1 float64) OutMessage {
	var lang *string
	if res.Language != "" {
		lang = &res.Language
	}
	return OutMessage{Type: TypeFinal, Conn: connID, Text: res.Text, Segments: res.Segments, Language: lang, T0: t0, T1: t1}
}

func statusMessage(level string, cooldownMs int64, tailS float64, paused bool) OutMessage {
	return OutMessage{Type: TypeStatus, Backpressure: level, CooldownMs: cooldownMs, TailS: tailS, InterimPaused: paused}
}

func errorMessage(code, detail string) OutMessage {
	return OutMessage{Type: TypeError, Code: code, Detail: detail}
}
