package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ResponseToken is one incremental unit of streamed model output,
// republished for observers (GUIs, debug tooling).
type ResponseToken struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Text      string    `json:"text"`
	Done      bool      `json:"done"`
	Timestamp time.Time `json:"timestamp"`
}

// Sentence announces a segmented sentence handed to synthesis.
type Sentence struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk carries synthesized PCM for playback targets.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	TurnID     string `json:"turn_id"`
	Target     string `json:"target"`
	Seq        int    `json:"seq"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TurnStatus marks the completion (or abort) of an assistant turn.
type TurnStatus struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Interrupt requests cancellation of the active turn for a session.
type Interrupt struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PersonaUpdate adjusts trait levels for subsequent turns.
type PersonaUpdate struct {
	Traits    map[string]int `json:"traits"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectResponseToken     = "llm.token"
	SubjectSentence          = "turn.sentence"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSDone           = "tts.done"
	SubjectTurnStatus        = "turn.status"
	SubjectTurnInterrupt     = "turn.interrupt"
	SubjectPersonaSet        = "persona.set"
	SubjectNodeAnnounce      = "node.announce"
	SubjectNodeHeartbeat     = "node.heartbeat"
)
