package gateway

// Text protocol message types. Client to gateway: set_langs, start_over,
// get_status. Gateway to client: status, realtime, utterance_end, error.
const (
	typeStatus       = "status"
	typeRealtime     = "realtime"
	typeUtteranceEnd = "utterance_end"
	typeError        = "error"
	typeSetLangs     = "set_langs"
	typeStartOver    = "start_over"
	typeGetStatus    = "get_status"
)

// clientMessage is the envelope for every inbound text frame. Fields beyond
// Type are only meaningful for set_langs; absent languages keep their
// current values.
type clientMessage struct {
	Type           string `json:"type"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// statusMessage reports the session identity and language configuration. It
// is sent on connect and after every set_langs or get_status.
type statusMessage struct {
	Type               string `json:"type"`
	ClientID           string `json:"client_id"`
	SourceLanguage     string `json:"source_language"`
	TargetLanguage     string `json:"target_language"`
	TranslationEnabled bool   `json:"translation_enabled"`
}

// realtimeMessage carries transcription and translation text to the client.
// Translation is empty on pure transcription results.
type realtimeMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
	IsFinal     bool   `json:"is_final"`
	ClientID    string `json:"client_id"`
	Timestamp   int64  `json:"timestamp"`
	SegmentID   uint64 `json:"segment_id"`
}

// utteranceEndMessage marks that an utterance has fully settled: its final
// transcription, and the translation when one was requested, have both been
// delivered.
type utteranceEndMessage struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
}

// errorMessage reports a recoverable fault to the client without closing
// the socket.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
