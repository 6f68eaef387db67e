package protocol

import "time"

// AudioFrame carries PCM audio, either captured on edge devices or produced by TTS.
type AudioFrame struct {
	SessionID      string `json:"session_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Sequence       int    `json:"sequence"`
	SampleRate     int    `json:"sample_rate"`
	BytesPerSample int    `json:"bytes_per_sample,omitempty"`
	Channels       int    `json:"channels"`
	PCM            []byte `json:"pcm"`
	Final          bool   `json:"final"`
}

// SamplesPerChannel reports how many samples each channel holds in the frame.
func (f AudioFrame) SamplesPerChannel() int {
	bps := f.BytesPerSample
	if bps <= 0 {
		bps = 2
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return len(f.PCM) / (bps * channels)
}

// TextData is the text event exchanged between services: transcripts flowing
// into the LLM and sentences flowing out of it.
type TextData struct {
	Text         string    `json:"text"`
	IsFinal      bool      `json:"is_final"`
	EndOfSegment bool      `json:"end_of_segment"`
	StreamID     string    `json:"stream_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Command is a payload-free control message such as flush.
type Command struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandResult acknowledges a command sent with a reply inbox.
type CommandResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// CallChat asks the LLM for a reply that is streamed back to the request inbox.
type CallChat struct {
	Text string `json:"text"`
}

// CallResult is one intermediate or terminal unit answering a CallChat.
type CallResult struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// Caption is an assembled transcript line for display.
type Caption struct {
	StreamID  string    `json:"stream_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	CommandFlush = "flush"

	SubjectAudioFramePrefix = "audio.frame"
	SubjectAudioFlush       = "audio.cmd.flush"

	SubjectSTTText = "stt.out.text"

	SubjectLLMInput    = "llm.in.>"
	SubjectLLMText     = "llm.in.text"
	SubjectLLMFlush    = "llm.in.flush"
	SubjectLLMCallChat = "llm.in.call_chat"

	// Sentences and flushes leave the LLM on one subject tree so a single
	// subscriber sees them in publish order.
	SubjectLLMOutputAll   = "llm.out.>"
	SubjectLLMOutput      = "llm.out.text"
	SubjectLLMOutputFlush = "llm.out.flush"

	SubjectTTSInput  = "tts.in.>"
	SubjectTTSText   = "tts.in.text"
	SubjectTTSFlush  = "tts.in.flush"
	SubjectTTSOutput = "tts.out.audio"

	SubjectCaptions = "transcript.out"
)
