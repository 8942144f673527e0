package proto

import "encoding/json"

// Client event types sent over the control data channel.
const (
	ClientEventSessionUpdate          = "session.update"
	ClientEventConversationItemCreate = "conversation.item.create"
	ClientEventResponseCreate         = "response.create"
	ClientEventResponseCancel         = "response.cancel"
	ClientEventInputAudioBufferClear  = "input_audio_buffer.clear"
)

// Server event types the engine reacts to. Anything else is forwarded
// untouched to subscribers.
const (
	ServerEventError                = "error"
	ServerEventSessionCreated       = "session.created"
	ServerEventSessionUpdated       = "session.updated"
	ServerEventResponseCreated      = "response.created"
	ServerEventResponseDone         = "response.done"
	ServerEventAudioTranscriptDelta = "response.audio_transcript.delta"
	ServerEventSpeechStarted        = "input_audio_buffer.speech_started"
	ServerEventSpeechStopped        = "input_audio_buffer.speech_stopped"
)

type ClientEvent struct {
	EventId  string            `json:"event_id,omitempty"`
	Type     string            `json:"type"`
	Session  *SessionPayload   `json:"session,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponsePayload  `json:"response,omitempty"`
}

type SessionPayload struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
}

// AudioTranscription enables server side transcription of the user's
// audio. Language is an ISO 639-1 code.
type AudioTranscription struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

type ConversationItem struct {
	Id      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

type ResponsePayload struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

func NewSessionUpdate(session *SessionPayload) ClientEvent {
	return ClientEvent{Type: ClientEventSessionUpdate, Session: session}
}

func NewUserText(text string) ClientEvent {
	return ClientEvent{
		Type: ClientEventConversationItemCreate,
		Item: &ConversationItem{
			Type: "message",
			Role: "user",
			Content: []ContentPart{
				{Type: "input_text", Text: text},
			},
		},
	}
}

func NewResponseCreate() ClientEvent {
	return ClientEvent{Type: ClientEventResponseCreate}
}

func NewResponseCancel() ClientEvent {
	return ClientEvent{Type: ClientEventResponseCancel}
}

func NewInputAudioBufferClear() ClientEvent {
	return ClientEvent{Type: ClientEventInputAudioBufferClear}
}

type ServerEvent struct {
	EventId    string       `json:"event_id,omitempty"`
	Type       string       `json:"type"`
	ItemId     string       `json:"item_id,omitempty"`
	ResponseId string       `json:"response_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	Session    H            `json:"session,omitempty"`
	Item       H            `json:"item,omitempty"`
	Response   H            `json:"response,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	EventId string `json:"event_id,omitempty"`
}

func DecodeServerEvent(data []byte) (ev ServerEvent, err error) {
	err = json.Unmarshal(data, &ev)
	return
}
