package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	AudioHookVersion = "2"

	// ProbeConversationID marks a connection probe that never carries a call.
	ProbeConversationID = "00000000-0000-0000-0000-000000000000"
)

const (
	TypeOpen              = "open"
	TypeOpened            = "opened"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeDTMF              = "dtmf"
	TypeClose             = "close"
	TypeClosed            = "closed"
	TypeUpdate            = "update"
	TypeDisconnect        = "disconnect"
	TypeData              = "data"
	TypePlaybackStarted   = "playback_started"
	TypePlaybackCompleted = "playback_completed"
	TypePaused            = "paused"
	TypeResumed           = "resumed"
)

// Reserved input variables consumed by the bridge and never forwarded.
const (
	VarDeploymentID   = "_deployment_id"
	VarAgentID        = "_agent_id"
	VarInitialMessage = "_initial_message"
	VarSessionID      = "_session_id"
)

const (
	DisconnectCompleted = "completed"
	DisconnectError     = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func invalidJSON(message, param string) *DecodeError {
	return &DecodeError{Code: "invalid_json", Message: message, Param: param}
}

// Envelope is the header every client message carries.
type Envelope struct {
	Version   string          `json:"version"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	ServerSeq int64           `json:"serverseq"`
	Position  string          `json:"position,omitempty"`
	Params    json.RawMessage `json:"parameters,omitempty"`
}

func (e Envelope) Header() Envelope { return e }

// Message is implemented by every decoded client message.
type Message interface {
	Header() Envelope
}

// MediaOffer is one entry of the media list in open. The raw JSON is kept so
// the selected entry can be echoed back verbatim.
type MediaOffer struct {
	Type     string
	Format   string
	Channels []string
	Rate     int

	raw json.RawMessage
}

func (m *MediaOffer) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type     string          `json:"type"`
		Format   string          `json:"format"`
		Channels []string        `json:"channels"`
		Rate     json.RawMessage `json:"rate"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Type = wire.Type
	m.Format = wire.Format
	m.Channels = wire.Channels
	m.Rate = 0
	// Only a JSON number counts; "8000" as a string never matches.
	var rate any
	if len(wire.Rate) > 0 && json.Unmarshal(wire.Rate, &rate) == nil {
		if f, ok := rate.(float64); ok && f == math.Trunc(f) {
			m.Rate = int(f)
		}
	}
	m.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (m MediaOffer) MarshalJSON() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	return json.Marshal(struct {
		Type     string   `json:"type"`
		Format   string   `json:"format"`
		Channels []string `json:"channels,omitempty"`
		Rate     int      `json:"rate"`
	}{m.Type, m.Format, m.Channels, m.Rate})
}

type Participant struct {
	ID      string `json:"id,omitempty"`
	ANI     string `json:"ani,omitempty"`
	ANIName string `json:"aniName,omitempty"`
	DNIS    string `json:"dnis,omitempty"`
}

type OpenParameters struct {
	OrganizationID string          `json:"organizationId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Participant    *Participant    `json:"participant,omitempty"`
	InputVariables map[string]any  `json:"inputVariables,omitempty"`
	CustomConfig   json.RawMessage `json:"customConfig,omitempty"`
	Media          []MediaOffer    `json:"media"`
	Language       string          `json:"language,omitempty"`
}

type Open struct {
	Envelope
	Parameters OpenParameters
}

type Ping struct{ Envelope }

type DTMF struct {
	Envelope
	Digit string
}

type Close struct {
	Envelope
	Reason string
}

type Update struct{ Envelope }

// PlaybackEvent covers playback_started, playback_completed, paused and
// resumed. None of them changes session state.
type PlaybackEvent struct{ Envelope }

type Unrecognized struct{ Envelope }

// DecodeClientMessage decodes one text frame from the client leg. Only
// malformed JSON is an error; unknown types decode to Unrecognized.
func DecodeClientMessage(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidJSON("invalid json frame", "")
	}

	switch env.Type {
	case TypeOpen:
		var params OpenParameters
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, invalidJSON("invalid open parameters", "parameters")
		}
		return Open{Envelope: env, Parameters: params}, nil
	case TypePing:
		return Ping{Envelope: env}, nil
	case TypeDTMF:
		var params struct {
			Digit any `json:"digit"`
		}
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, invalidJSON("invalid dtmf parameters", "parameters")
		}
		return DTMF{Envelope: env, Digit: scalarString(params.Digit)}, nil
	case TypeClose:
		var params struct {
			Reason string `json:"reason"`
		}
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, invalidJSON("invalid close parameters", "parameters")
		}
		return Close{Envelope: env, Reason: params.Reason}, nil
	case TypeUpdate:
		return Update{Envelope: env}, nil
	case TypePlaybackStarted, TypePlaybackCompleted, TypePaused, TypeResumed:
		return PlaybackEvent{Envelope: env}, nil
	default:
		return Unrecognized{Envelope: env}, nil
	}
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

// SelectMedia returns the first offer matching the wanted format and rate.
func SelectMedia(offers []MediaOffer, format string, rate int) (MediaOffer, bool) {
	for _, m := range offers {
		if m.Type == "audio" && m.Format == format && m.Rate == rate {
			return m, true
		}
	}
	return MediaOffer{}, false
}

// CustomConfigValues decodes the customConfig parameter, which the platform sends
// as a JSON-encoded string holding an object. A bare object is accepted too.
func (p OpenParameters) CustomConfigValues() (map[string]any, error) {
	raw := bytes.TrimSpace(p.CustomConfig)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		raw = []byte(s)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerMessage is an outbound client-leg message. Seq is stamped by the
// sender immediately before the write.
type ServerMessage struct {
	Version    string `json:"version"`
	Type       string `json:"type"`
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	ClientSeq  int64  `json:"clientseq"`
	Parameters any    `json:"parameters,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

type OpenedParameters struct {
	StartPaused bool         `json:"startPaused"`
	Media       []MediaOffer `json:"media"`
}

type DisconnectParameters struct {
	Reason          string            `json:"reason"`
	Info            string            `json:"info,omitempty"`
	OutputVariables map[string]string `json:"outputVariables,omitempty"`
}

type ErrorReport struct {
	ErrorType    string         `json:"errorType"`
	ErrorMessage string         `json:"errorMessage"`
	Source       string         `json:"source,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

type DataPayload struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func NewOpened(id string, media MediaOffer) ServerMessage {
	return ServerMessage{Type: TypeOpened, ID: id, Parameters: OpenedParameters{Media: []MediaOffer{media}}}
}

func NewPong(id string) ServerMessage {
	return ServerMessage{Type: TypePong, ID: id}
}

func NewClosed(id string) ServerMessage {
	return ServerMessage{Type: TypeClosed, ID: id, Parameters: struct{}{}}
}

func NewDisconnect(id string, params DisconnectParameters) ServerMessage {
	return ServerMessage{Type: TypeDisconnect, ID: id, Parameters: params}
}

func NewErrorReport(id string, report ErrorReport) ServerMessage {
	return ServerMessage{Type: TypeData, ID: id, Payload: DataPayload{Type: "errorReport", Payload: report}}
}

// StringifyVariables renders output variables the way the client protocol
// requires: strings verbatim, everything else as JSON text.
func StringifyVariables(vars map[string]any) map[string]string {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = string(b)
	}
	return out
}
