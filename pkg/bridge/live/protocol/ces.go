package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// DefaultCESBaseURL is the BidiRunSession endpoint prefix; the location is
// appended to it.
const DefaultCESBaseURL = "wss://ces.googleapis.com/ws/google.cloud.ces.v1.SessionService/BidiRunSession/locations/"

// DefaultKickstartText opens the conversation when no greeting is supplied.
const DefaultKickstartText = "Hello"

type CESAudioConfig struct {
	AudioEncoding   string `json:"audioEncoding"`
	SampleRateHertz int    `json:"sampleRateHertz"`
}

type CESSessionConfig struct {
	Session           string         `json:"session"`
	InputAudioConfig  CESAudioConfig `json:"inputAudioConfig"`
	OutputAudioConfig CESAudioConfig `json:"outputAudioConfig"`
	Deployment        string         `json:"deployment,omitempty"`
	Variables         map[string]any `json:"variables,omitempty"`
}

type CESConfigMessage struct {
	Config CESSessionConfig `json:"config"`
}

type RealtimeInput struct {
	Text      string         `json:"text,omitempty"`
	Audio     string         `json:"audio,omitempty"`
	DTMF      string         `json:"dtmf,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

func NewTextInput(text string) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{Text: text}}
}

func NewAudioInput(audio []byte) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{Audio: base64.StdEncoding.EncodeToString(audio)}}
}

func NewDTMFInput(digit string) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{DTMF: digit}}
}

func NewVariablesInput(vars map[string]any) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{Variables: vars}}
}

// Upstream message variants.
type (
	Interruption struct{}

	AudioOutput struct {
		Audio []byte
	}

	TextOutput struct {
		Text string
	}

	EndSession struct {
		Params map[string]any
	}

	RecognitionResult struct {
		Raw json.RawMessage
	}

	// SessionOutput is a sessionOutput carrying neither audio nor text.
	SessionOutput struct {
		Raw json.RawMessage
	}

	UnrecognizedUpstream struct {
		Raw json.RawMessage
	}
)

// DecodeUpstreamMessage classifies one CES frame. Keys are checked in a
// fixed order, so a frame carrying interruptionSignal is an Interruption
// whatever else it holds.
func DecodeUpstreamMessage(data []byte) (any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, invalidJSON("invalid upstream json frame", "")
	}

	if _, ok := fields["interruptionSignal"]; ok {
		return Interruption{}, nil
	}

	var output map[string]json.RawMessage
	if raw, ok := fields["sessionOutput"]; ok {
		if err := json.Unmarshal(raw, &output); err != nil {
			return nil, invalidJSON("invalid sessionOutput", "sessionOutput")
		}
	}
	if raw, ok := output["audio"]; ok {
		var b64 string
		if err := json.Unmarshal(raw, &b64); err != nil {
			return nil, invalidJSON("sessionOutput.audio must be a string", "sessionOutput.audio")
		}
		audio, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, invalidJSON("sessionOutput.audio is not valid base64", "sessionOutput.audio")
		}
		return AudioOutput{Audio: audio}, nil
	}
	if raw, ok := output["text"]; ok {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, invalidJSON("sessionOutput.text must be a string", "sessionOutput.text")
		}
		return TextOutput{Text: text}, nil
	}

	if raw, ok := fields["endSession"]; ok {
		var end struct {
			Metadata struct {
				Params map[string]any `json:"params"`
			} `json:"metadata"`
		}
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &end); err != nil {
				return nil, invalidJSON("invalid endSession", "endSession")
			}
		}
		return EndSession{Params: end.Metadata.Params}, nil
	}
	if raw, ok := fields["recognitionResult"]; ok {
		return RecognitionResult{Raw: raw}, nil
	}
	if raw, ok := fields["sessionOutput"]; ok {
		return SessionOutput{Raw: raw}, nil
	}
	return UnrecognizedUpstream{Raw: append(json.RawMessage(nil), data...)}, nil
}

// AgentFromDeployment derives the agent resource name from a deployment
// resource name of the form projects/{p}/locations/{l}/apps/{a}/deployments/{d}.
func AgentFromDeployment(deploymentID string) (string, bool) {
	parts := strings.Split(deploymentID, "/")
	if len(parts) != 8 || parts[6] != "deployments" {
		return "", false
	}
	return strings.Join(parts[:6], "/"), true
}

// LocationFromAgent returns the segment following "locations" in a resource
// name.
func LocationFromAgent(agentID string) (string, bool) {
	parts := strings.Split(agentID, "/")
	for i, p := range parts {
		if p == "locations" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], true
		}
	}
	return "", false
}
