package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/livebridge/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound.
const (
	TypeConnect     MessageType = "connect"
	TypeDisconnect  MessageType = "disconnect"
	TypeAudioData   MessageType = "audio_data"
	TypeTextMessage MessageType = "text_message"
	TypeScreenData  MessageType = "screen_data"
	TypeCameraData  MessageType = "camera_data"
)

// Outbound. audio_data is shared with the inbound set.
const (
	TypeSessionStart        MessageType = "session_start"
	TypeSessionEnd          MessageType = "session_end"
	TypeTextResponse        MessageType = "text_response"
	TypeInputTranscription  MessageType = "input_transcription"
	TypeOutputTranscription MessageType = "output_transcription"
	TypeInterrupted         MessageType = "interrupted"
	TypeError               MessageType = "error"
)

const (
	DefaultAudioMIME = "audio/pcm"
	DefaultImageMIME = "image/jpeg"
)

// Envelope is the shared wire shape for both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Command is a decoded inbound message.
type Command interface {
	Type() MessageType
}

type Connect struct {
	Config session.Config
}

type AudioChunk struct {
	Data       []byte
	MIMEType   string
	SampleRate int
}

type TextTurn struct {
	Text string
}

type ImageFrame struct {
	Source   session.ChatMode
	Data     []byte
	MIMEType string
}

type Disconnect struct{}

func (Connect) Type() MessageType    { return TypeConnect }
func (AudioChunk) Type() MessageType { return TypeAudioData }
func (TextTurn) Type() MessageType   { return TypeTextMessage }
func (Disconnect) Type() MessageType { return TypeDisconnect }

func (f ImageFrame) Type() MessageType {
	if f.Source == session.ModeCamera {
		return TypeCameraData
	}
	return TypeScreenData
}

type connectData struct {
	ChatMode                  string                     `json:"chat_mode"`
	VoiceName                 string                     `json:"voice_name"`
	SystemInstruction         string                     `json:"system_instruction"`
	LanguageCode              string                     `json:"language_code"`
	EnableInputTranscription  *bool                      `json:"enable_input_transcription"`
	EnableOutputTranscription *bool                      `json:"enable_output_transcription"`
	AudioConfig               *session.AudioConfig       `json:"audio_config"`
	ActivityDetection         *session.ActivityDetection `json:"activity_detection"`
}

type audioData struct {
	Audio      string `json:"audio"`
	MIMEType   string `json:"mime_type"`
	SampleRate int    `json:"sample_rate"`
}

type textData struct {
	Text string `json:"text"`
}

type imageData struct {
	Image    string `json:"image"`
	MIMEType string `json:"mime_type"`
}

// ParseClientMessage decodes and validates one inbound frame. Failures are
// always *Error.
func ParseClientMessage(raw []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newError(CodeInvalidJSON, "invalid envelope: %v", err)
	}

	switch env.Type {
	case TypeConnect:
		return parseConnect(env.Data)
	case TypeDisconnect:
		return Disconnect{}, nil
	case TypeAudioData:
		var d audioData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.Audio == "" {
			return nil, newError(CodeInvalidPayload, "audio_data requires audio")
		}
		pcm, err := base64.StdEncoding.DecodeString(d.Audio)
		if err != nil {
			return nil, newError(CodeInvalidPayload, "audio is not valid base64")
		}
		if d.SampleRate < 0 {
			return nil, newError(CodeInvalidPayload, "sample_rate must be positive")
		}
		return AudioChunk{
			Data:       pcm,
			MIMEType:   AudioMIME(d.MIMEType, d.SampleRate),
			SampleRate: d.SampleRate,
		}, nil
	case TypeTextMessage:
		var d textData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if strings.TrimSpace(d.Text) == "" {
			return nil, newError(CodeInvalidPayload, "text_message requires text")
		}
		return TextTurn{Text: d.Text}, nil
	case TypeScreenData, TypeCameraData:
		var d imageData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.Image == "" {
			return nil, newError(CodeInvalidPayload, "%s requires image", env.Type)
		}
		img, err := base64.StdEncoding.DecodeString(d.Image)
		if err != nil {
			return nil, newError(CodeInvalidPayload, "image is not valid base64")
		}
		mime := strings.TrimSpace(d.MIMEType)
		if mime == "" {
			mime = DefaultImageMIME
		}
		source := session.ModeScreen
		if env.Type == TypeCameraData {
			source = session.ModeCamera
		}
		return ImageFrame{Source: source, Data: img, MIMEType: mime}, nil
	case "":
		return nil, newError(CodeInvalidPayload, "message type is required")
	default:
		return nil, newError(CodeUnsupportedType, "unsupported message type %q", env.Type)
	}
}

// AudioMIME defaults the mime type and appends the sample rate when the
// client sent one separately.
func AudioMIME(mime string, sampleRate int) string {
	mime = strings.TrimSpace(mime)
	if mime == "" {
		mime = DefaultAudioMIME
	}
	if sampleRate > 0 && !strings.Contains(mime, "rate=") {
		mime += ";rate=" + strconv.Itoa(sampleRate)
	}
	return mime
}

func parseConnect(raw json.RawMessage) (Command, error) {
	var d connectData
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, newError(CodeInvalidPayload, "invalid connect data: %v", err)
		}
	}
	mode, err := session.ParseChatMode(d.ChatMode)
	if err != nil {
		return nil, newError(CodeInvalidPayload, "%v", err)
	}
	if ad := d.ActivityDetection; ad != nil {
		for _, v := range []string{ad.StartSensitivity, ad.EndSensitivity} {
			if v != "" && v != "low" && v != "high" {
				return nil, newError(CodeInvalidPayload, "sensitivity must be low or high, got %q", v)
			}
		}
	}

	cfg := session.Config{
		ChatMode:                  mode,
		VoiceName:                 strings.TrimSpace(d.VoiceName),
		SystemInstruction:         d.SystemInstruction,
		LanguageCode:              strings.TrimSpace(d.LanguageCode),
		EnableInputTranscription:  boolOr(d.EnableInputTranscription, true),
		EnableOutputTranscription: boolOr(d.EnableOutputTranscription, true),
		ActivityDetection:         d.ActivityDetection,
	}
	if d.AudioConfig != nil {
		cfg.AudioConfig = *d.AudioConfig
	}
	return Connect{Config: cfg}, nil
}

func decodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return newError(CodeInvalidPayload, "%s requires data", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return newError(CodeInvalidPayload, "invalid %s data: %v", env.Type, err)
	}
	return nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// Outbound is a server to client message. Data is marshalled as-is.
type Outbound struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp float64     `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

func newOutbound(t MessageType, sessionID string, data any) Outbound {
	return Outbound{
		Type:      t,
		SessionID: sessionID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Data:      data,
	}
}

type SessionStartData struct {
	SessionID string         `json:"session_id"`
	Config    session.Config `json:"config"`
}

type SessionEndData struct {
	Reason session.EndReason `json:"reason"`
}

type TextData struct {
	Text string `json:"text"`
}

type AudioOutData struct {
	Audio      string `json:"audio"`
	MIMEType   string `json:"mime_type"`
	SampleRate int    `json:"sample_rate"`
}

type InterruptedData struct {
	DroppedChunks int `json:"dropped_chunks"`
}

type ErrorData struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func SessionStart(sessionID string, cfg session.Config) Outbound {
	return newOutbound(TypeSessionStart, sessionID, SessionStartData{SessionID: sessionID, Config: cfg})
}

func SessionEnd(sessionID string, reason session.EndReason) Outbound {
	return newOutbound(TypeSessionEnd, sessionID, SessionEndData{Reason: reason})
}

func TextResponse(sessionID, text string) Outbound {
	return newOutbound(TypeTextResponse, sessionID, TextData{Text: text})
}

func InputTranscription(sessionID, text string) Outbound {
	return newOutbound(TypeInputTranscription, sessionID, TextData{Text: text})
}

func OutputTranscription(sessionID, text string) Outbound {
	return newOutbound(TypeOutputTranscription, sessionID, TextData{Text: text})
}

// AudioOut carries one queued upstream PCM chunk.
func AudioOut(sessionID string, pcm []byte, sampleRate int) Outbound {
	return newOutbound(TypeAudioData, sessionID, AudioOutData{
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		MIMEType:   DefaultAudioMIME,
		SampleRate: sampleRate,
	})
}

func Interrupted(sessionID string, dropped int) Outbound {
	return newOutbound(TypeInterrupted, sessionID, InterruptedData{DroppedChunks: dropped})
}

func ErrorMessage(sessionID, code, message string) Outbound {
	return newOutbound(TypeError, sessionID, ErrorData{Error: message, Code: code})
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
