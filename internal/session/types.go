package session

import (
	"fmt"
	"strings"
)

// ChatMode selects which client capture stream accompanies the voice channel.
type ChatMode string

const (
	ModeVoice  ChatMode = "voice"
	ModeScreen ChatMode = "screen"
	ModeCamera ChatMode = "camera"
)

// ParseChatMode normalizes a client supplied mode. Empty means voice.
func ParseChatMode(raw string) (ChatMode, error) {
	switch ChatMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeVoice:
		return ModeVoice, nil
	case ModeScreen:
		return ModeScreen, nil
	case ModeCamera:
		return ModeCamera, nil
	default:
		return "", fmt.Errorf("unknown chat_mode %q", raw)
	}
}

// EndReason is reported to the client in session_end and stored in history.
type EndReason string

const (
	ReasonClientDisconnect EndReason = "client_disconnect"
	ReasonTransportClosed  EndReason = "transport_closed"
	ReasonIdleTimeout      EndReason = "idle_timeout"
	ReasonTerminated       EndReason = "terminated"
	ReasonUpstreamLost     EndReason = "upstream_lost"
	ReasonShutdown         EndReason = "server_shutdown"
)

type AudioConfig struct {
	SampleRate       int    `json:"sample_rate"`
	OutputSampleRate int    `json:"output_sample_rate"`
	Channels         int    `json:"channels"`
	Format           string `json:"format"`
}

// ActivityDetection overrides the upstream voice activity detector.
// Sensitivities are "low" or "high"; empty keeps the server default.
type ActivityDetection struct {
	Disabled          bool   `json:"disabled"`
	StartSensitivity  string `json:"start_of_speech_sensitivity,omitempty"`
	EndSensitivity    string `json:"end_of_speech_sensitivity,omitempty"`
	PrefixPaddingMS   *int32 `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS *int32 `json:"silence_duration_ms,omitempty"`
}

// Config is fixed once the session starts.
type Config struct {
	ChatMode                  ChatMode           `json:"chat_mode"`
	VoiceName                 string             `json:"voice_name"`
	SystemInstruction         string             `json:"system_instruction"`
	LanguageCode              string             `json:"language_code,omitempty"`
	EnableInputTranscription  bool               `json:"enable_input_transcription"`
	EnableOutputTranscription bool               `json:"enable_output_transcription"`
	AudioConfig               AudioConfig        `json:"audio_config"`
	ActivityDetection         *ActivityDetection `json:"activity_detection,omitempty"`
}

// Defaults fill fields a client left empty in its connect request.
type Defaults struct {
	VoiceName         string
	SystemInstruction string
	LanguageCode      string
}

// DefaultAudioConfig is 16 kHz mono PCM in and 24 kHz out.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:       16000,
		OutputSampleRate: 24000,
		Channels:         1,
		Format:           "pcm",
	}
}

func (c Config) WithDefaults(d Defaults) Config {
	if c.ChatMode == "" {
		c.ChatMode = ModeVoice
	}
	if c.VoiceName == "" {
		c.VoiceName = d.VoiceName
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = d.SystemInstruction
	}
	if c.LanguageCode == "" {
		c.LanguageCode = d.LanguageCode
	}
	def := DefaultAudioConfig()
	if c.AudioConfig.SampleRate <= 0 {
		c.AudioConfig.SampleRate = def.SampleRate
	}
	if c.AudioConfig.OutputSampleRate <= 0 {
		c.AudioConfig.OutputSampleRate = def.OutputSampleRate
	}
	if c.AudioConfig.Channels <= 0 {
		c.AudioConfig.Channels = def.Channels
	}
	if c.AudioConfig.Format == "" {
		c.AudioConfig.Format = def.Format
	}
	return c
}

// Info is the admin listing view of a session.
type Info struct {
	SessionID    string   `json:"session_id"`
	ChatMode     ChatMode `json:"chat_mode"`
	VoiceName    string   `json:"voice_name"`
	ConnectedAt  float64  `json:"connected_at"`
	LastActivity float64  `json:"last_activity"`
	IsActive     bool     `json:"is_active"`
}

type Stats struct {
	TotalSessions          int     `json:"total_sessions"`
	ActiveSessions         int     `json:"active_sessions"`
	VoiceSessions          int     `json:"voice_sessions"`
	ScreenSessions         int     `json:"screen_sessions"`
	CameraSessions         int     `json:"camera_sessions"`
	AverageSessionDuration float64 `json:"average_session_duration"`
}
