package upstream

import (
	"google.golang.org/genai"

	"github.com/ent0n29/livebridge/internal/session"
)

// BuilderDefaults are server-side fallbacks for fields absent from the
// session config.
type BuilderDefaults struct {
	VoiceName        string
	StartSensitivity string
	EndSensitivity   string
}

// BuildConnectConfig derives the Live connect config for a session. It is
// pure: equal inputs give equal output.
func BuildConnectConfig(cfg session.Config, d BuilderDefaults) *genai.LiveConnectConfig {
	voice := cfg.VoiceName
	if voice == "" {
		voice = d.VoiceName
	}

	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if voice != "" || cfg.LanguageCode != "" {
		out.SpeechConfig = &genai.SpeechConfig{LanguageCode: cfg.LanguageCode}
		if voice != "" {
			out.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			}
		}
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.EnableInputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.EnableOutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	out.RealtimeInputConfig = &genai.RealtimeInputConfig{
		AutomaticActivityDetection: activityDetection(cfg.ActivityDetection, d),
	}
	return out
}

func activityDetection(ad *session.ActivityDetection, d BuilderDefaults) *genai.AutomaticActivityDetection {
	start, end := d.StartSensitivity, d.EndSensitivity
	out := &genai.AutomaticActivityDetection{}
	if ad != nil {
		out.Disabled = ad.Disabled
		if ad.StartSensitivity != "" {
			start = ad.StartSensitivity
		}
		if ad.EndSensitivity != "" {
			end = ad.EndSensitivity
		}
		if ad.PrefixPaddingMS != nil {
			out.PrefixPaddingMs = genai.Ptr(*ad.PrefixPaddingMS)
		}
		if ad.SilenceDurationMS != nil {
			out.SilenceDurationMs = genai.Ptr(*ad.SilenceDurationMS)
		}
	}
	if out.Disabled {
		return out
	}
	switch start {
	case "low":
		out.StartOfSpeechSensitivity = genai.StartSensitivityLow
	case "high":
		out.StartOfSpeechSensitivity = genai.StartSensitivityHigh
	}
	switch end {
	case "low":
		out.EndOfSpeechSensitivity = genai.EndSensitivityLow
	case "high":
		out.EndOfSpeechSensitivity = genai.EndSensitivityHigh
	}
	return out
}
