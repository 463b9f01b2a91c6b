package httpapi

import (
	"net/http"
	"strings"
)

type voiceSummary struct {
	VoiceID     string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Recommended    []voiceSummary `json:"recommended"`
	Voices         []voiceSummary `json:"voices"`
}

// Prebuilt voices accepted by the Live API speech config.
var liveVoices = []voiceSummary{
	{VoiceID: "Puck", Name: "Puck", Description: "Upbeat", Labels: map[string]string{"tone": "upbeat"}},
	{VoiceID: "Charon", Name: "Charon", Description: "Informative", Labels: map[string]string{"tone": "informative"}},
	{VoiceID: "Kore", Name: "Kore", Description: "Firm", Labels: map[string]string{"tone": "firm"}},
	{VoiceID: "Fenrir", Name: "Fenrir", Description: "Excitable", Labels: map[string]string{"tone": "excitable"}},
	{VoiceID: "Aoede", Name: "Aoede", Description: "Breezy", Labels: map[string]string{"tone": "breezy"}},
	{VoiceID: "Leda", Name: "Leda", Description: "Youthful", Labels: map[string]string{"tone": "youthful"}},
	{VoiceID: "Orus", Name: "Orus", Description: "Firm", Labels: map[string]string{"tone": "firm"}},
	{VoiceID: "Zephyr", Name: "Zephyr", Description: "Bright", Labels: map[string]string{"tone": "bright"}},
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	defaultID := strings.TrimSpace(s.cfg.DefaultVoice)
	if defaultID == "" {
		defaultID = "Kore"
	}

	recommended := make([]voiceSummary, 0, 3)
	for _, v := range liveVoices {
		switch v.VoiceID {
		case defaultID, "Puck", "Aoede":
			recommended = append(recommended, v)
		}
	}

	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: defaultID,
		Recommended:    recommended,
		Voices:         liveVoices,
	})
}
