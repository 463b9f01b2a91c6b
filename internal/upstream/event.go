package upstream

import (
	"strings"
	"time"

	"google.golang.org/genai"
)

// EventKind tags a classified upstream event.
type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventText
	EventInputTranscript
	EventOutputTranscript
	EventInterruption
	EventUsage
	EventTurnComplete
	EventGoAway
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventText:
		return "text"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventInterruption:
		return "interruption"
	case EventUsage:
		return "usage"
	case EventTurnComplete:
		return "turn_complete"
	case EventGoAway:
		return "go_away"
	default:
		return "unknown"
	}
}

// Event is one entry of the closed variant set produced by Classify.
// Only the field matching Kind is set.
type Event struct {
	Kind     EventKind
	Audio    []byte
	Text     string
	Usage    *genai.UsageMetadata
	TimeLeft time.Duration
}

// Classify flattens a server message into events in the order the
// bridge must act on them: model turn parts in their own order, then input
// and output transcriptions, then control events.
func Classify(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if blob := part.InlineData; blob != nil && len(blob.Data) > 0 && isAudio(blob.MIMEType) {
					out = append(out, Event{Kind: EventAudio, Audio: blob.Data})
				}
				if part.Text != "" && !part.Thought {
					out = append(out, Event{Kind: EventText, Text: part.Text})
				}
			}
		}
		if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
			out = append(out, Event{Kind: EventInputTranscript, Text: tr.Text})
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
			out = append(out, Event{Kind: EventOutputTranscript, Text: tr.Text})
		}
		if sc.Interrupted {
			out = append(out, Event{Kind: EventInterruption})
		}
		if sc.TurnComplete {
			out = append(out, Event{Kind: EventTurnComplete})
		}
	}
	if msg.UsageMetadata != nil {
		out = append(out, Event{Kind: EventUsage, Usage: msg.UsageMetadata})
	}
	if msg.GoAway != nil {
		out = append(out, Event{Kind: EventGoAway, TimeLeft: msg.GoAway.TimeLeft})
	}
	return out
}

func isAudio(mime string) bool {
	return mime == "" || strings.HasPrefix(mime, "audio/")
}
