package conversation

import (
	"strings"

	"chatd/internal/inference"
)

// Persona names the two speakers and opens a fresh session.
type Persona struct {
	UserName     string   `json:"user_name"`
	AIName       string   `json:"ai_name"`
	SystemPrompt string   `json:"system_prompt"`
	Compact      bool     `json:"compact"`
	EndMarkers   []string `json:"end_markers,omitempty"`
}

// StopSequences ends generation when the model starts speaking for the user
// or tries to emit an image placeholder. Compact mode also stops at newlines.
func StopSequences(p Persona) []string {
	stops := []string{p.UserName + ":", p.UserName + ": ", "!(image)", "!(gif)", "!(png)"}
	if p.Compact {
		stops = append(stops, "UserI", "\n")
	}
	return stops
}

// buildPrompt appends msg to the running context and cues the AI to answer.
func buildPrompt(p Persona, next string, first bool, msg string) string {
	base := next
	if first {
		base = p.SystemPrompt
	}
	return base + msg + "\n" + p.AIName + ":"
}

// continuePrompt is the context after a reply, ending with the user cue.
func continuePrompt(p Persona, prompt, reply string) string {
	if !strings.HasSuffix(reply, "\n") {
		reply += "\n"
	}
	return prompt + reply + p.UserName + ":"
}

// buildMessages lays the transcript out as chat messages. Entries come in
// user/assistant pairs; image turns carry their caption as alt text.
func buildMessages(p Persona, transcript []Entry, msg string) []inference.ChatMessage {
	out := make([]inference.ChatMessage, 0, len(transcript)+2)
	if sys := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(p.SystemPrompt), p.UserName+":")); sys != "" {
		out = append(out, inference.ChatMessage{Role: "system", Content: sys})
	}
	for i, e := range transcript {
		if i%2 == 1 {
			out = append(out, inference.ChatMessage{Role: "assistant", Content: strings.TrimSpace(e.Text)})
			continue
		}
		text := e.Text
		if e.Caption != "" {
			text = annotateImage(text, e.Caption)
		}
		out = append(out, inference.ChatMessage{Role: "user", Content: text})
	}
	return append(out, inference.ChatMessage{Role: "user", Content: msg})
}

// TrimEndMarkers removes end-of-turn tokens the server left in the text.
func TrimEndMarkers(s string, markers []string) string {
	for _, m := range markers {
		if m != "" {
			s = strings.ReplaceAll(s, m, "")
		}
	}
	return s
}

// annotateImage appends the caption as inline alt text.
func annotateImage(msg, caption string) string {
	return msg + " !(image)[alt text=" + strings.TrimSpace(caption) + "]"
}
