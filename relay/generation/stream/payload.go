package stream

import (
	"encoding/json"
	"strings"
)

// payload covers the fields of Responses-API events and response objects
// that carry text.
type payload struct {
	Type       string          `json:"type"`
	Delta      json.RawMessage `json:"delta"`
	OutputText json.RawMessage `json:"output_text"`
	Output     []outputItem    `json:"output"`
	Response   *payload        `json:"response"`
}

type outputItem struct {
	Type    string          `json:"type"`
	Content []outputContent `json:"content"`
}

type outputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *payload) textDelta() (string, bool) {
	if p.Type != TextDeltaEvent {
		return "", false
	}
	var s string
	if err := json.Unmarshal(p.Delta, &s); err != nil {
		return "", false
	}
	return s, true
}

// eventText extracts output text from a wrapper event (response.completed and
// friends) or from a bare response object.
func (p *payload) eventText() string {
	if text := stringField(p.OutputText); text != "" {
		return text
	}
	if p.Response != nil {
		return p.Response.outputText()
	}
	return p.outputText()
}

func (p *payload) outputText() string {
	if text := stringField(p.OutputText); text != "" {
		return text
	}

	for _, item := range p.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				if text := strings.TrimSpace(c.Text); text != "" {
					return text
				}
			}
		}
	}

	return ""
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
