package models

import (
	"fmt"
	"strings"
)

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// Local is set for a chat the backend has not assigned an ID to yet; ID is then its chat code.
	Local bool `json:"local,omitempty"`
}

const maxTitleLength = 60

// TitleFromPrompt derives a chat title from the first prompt of a conversation.
func TitleFromPrompt(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	runes := []rune(title)
	if len(runes) <= maxTitleLength {
		return title
	}
	return strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
}

// StreamRequest is the JSON body posted to the streaming endpoint of the backend.
type StreamRequest struct {
	Prompt string `json:"prompt"`
	// ChatID is nil for a chat the backend has not created yet.
	ChatID    *string `json:"chatId"`
	ChatCode  string  `json:"chatCode"`
	ModelType string  `json:"modelType"`
	SubModel  string  `json:"subModel"`
	WebSearch bool    `json:"webSearch"`
	Reasoning bool    `json:"reasoning"`
	Stream    bool    `json:"stream"`
}

// ServerError is returned when the backend rejects a stream request with a non-success status.
type ServerError struct {
	Status  int
	Message string
	Kind    string
}

func (e *ServerError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("backend returned status %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}
