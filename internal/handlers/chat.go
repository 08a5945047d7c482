package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/streamchat/internal/chat"
)

type sendResponse struct {
	MessageID string `json:"messageId"`
}

type newChatResponse struct {
	ChatCode string `json:"chatCode"`
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

// HandleChats sends the "prompt" form field in the current chat, or in "chat_id" when given. The
// optional "model", "sub_model", "web_search" and "reasoning" fields override the configured
// defaults. The reply streams through the SSE endpoint; the response only carries its message ID.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	prompt := r.FormValue("prompt")
	if prompt == "" {
		m.logger.Error("Prompt is required")
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}

	opts, err := m.options(r)
	if err != nil {
		m.logger.Error("Invalid options", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := m.client.Send(r.Context(), prompt, opts)
	if err != nil {
		m.logger.Error("Failed to send prompt", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	m.publishChats(r)
	m.writeJSON(w, sendResponse{MessageID: reply.MessageID()})
}

// HandleNewChat starts an empty chat and returns its chat code.
func (m Main) HandleNewChat(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, newChatResponse{ChatCode: m.client.NewChat()})
}

// HandleSwitchChat makes the "chat_id" form field the current chat and returns its messages.
func (m Main) HandleSwitchChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.FormValue("chat_id")
	if chatID == "" {
		m.logger.Error("Chat ID is required")
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	if err := m.client.SwitchChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to switch chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	m.writeJSON(w, m.client.Messages())
}

// HandleStop aborts the running stream.
func (m Main) HandleStop(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, stopResponse{Stopped: m.client.Stop()})
}

// HandleRetry re-sends the last prompt. With "continue" set to true, an errored or unfinished reply
// is refilled in place.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	continueLast, err := formBool(r, "continue", false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := m.client.Retry(r.Context(), continueLast)
	if err != nil {
		m.logger.Error("Failed to retry", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	m.writeJSON(w, sendResponse{MessageID: reply.MessageID()})
}

// HandleListChats returns the stored chats, newest first.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.chats.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, chats)
}

// HandleMessages returns the messages of the current chat.
func (m Main) HandleMessages(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, m.client.Messages())
}

func (m Main) options(r *http.Request) (chat.Options, error) {
	opts := m.defaults
	opts.ChatID = r.FormValue("chat_id")

	if model := r.FormValue("model"); model != "" {
		opts.ModelType = model
		opts.SubModel = ""
	}
	if subModel := r.FormValue("sub_model"); subModel != "" {
		opts.SubModel = subModel
	}

	var err error
	if opts.WebSearch, err = formBool(r, "web_search", opts.WebSearch); err != nil {
		return chat.Options{}, err
	}
	if opts.Reasoning, err = formBool(r, "reasoning", opts.Reasoning); err != nil {
		return chat.Options{}, err
	}
	return opts, nil
}

func (m Main) publishChats(r *http.Request) {
	chats, err := m.chats.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.events.PublishChats(chats)
}

func (m Main) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func formBool(r *http.Request, key string, fallback bool) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return b, nil
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNothingToRetry):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
