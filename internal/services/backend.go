package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Backend opens reply streams against the inference backend's streaming endpoint. It implements
// chat.Transport.
type Backend struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type backendError struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

const maxErrorBodySize = 64 << 10

// NewBackend creates a Backend posting to endpoint. The client must not set a Timeout, as it would
// cut long replies; stalled streams are detected by the caller. A nil client uses a plain
// http.Client.
func NewBackend(endpoint string, client *http.Client, logger *slog.Logger) Backend {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Backend{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With(slog.String("module", "backend")),
	}
}

// Open posts req and returns the response body once the backend accepted the request. A non-success
// status is returned as a *models.ServerError carrying the backend's error text.
func (b Backend) Open(ctx context.Context, authToken string, req models.StreamRequest) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	b.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+authToken)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, serverError(resp.StatusCode, body)
	}

	return resp.Body, nil
}

func serverError(status int, body []byte) *models.ServerError {
	se := &models.ServerError{Status: status}

	var e backendError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		se.Message = e.Error
		se.Kind = e.ErrorType
		return se
	}

	se.Message = strings.TrimSpace(string(body))
	if se.Message == "" {
		se.Message = http.StatusText(status)
	}
	return se
}
