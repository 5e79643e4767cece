package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/keepmind9/imnotify/internal/core"
)

// HookClient talks to a running hook server with timeout control
type HookClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewHookClient returns a client for the hook server at baseURL
func NewHookClient(baseURL string, timeout time.Duration) *HookClient {
	return &HookClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  http.DefaultClient,
	}
}

// Notify posts a build event and returns the accepted notification
func (h *HookClient) Notify(ctx context.Context, req core.NotifyRequest) (*core.NotifyResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var resp core.NotifyResponse
	if err := h.do(ctx, http.MethodPost, "/notify", bytes.NewReader(data), http.StatusAccepted, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the daemon status with up to recent journal entries
func (h *HookClient) Status(ctx context.Context, recent int) (*core.Status, error) {
	path := "/status"
	if recent > 0 {
		path += "?" + url.Values{"recent": {strconv.Itoa(recent)}}.Encode()
	}

	var st core.Status
	if err := h.do(ctx, http.MethodGet, path, nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (h *HookClient) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
