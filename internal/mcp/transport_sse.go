package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SSETransport implements the MCP transport over a dedicated HTTP+SSE pair: a
// POST endpoint for calls/notifications and a GET /sse stream, with its own
// connection-state tracking separate from the plain HTTPTransport (which
// treats SSE as an implementation detail rather than a selectable transport).
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	events   chan *JSONRPCNotification
	requests chan *JSONRPCRequest

	mu    sync.RWMutex
	state ConnectionState

	stopChan chan struct{}
	wg       sync.WaitGroup
	connWg   sync.WaitGroup
}

// NewSSETransport creates a new SSE transport.
func NewSSETransport(cfg *ServerConfig) *SSETransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SSETransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "sse"),
		client:   &http.Client{Timeout: timeout},
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		state:    StateIdle,
		stopChan: make(chan struct{}),
	}
}

func (t *SSETransport) setState(s ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the transport's current connection state.
func (t *SSETransport) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Connect establishes the SSE stream; the POST side of the transport is
// stateless and requires no separate handshake.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for SSE transport")
	}
	t.setState(StateConnecting)

	t.connWg.Add(1)
	go t.streamLoop(ctx)

	t.setState(StateConnected)
	t.logger.Info("SSE transport connected", "url", t.config.URL)
	return nil
}

// Close tears down the stream.
func (t *SSETransport) Close() error {
	t.setState(StateClosing)
	close(t.stopChan)
	t.connWg.Wait()
	t.setState(StateClosed)
	return nil
}

// Connected reports whether the underlying stream is currently up.
func (t *SSETransport) Connected() bool {
	return t.State() == StateConnected
}

// Call posts a request and waits for a matching JSON response body.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.Connected() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify posts a fire-and-forget notification.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.Connected() {
		return fmt.Errorf("not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = data
	}
	body, _ := json.Marshal(notif)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Respond answers a server-initiated request over the POST endpoint.
func (t *SSETransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.Connected() {
		return fmt.Errorf("not connected")
	}
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	body, _ := json.Marshal(resp)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	respHTTP, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	respHTTP.Body.Close()
	return nil
}

// Events returns the notification channel.
func (t *SSETransport) Events() <-chan *JSONRPCNotification { return t.events }

// Requests returns the server-request channel.
func (t *SSETransport) Requests() <-chan *JSONRPCRequest { return t.requests }

// streamLoop keeps the SSE GET stream alive, reconnecting with a fixed
// backoff, and tags the transport state accordingly.
func (t *SSETransport) streamLoop(ctx context.Context) {
	defer t.connWg.Done()
	sseURL := strings.TrimSuffix(t.config.URL, "/") + "/sse"
	var lastID atomic.Value
	lastID.Store("")

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		t.readStream(ctx, sseURL, &lastID)

		t.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-time.After(5 * time.Second):
		}
		t.setState(StateConnected)
	}
}

func (t *SSETransport) readStream(ctx context.Context, sseURL string, lastID *atomic.Value) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id, _ := lastID.Load().(string); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("SSE connection failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("SSE returned non-200", "status", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			lastID.Store(strings.TrimPrefix(line, "id: "))
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		t.dispatch([]byte(data))
	}
}

func (t *SSETransport) dispatch(data []byte) {
	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Method == "" {
		return
	}
	if envelope.ID != nil {
		select {
		case t.requests <- &JSONRPCRequest{JSONRPC: envelope.JSONRPC, ID: envelope.ID, Method: envelope.Method, Params: envelope.Params}:
		default:
			t.logger.Warn("request channel full, dropping")
		}
		return
	}
	select {
	case t.events <- &JSONRPCNotification{JSONRPC: envelope.JSONRPC, Method: envelope.Method, Params: envelope.Params}:
	default:
		t.logger.Warn("notification channel full, dropping")
	}
}
