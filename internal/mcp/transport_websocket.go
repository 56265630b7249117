package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsRingBufferSize  = 1000
	wsPingInterval    = 10 * time.Second
	wsMaxReconnects   = 3
	wsMaxBackoff      = 30 * time.Second
	wsInitialBackoff  = 500 * time.Millisecond
	wsLastRequestIDHdr = "X-Last-Request-Id"
)

// outboundFrame is one message sent over the socket, kept in the ring buffer
// so it can be replayed to the server after a reconnect.
type outboundFrame struct {
	id   string
	data []byte
}

// pendingCall is a Call() waiting for its matching JSON-RPC response.
type pendingCall struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// WebSocketTransport implements the MCP transport over a persistent
// connection with at-least-once delivery across reconnects: every sent frame
// is kept in a ring buffer keyed by a UUID, and on reconnect the transport
// sends the ID of the last frame it successfully wrote as the
// X-Last-Request-Id header; a cooperating server replies with the same header
// to acknowledge where its own replay should resume, and the transport
// replays anything in its buffer sent after that point.
type WebSocketTransport struct {
	config *ServerConfig
	logger *slog.Logger

	events   chan *JSONRPCNotification
	requests chan *JSONRPCRequest

	mu           sync.Mutex
	state        ConnectionState
	conn         *websocket.Conn
	ring         []outboundFrame
	lastSentID   string
	pending      map[string]*pendingCall
	reconnectNum int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport(cfg *ServerConfig) *WebSocketTransport {
	return &WebSocketTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "websocket"),
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		pending:  make(map[string]*pendingCall),
		state:    StateIdle,
		stopChan: make(chan struct{}),
	}
}

func (t *WebSocketTransport) setState(s ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the current connection state.
func (t *WebSocketTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the WebSocket endpoint and starts the read/ping loops.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for WebSocket transport")
	}
	t.setState(StateConnecting)
	if err := t.dial(ctx, ""); err != nil {
		t.setState(StateIdle)
		return err
	}
	t.setState(StateConnected)

	t.wg.Add(2)
	go t.readLoop(ctx)
	go t.pingLoop(ctx)
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context, lastRequestID string) error {
	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}
	if lastRequestID != "" {
		header.Set(wsLastRequestIDHdr, lastRequestID)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	t.conn = conn
	ackID := ""
	if resp != nil {
		ackID = resp.Header.Get(wsLastRequestIDHdr)
	}
	toReplay := t.framesAfterLocked(ackID)
	t.mu.Unlock()

	for _, frame := range toReplay {
		if err := t.writeRaw(frame.id, frame.data); err != nil {
			t.logger.Warn("replay failed", "frame", frame.id, "error", err)
		}
	}
	return nil
}

// framesAfterLocked returns buffered frames sent after ackID (or the whole
// buffer if ackID is empty or not found). Caller must hold t.mu.
func (t *WebSocketTransport) framesAfterLocked(ackID string) []outboundFrame {
	if ackID == "" {
		return append([]outboundFrame(nil), t.ring...)
	}
	for i, f := range t.ring {
		if f.id == ackID {
			return append([]outboundFrame(nil), t.ring[i+1:]...)
		}
	}
	return append([]outboundFrame(nil), t.ring...)
}

// Close shuts the connection down.
func (t *WebSocketTransport) Close() error {
	t.setState(StateClosing)
	close(t.stopChan)

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}

	t.wg.Wait()
	t.setState(StateClosed)
	return nil
}

// Connected reports whether the socket is currently up.
func (t *WebSocketTransport) Connected() bool {
	return t.State() == StateConnected
}

func (t *WebSocketTransport) writeRaw(id string, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	t.mu.Lock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.mu.Unlock()
		return err
	}
	t.lastSentID = id
	t.mu.Unlock()
	return nil
}

// send buffers data in the ring (evicting the oldest entry past capacity)
// and writes it to the socket.
func (t *WebSocketTransport) send(id string, data []byte) error {
	t.mu.Lock()
	t.ring = append(t.ring, outboundFrame{id: id, data: data})
	if len(t.ring) > wsRingBufferSize {
		t.ring = t.ring[len(t.ring)-wsRingBufferSize:]
	}
	t.mu.Unlock()
	return t.writeRaw(id, data)
}

// Call sends a request and blocks until the matching response arrives or ctx
// is cancelled.
func (t *WebSocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.Connected() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.New().String()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}
	t.mu.Lock()
	t.pending[id] = pc
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.send(id, body); err != nil {
		return nil, err
	}

	select {
	case result := <-pc.resultCh:
		return result, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (t *WebSocketTransport) Notify(ctx context.Context, method string, params any) error {
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
	body, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	return t.send(uuid.New().String(), body)
}

// Respond answers a server-initiated request.
func (t *WebSocketTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
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
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return t.send(uuid.New().String(), body)
}

// Events returns the notification channel.
func (t *WebSocketTransport) Events() <-chan *JSONRPCNotification { return t.events }

// Requests returns the server-request channel.
func (t *WebSocketTransport) Requests() <-chan *JSONRPCRequest { return t.requests }

func (t *WebSocketTransport) pingLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}
			if !t.reconnect(ctx) {
				return
			}
			continue
		}

		t.dispatch(data)
	}
}

// reconnect retries the dial with exponential backoff, capped at
// wsMaxBackoff and wsMaxReconnects attempts. Returns false once the retry
// budget is exhausted, at which point the caller should stop reading.
func (t *WebSocketTransport) reconnect(ctx context.Context) bool {
	t.setState(StateReconnecting)

	t.mu.Lock()
	lastID := t.lastSentID
	attempt := t.reconnectNum
	t.mu.Unlock()

	if attempt >= wsMaxReconnects {
		t.logger.Error("websocket reconnect budget exhausted")
		t.setState(StateClosed)
		return false
	}

	backoff := wsInitialBackoff * time.Duration(1<<uint(attempt))
	if backoff > wsMaxBackoff {
		backoff = wsMaxBackoff
	}

	select {
	case <-ctx.Done():
		return false
	case <-t.stopChan:
		return false
	case <-time.After(backoff):
	}

	if err := t.dial(ctx, lastID); err != nil {
		t.mu.Lock()
		t.reconnectNum++
		t.mu.Unlock()
		t.logger.Warn("websocket reconnect failed", "attempt", attempt+1, "error", err)
		return true
	}

	t.mu.Lock()
	t.reconnectNum = 0
	t.mu.Unlock()
	t.setState(StateConnected)
	t.logger.Info("websocket reconnected")
	return true
}

func (t *WebSocketTransport) dispatch(data []byte) {
	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *JSONRPCError   `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	// A response to one of our own calls: method is empty, id is set.
	if envelope.Method == "" && envelope.ID != nil {
		idStr := fmt.Sprintf("%v", envelope.ID)
		t.mu.Lock()
		pc, ok := t.pending[idStr]
		t.mu.Unlock()
		if !ok {
			return
		}
		if envelope.Error != nil {
			pc.errCh <- fmt.Errorf("MCP error %d: %s", envelope.Error.Code, envelope.Error.Message)
		} else {
			pc.resultCh <- envelope.Result
		}
		return
	}

	if envelope.Method == "" {
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
