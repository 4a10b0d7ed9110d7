package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/llm"
)

// The server is the MCP client of a device: it speaks JSON-RPC 2.0 inside
// mcp messages to initialize the device, list its tools and call them on
// behalf of the model.
const (
	mcpProtocolVersion = "2024-11-05"
	mcpClientName      = "voice-server"
	mcpClientVersion   = "1.0.0"

	methodInitialize = "initialize"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"

	// tool names the model may use, per OpenAI function naming rules
	maxToolNameLen = 64
)

var errToolUnknown = errors.New("unknown tool")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("device rpc error %d: %s", e.Code, e.Message)
}

// rpcResponse also decodes requests and notifications sent by the device;
// those carry a method and are ignored.
type rpcResponse struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type mcpTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools      []mcpTool `json:"tools"`
	NextCursor string    `json:"nextCursor"`
}

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// mcpClient tracks the JSON-RPC exchange with one device. handle runs on the
// reader loop; call runs on pipeline runs.
type mcpClient struct {
	send   func(run uint64, payload json.RawMessage) error
	logger zerolog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]func(*rpcResponse)
	tools   []llm.Tool
	names   map[string]string // model name -> device name
	listing []mcpTool
}

func newMCPClient(send func(run uint64, payload json.RawMessage) error, logger zerolog.Logger) *mcpClient {
	return &mcpClient{
		send:    send,
		logger:  logger,
		pending: make(map[int64]func(*rpcResponse)),
	}
}

// start runs the handshake: initialize, then tools/list until the last page.
// Tools from an earlier handshake are dropped.
func (m *mcpClient) start() {
	m.mu.Lock()
	m.tools, m.names, m.listing = nil, nil, nil
	clear(m.pending)
	m.mu.Unlock()

	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": mcpClientName, "version": mcpClientVersion},
	}
	if _, err := m.request(0, methodInitialize, params, m.onInitialize); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to send MCP initialize")
	}
}

func (m *mcpClient) onInitialize(resp *rpcResponse) {
	if resp.Error != nil {
		m.logger.Warn().Err(resp.Error).Msg("Device rejected MCP initialize")
		return
	}
	m.listTools("")
}

func (m *mcpClient) listTools(cursor string) {
	if _, err := m.request(0, methodToolsList, map[string]any{"cursor": cursor}, m.onToolsList); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to send MCP tools/list")
	}
}

func (m *mcpClient) onToolsList(resp *rpcResponse) {
	if resp.Error != nil {
		m.logger.Warn().Err(resp.Error).Msg("Device failed to list tools")
		return
	}
	var res toolsListResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		m.logger.Warn().Err(err).Msg("Invalid tools/list result")
		return
	}

	m.mu.Lock()
	m.listing = append(m.listing, res.Tools...)
	if res.NextCursor != "" {
		m.mu.Unlock()
		m.listTools(res.NextCursor)
		return
	}
	m.tools, m.names = modelTools(m.listing)
	m.listing = nil
	n := len(m.tools)
	m.mu.Unlock()

	m.logger.Info().Int("tools", n).Msg("Device tools ready")
}

// modelTools exposes device tools under names the model APIs accept
func modelTools(device []mcpTool) ([]llm.Tool, map[string]string) {
	tools := make([]llm.Tool, 0, len(device))
	names := make(map[string]string, len(device))
	for _, t := range device {
		if t.Name == "" {
			continue
		}
		base := toolName(t.Name)
		name := base
		for i := 2; names[name] != ""; i++ {
			suffix := fmt.Sprintf("_%d", i)
			name = base[:min(len(base), maxToolNameLen-len(suffix))] + suffix
		}
		names[name] = t.Name
		tools = append(tools, llm.Tool{Name: name, Description: t.Description, Parameters: t.InputSchema})
	}
	return tools, names
}

func toolName(s string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
	if len(name) > maxToolNameLen {
		name = name[:maxToolNameLen]
	}
	return name
}

// Tools returns the tools the device offers
func (m *mcpClient) Tools() []llm.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Tool(nil), m.tools...)
}

func (m *mcpClient) request(run uint64, method string, params any, onResponse func(*rpcResponse)) (int64, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.pending[id] = onResponse
	m.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err == nil {
		err = m.send(run, payload)
	}
	if err != nil {
		m.forget(id)
		return 0, err
	}
	return id, nil
}

func (m *mcpClient) forget(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// handle routes a device payload to the request it answers
func (m *mcpClient) handle(payload json.RawMessage) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		m.logger.Warn().Err(err).Msg("Ignoring invalid MCP payload")
		return
	}
	if resp.Method != "" || resp.ID == nil {
		m.logger.Debug().Str("method", resp.Method).Msg("Ignoring MCP message from device")
		return
	}

	m.mu.Lock()
	onResponse, ok := m.pending[*resp.ID]
	delete(m.pending, *resp.ID)
	m.mu.Unlock()
	if !ok {
		m.logger.Debug().Int64("id", *resp.ID).Msg("MCP response without a pending request")
		return
	}
	onResponse(&resp)
}

// call runs one tool on the device and returns its text output. Tool-level
// failures reported by the device come back as output so the model can
// react to them.
func (m *mcpClient) call(ctx context.Context, run uint64, c llm.ToolCall) (string, error) {
	m.mu.Lock()
	name, ok := m.names[c.Name]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w %q", errToolUnknown, c.Name)
	}

	done := make(chan *rpcResponse, 1)
	params := map[string]any{"name": name, "arguments": c.Args()}
	id, err := m.request(run, methodToolsCall, params, func(r *rpcResponse) { done <- r })
	if err != nil {
		return "", err
	}

	var resp *rpcResponse
	select {
	case resp = <-done:
	case <-ctx.Done():
		m.forget(id)
		return "", ctx.Err()
	}
	if resp.Error != nil {
		return "", resp.Error
	}

	var res toolCallResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || len(res.Content) == 0 {
		return string(resp.Result), nil
	}
	var out strings.Builder
	for _, part := range res.Content {
		out.WriteString(part.Text)
	}
	if res.IsError {
		return "Error: " + out.String(), nil
	}
	return out.String(), nil
}
