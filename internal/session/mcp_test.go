package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/history"
	"github.com/lexiqai/voice-server/internal/llm"
)

type rpcMessage struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcPeer records what an mcpClient sends
type rpcPeer struct {
	mu   sync.Mutex
	sent []rpcMessage
	runs []uint64
}

func (p *rpcPeer) send(run uint64, payload json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var msg rpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	p.sent = append(p.sent, msg)
	p.runs = append(p.runs, run)
	return nil
}

func (p *rpcPeer) last(t *testing.T) rpcMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		t.Fatal("Expected a request to be sent")
	}
	return p.sent[len(p.sent)-1]
}

func (p *rpcPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func result(id int64, body string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, body))
}

// handshake runs initialize and a single tools/list page
func handshake(t *testing.T, m *mcpClient, peer *rpcPeer, tools string) {
	t.Helper()
	m.start()
	initReq := peer.last(t)
	if initReq.Method != methodInitialize {
		t.Fatalf("Expected initialize, got %q", initReq.Method)
	}
	m.handle(result(initReq.ID, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}}}`))

	list := peer.last(t)
	if list.Method != methodToolsList {
		t.Fatalf("Expected tools/list, got %q", list.Method)
	}
	m.handle(result(list.ID, `{"tools":`+tools+`}`))
}

func TestMCPClientHandshake(t *testing.T) {
	peer := &rpcPeer{}
	m := newMCPClient(peer.send, zerolog.Nop())

	m.start()
	initReq := peer.last(t)
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	if err := json.Unmarshal(initReq.Params, &params); err != nil {
		t.Fatalf("Expected initialize params, got %v", err)
	}
	if params.ProtocolVersion != mcpProtocolVersion || params.ClientInfo.Name != mcpClientName {
		t.Errorf("Expected version %s from %s, got %+v", mcpProtocolVersion, mcpClientName, params)
	}

	m.handle(result(initReq.ID, `{}`))
	first := peer.last(t)
	m.handle(result(first.ID, `{"tools":[{"name":"self.get_device_status","description":"Device status"}],"nextCursor":"p2"}`))

	second := peer.last(t)
	if second.Method != methodToolsList || !strings.Contains(string(second.Params), `"p2"`) {
		t.Fatalf("Expected a second tools/list with cursor p2, got %s %s", second.Method, second.Params)
	}
	if n := len(m.Tools()); n != 0 {
		t.Errorf("Expected no tools before the last page, got %d", n)
	}

	m.handle(result(second.ID, `{"tools":[{"name":"self.audio_speaker.set_volume","inputSchema":{"type":"object"}}]}`))
	tools := m.Tools()
	if len(tools) != 2 {
		t.Fatalf("Expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "self_get_device_status" || tools[0].Description != "Device status" {
		t.Errorf("Expected self_get_device_status, got %+v", tools[0])
	}
	if tools[1].Parameters["type"] != "object" {
		t.Errorf("Expected the input schema as parameters, got %+v", tools[1].Parameters)
	}
	for _, run := range peer.runs {
		if run != 0 {
			t.Errorf("Expected handshake traffic on run 0, got %d", run)
		}
	}
}

func TestMCPClientRejectedInitialize(t *testing.T) {
	peer := &rpcPeer{}
	m := newMCPClient(peer.send, zerolog.Nop())

	m.start()
	initReq := peer.last(t)
	m.handle(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"nope"}}`, initReq.ID)))

	if n := peer.count(); n != 1 {
		t.Errorf("Expected no tools/list after a rejected initialize, got %d requests", n)
	}
	if n := len(m.Tools()); n != 0 {
		t.Errorf("Expected no tools, got %d", n)
	}
}

func TestMCPClientIgnoresDeviceRequests(t *testing.T) {
	peer := &rpcPeer{}
	m := newMCPClient(peer.send, zerolog.Nop())
	m.start()
	initReq := peer.last(t)

	m.handle(json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	m.handle(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, initReq.ID)))
	m.handle(json.RawMessage(`not json`))
	if n := peer.count(); n != 1 {
		t.Fatalf("Expected the pending initialize untouched, got %d requests", n)
	}

	m.handle(result(initReq.ID, `{}`))
	if got := peer.last(t).Method; got != methodToolsList {
		t.Errorf("Expected tools/list once initialize is answered, got %q", got)
	}
}

func TestModelTools(t *testing.T) {
	long := strings.Repeat("x", 80)
	tools, names := modelTools([]mcpTool{
		{Name: "self.light.on"},
		{Name: "self_light_on"},
		{Name: ""},
		{Name: long},
		{Name: long + "y"},
	})

	want := []string{"self_light_on", "self_light_on_2", strings.Repeat("x", 64), strings.Repeat("x", 62) + "_2"}
	if len(tools) != len(want) {
		t.Fatalf("Expected %d tools, got %d", len(want), len(tools))
	}
	for i, w := range want {
		if tools[i].Name != w {
			t.Errorf("Expected tool %d named %q, got %q", i, w, tools[i].Name)
		}
		if len(tools[i].Name) > maxToolNameLen {
			t.Errorf("Expected at most %d runes, got %d", maxToolNameLen, len(tools[i].Name))
		}
	}
	if names["self_light_on"] != "self.light.on" || names["self_light_on_2"] != "self_light_on" {
		t.Errorf("Expected names mapped back to device names, got %v", names)
	}
}

func TestMCPClientCall(t *testing.T) {
	peer := &rpcPeer{}
	m := newMCPClient(peer.send, zerolog.Nop())
	handshake(t, m, peer, `[{"name":"self.audio_speaker.set_volume"}]`)

	done := make(chan string, 1)
	go func() {
		out, err := m.call(context.Background(), 7, llm.ToolCall{ID: "c1", Name: "self_audio_speaker_set_volume", Arguments: `{"volume":80}`})
		if err != nil {
			out = "error: " + err.Error()
		}
		done <- out
	}()

	var req rpcMessage
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req = peer.last(t); req.Method == methodToolsCall {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if req.Method != methodToolsCall {
		t.Fatalf("Expected tools/call, got %q", req.Method)
	}
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("Expected tools/call params, got %v", err)
	}
	if params.Name != "self.audio_speaker.set_volume" {
		t.Errorf("Expected device tool name, got %q", params.Name)
	}
	if params.Arguments["volume"] != float64(80) {
		t.Errorf("Expected volume 80, got %v", params.Arguments)
	}
	if run := peer.runs[len(peer.runs)-1]; run != 7 {
		t.Errorf("Expected the call on run 7, got %d", run)
	}

	m.handle(result(req.ID, `{"content":[{"type":"text","text":"true"}],"isError":false}`))
	select {
	case out := <-done:
		if out != "true" {
			t.Errorf("Expected output true, got %q", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the call to return")
	}
}

func TestMCPClientCallResults(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{"tool error", `"result":{"content":[{"type":"text","text":"volume out of range"}],"isError":true}`, "Error: volume out of range", false},
		{"joined text", `"result":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`, "ab", false},
		{"no content", `"result":{"ok":true}`, `{"ok":true}`, false},
		{"rpc error", `"error":{"code":-32602,"message":"bad params"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := &rpcPeer{}
			m := newMCPClient(peer.send, zerolog.Nop())
			handshake(t, m, peer, `[{"name":"t"}]`)
			// tools/call takes the next id
			next := peer.last(t).ID + 1
			go func() {
				for peer.count() < 3 {
					time.Sleep(time.Millisecond)
				}
				m.handle(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,%s}`, next, tt.response)))
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			out, err := m.call(ctx, 1, llm.ToolCall{Name: "t"})
			if tt.wantErr {
				var rerr *rpcError
				if !errors.As(err, &rerr) {
					t.Fatalf("Expected rpc error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if out != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, out)
			}
		})
	}
}

func TestMCPClientCallUnknownTool(t *testing.T) {
	peer := &rpcPeer{}
	m := newMCPClient(peer.send, zerolog.Nop())
	handshake(t, m, peer, `[{"name":"t"}]`)

	_, err := m.call(context.Background(), 1, llm.ToolCall{Name: "missing"})
	if !errors.Is(err, errToolUnknown) {
		t.Errorf("Expected errToolUnknown, got %v", err)
	}
	if n := peer.count(); n != 2 {
		t.Errorf("Expected nothing sent for an unknown tool, got %d requests", n)
	}
}

func TestMCPClientCallTimeout(t *testing.T) {
	peer := &rpcPeer{}
	m := newMCPClient(peer.send, zerolog.Nop())
	handshake(t, m, peer, `[{"name":"t"}]`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.call(ctx, 1, llm.ToolCall{Name: "t"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()
	if pending != 0 {
		t.Errorf("Expected the timed out request forgotten, got %d pending", pending)
	}
}

// toolCallStream ends at once with tool calls
type toolCallStream struct {
	calls []llm.ToolCall
}

func (s *toolCallStream) Next() bool       { return false }
func (s *toolCallStream) Delta() string    { return "" }
func (s *toolCallStream) Err() error       { return nil }
func (s *toolCallStream) Reply() llm.Reply { return llm.Reply{Provider: "test", ToolCalls: s.calls} }
func (s *toolCallStream) Close() error     { return nil }

// volumeGenerator asks for the first offered tool once, then reports its
// output
type volumeGenerator struct {
	mu    sync.Mutex
	boxes []llm.Toolbox
}

func (g *volumeGenerator) Name() string { return "volume" }

func (g *volumeGenerator) Generate(ctx context.Context, turns []history.Turn, userText string) (llm.Stream, error) {
	return &sliceStream{parts: []string{"I can't do that."}}, nil
}

func (g *volumeGenerator) GenerateWithTools(ctx context.Context, turns []history.Turn, userText string, box llm.Toolbox) (llm.Stream, error) {
	g.mu.Lock()
	g.boxes = append(g.boxes, box)
	g.mu.Unlock()

	if len(box.Steps) == 0 {
		return &toolCallStream{calls: []llm.ToolCall{{ID: "call_1", Name: box.Tools[0].Name, Arguments: `{"volume":80}`}}}, nil
	}
	return &sliceStream{parts: []string{"Volume is now ", box.Steps[0].Results[0].Output, "."}}, nil
}

func (g *volumeGenerator) calls() []llm.Toolbox {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Toolbox(nil), g.boxes...)
}

func (h *harness) mcpRequests(method string) []rpcMessage {
	var out []rpcMessage
	for _, m := range h.messages(TypeMCP, "") {
		var req rpcMessage
		if json.Unmarshal(m.Payload, &req) == nil && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (h *harness) answerMCP(method, body string) {
	h.t.Helper()
	h.waitFor(method, func() bool { return len(h.mcpRequests(method)) > 0 })
	req := h.mcpRequests(method)[0]
	h.conn.sendJSON(h.t, ClientMessage{Type: TypeMCP, Payload: result(req.ID, body)})
}

func (h *harness) helloWithTools() {
	h.conn.sendJSON(h.t, ClientMessage{
		Type:        TypeHello,
		Version:     1,
		Transport:   "websocket",
		Features:    &Features{MCP: true},
		AudioParams: &AudioParams{Format: "pcm", SampleRate: 16000, Channels: 1, FrameDuration: 60},
	})
}

func TestSessionDeviceToolCall(t *testing.T) {
	gen := &volumeGenerator{}
	h := newHarness(t, Deps{Generator: gen}, nil)
	h.helloWithTools()

	h.answerMCP(methodInitialize, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}}}`)
	h.answerMCP(methodToolsList, `{"tools":[{"name":"self.audio_speaker.set_volume","description":"Set the volume","inputSchema":{"type":"object","properties":{"volume":{"type":"integer"}}}}]}`)
	h.waitFor("device tools", func() bool { return len(h.sess.mcp.Tools()) == 1 })

	h.conn.sendJSON(t, ClientMessage{Type: TypeListen, State: "detect", Text: "turn it up"})
	h.answerMCP(methodToolsCall, `{"content":[{"type":"text","text":"80"}]}`)

	h.waitFor("reply", func() bool { return h.reached(StateGenerating, StateSynthesizing, StateListening) })

	req := h.mcpRequests(methodToolsCall)[0]
	if !strings.Contains(string(req.Params), `"self.audio_speaker.set_volume"`) || !strings.Contains(string(req.Params), `"volume":80`) {
		t.Errorf("Expected set_volume with volume 80, got %s", req.Params)
	}

	boxes := gen.calls()
	if len(boxes) != 2 {
		t.Fatalf("Expected 2 generations, got %d", len(boxes))
	}
	if boxes[0].Tools[0].Name != "self_audio_speaker_set_volume" || boxes[0].Tools[0].Description != "Set the volume" {
		t.Errorf("Expected the device tool offered to the model, got %+v", boxes[0].Tools)
	}
	step := boxes[1].Steps[0]
	if step.Results[0].CallID != "call_1" || step.Results[0].Output != "80" {
		t.Errorf("Expected result 80 for call_1, got %+v", step.Results[0])
	}

	turns := h.turns()
	if len(turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(turns))
	}
	if turns[1].Text != "Volume is now 80." {
		t.Errorf("Expected 'Volume is now 80.', got %q", turns[1].Text)
	}
}

func TestSessionToolsDisabled(t *testing.T) {
	gen := &volumeGenerator{}
	h := newHarness(t, Deps{Generator: gen}, func(o *Options) { o.DisableTools = true })
	h.helloWithTools()
	h.waitFor("hello reply", func() bool { return len(h.messages(TypeHello, "")) == 1 })

	h.conn.sendJSON(t, ClientMessage{Type: TypeListen, State: "detect", Text: "turn it up"})
	h.waitFor("reply", func() bool { return h.reached(StateGenerating, StateSynthesizing, StateListening) })

	if msgs := h.messages(TypeMCP, ""); len(msgs) != 0 {
		t.Errorf("Expected no mcp traffic, got %d messages", len(msgs))
	}
	if n := len(gen.calls()); n != 0 {
		t.Errorf("Expected plain generation without tools, got %d tool generations", n)
	}
	if turns := h.turns(); len(turns) != 2 || turns[1].Text != "I can't do that." {
		t.Errorf("Expected the plain reply, got %+v", turns)
	}
}

func TestSessionHelloWithoutToolsSkipsHandshake(t *testing.T) {
	h := newHarness(t, Deps{}, nil)
	h.hello()
	h.waitFor("hello reply", func() bool { return len(h.messages(TypeHello, "")) == 1 })
	time.Sleep(50 * time.Millisecond)

	if msgs := h.messages(TypeMCP, ""); len(msgs) != 0 {
		t.Errorf("Expected no mcp traffic without the mcp feature, got %d messages", len(msgs))
	}
}
