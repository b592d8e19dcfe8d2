package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var quiet = slog.New(slog.DiscardHandler)

// bridge answers requests the way an engine bridge does: engine/reload
// emits two progress notifications before its response.
func bridge(req Request) []any {
	id := req.ID
	switch req.Method {
	case MethodInitialize:
		return []any{map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": "fake-bridge", "version": "1"},
			"capabilities":    map[string]any{"chat": true},
		}}}
	case MethodReload:
		return []any{
			map[string]any{"jsonrpc": "2.0", "method": NotifyProgress, "params": map[string]any{"progress": 0.5}},
			map[string]any{"jsonrpc": "2.0", "method": NotifyProgress, "params": map[string]any{"progress": 1}},
			map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}},
		}
	case "fail":
		return []any{map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": -32000, "message": "no adapter"}}}
	default:
		return []any{map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{"method": req.Method}}}
	}
}

func newWebSocketBridge(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "slow" {
				continue
			}
			for _, out := range bridge(req) {
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketClient_CallWithNotifications(t *testing.T) {
	ctx := context.Background()
	c, err := Dial(ctx, "webllm", newWebSocketBridge(t), quiet)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	info, err := Initialize(ctx, c, quiet)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !info.Capabilities.Chat || info.ServerInfo.Name != "fake-bridge" {
		t.Errorf("Initialize() = %+v", info)
	}

	var got []string
	err = c.Call(ctx, MethodReload, ReloadParams{Model: "m"}, nil, func(method string, params json.RawMessage) {
		got = append(got, method+" "+string(params))
	})
	if err != nil {
		t.Fatalf("Call(reload) error = %v", err)
	}
	if len(got) != 2 || !strings.HasPrefix(got[0], NotifyProgress) {
		t.Errorf("notifications = %v, want two progress notifications", got)
	}

	err = c.Call(ctx, "fail", nil, nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Message != "no adapter" {
		t.Errorf("Call(fail) error = %v, want RPC error", err)
	}
}

func TestWebSocketClient_ContextCancel(t *testing.T) {
	c, err := Dial(context.Background(), "webllm", newWebSocketBridge(t), quiet)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "slow", nil, nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call() error = %v, want deadline exceeded", err)
	}

	// The timed-out read poisoned the connection; later calls must say so
	// instead of repeating the stale timeout.
	for i := 0; i < 2; i++ {
		err := c.Call(context.Background(), MethodReload, ReloadParams{Model: "m"}, nil, nil)
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Call() after timeout error = %v, want ErrClosed", err)
		}
	}
}

func TestWebSocketClient_Closed(t *testing.T) {
	c, err := Dial(context.Background(), "webllm", newWebSocketBridge(t), quiet)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	c.Close()
	if err := c.Call(context.Background(), "x", nil, nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close error = %v, want ErrClosed", err)
	}
}

func TestHTTPClient_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc" {
			http.NotFound(w, r)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := bridge(req)
		json.NewEncoder(w).Encode(out[len(out)-1])
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), "hf", srv.URL, quiet)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	var result struct {
		Method string `json:"method"`
	}
	if err := c.Call(context.Background(), MethodGenerate, GenerateParams{Prompt: "p"}, &result, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Method != MethodGenerate {
		t.Errorf("result.Method = %q, want %q", result.Method, MethodGenerate)
	}
}

func TestHTTPClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewHTTPClient("hf", srv.URL, quiet)
	err := c.Call(context.Background(), MethodGenerate, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Call() error = %v, want HTTP 502", err)
	}
}

// TestHelperProcess is the child side of the stdio tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("COCREA_RPC_HELPER") != "1" {
		return
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Println("not json")
			continue
		}
		fmt.Fprintln(os.Stderr, "handling", req.Method)
		for _, out := range bridge(req) {
			b, _ := json.Marshal(out)
			fmt.Println(string(b))
		}
	}
	os.Exit(0)
}

func TestStdioClient_Call(t *testing.T) {
	t.Setenv("COCREA_RPC_HELPER", "1")
	c, err := NewStdioClient("hf", []string{os.Args[0], "-test.run=TestHelperProcess"}, quiet)
	if err != nil {
		t.Fatalf("NewStdioClient() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := Initialize(ctx, c, quiet); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	notified := 0
	if err := c.Call(ctx, MethodReload, ReloadParams{Model: "m"}, nil, func(string, json.RawMessage) { notified++ }); err != nil {
		t.Fatalf("Call(reload) error = %v", err)
	}
	if notified != 2 {
		t.Errorf("notifications = %d, want 2", notified)
	}
	var result struct {
		Method string `json:"method"`
	}
	if err := c.Call(ctx, MethodGenerate, GenerateParams{Prompt: "p"}, &result, nil); err != nil {
		t.Fatalf("Call(generate) error = %v", err)
	}
	if result.Method != MethodGenerate {
		t.Errorf("result.Method = %q", result.Method)
	}
}

func TestDial_Validation(t *testing.T) {
	if _, err := Dial(context.Background(), "hf", "", quiet); err == nil {
		t.Error("Dial() with empty target should fail")
	}
	if _, err := Dial(context.Background(), "hf", "ws://x", nil); err == nil {
		t.Error("Dial() with nil logger should fail")
	}
}
