package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CharlySistemas23/possync"
	"github.com/CharlySistemas23/possync/adapter"
	"github.com/CharlySistemas23/possync/internal/remote"
	possyncmcp "github.com/CharlySistemas23/possync/mcp"
)

const canonicalCustomer = "3f1c2e9a-8b7d-4c5e-9f00-112233445566"

// newClient returns a client wired to the retail adapters. An empty serverURL
// yields an offline client.
func newClient(t *testing.T, serverURL string) *possync.Client {
	t.Helper()

	cfg := possync.Config{
		LocalPath:     filepath.Join(t.TempDir(), "test.db"),
		Branch:        "centro",
		DeviceID:      "till-1",
		ServerURL:     serverURL,
		AllowFallback: true,
	}

	rc := remote.NewHTTPClient(serverURL)
	client, err := possync.New(cfg, possync.WithAuthenticator(rc))
	if err != nil {
		t.Fatalf("possync.New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	rc.WithCredentials(client.Session())
	if err := adapter.RegisterRetail(client.Registry(), rc); err != nil {
		t.Fatalf("RegisterRetail() returned error: %v", err)
	}
	return client
}

func customersServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/customers" {
			http.NotFound(w, r)
			return
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		in["id"] = canonicalCustomer
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(in)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestServer_ToolsList(t *testing.T) {
	server := possyncmcp.NewServer(newClient(t, ""))
	tools := server.ListTools()

	expected := []string{"possync_status", "possync_queue", "possync_drain", "possync_enqueue"}
	if len(tools) != len(expected) {
		t.Errorf("ListTools() returned %d tools, want %d", len(tools), len(expected))
	}

	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("Tool %q not found in registered tools", name)
		}
	}
}

func TestTool_Enqueue_WithRecord(t *testing.T) {
	client := newClient(t, "")
	server := possyncmcp.NewServer(client)
	ctx := context.Background()

	result, err := server.CallTool(ctx, "possync_enqueue", map[string]any{
		"entity_type": "customer",
		"record":      map[string]any{"name": "Ana", "email": "ana@example.com"},
	})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool() returned error result: %s", result.Content)
	}

	pending, err := client.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() returned error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	id := pending[0].EntityID
	if !strings.HasPrefix(id, possync.LocalIDPrefix) {
		t.Errorf("entity id = %q, want a local id", id)
	}

	rec, err := client.Store().Get(ctx, "customers", id)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.String("email") != "ana@example.com" {
		t.Errorf("record = %+v", rec)
	}
}

func TestTool_Enqueue_Errors(t *testing.T) {
	server := possyncmcp.NewServer(newClient(t, ""))

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing type", map[string]any{"entity_id": "local-1"}},
		{"missing id", map[string]any{"entity_type": "customer"}},
		{"bad op", map[string]any{"entity_type": "customer", "entity_id": "local-1", "op": "merge"}},
		{"unknown type with record", map[string]any{"entity_type": "ghost", "record": map[string]any{"a": 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := server.CallTool(context.Background(), "possync_enqueue", tt.args)
			if err != nil {
				t.Fatalf("CallTool() returned error: %v", err)
			}
			if !result.IsError {
				t.Errorf("CallTool() = %q, want error result", result.Content)
			}
		})
	}
}

func TestTool_Queue(t *testing.T) {
	client := newClient(t, "")
	server := possyncmcp.NewServer(client)
	ctx := context.Background()

	result, _ := server.CallTool(ctx, "possync_queue", nil)
	if result.Content != "Queue is empty." {
		t.Errorf("empty queue content = %q", result.Content)
	}

	for _, id := range []string{"local-a", "local-b", "local-c"} {
		if _, err := client.Enqueue(ctx, "sale", id, possync.OpUpsert, nil); err != nil {
			t.Fatalf("Enqueue() returned error: %v", err)
		}
	}

	result, err := server.CallTool(ctx, "possync_queue", map[string]any{"limit": float64(2)})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !strings.Contains(result.Content, "3 pending") || !strings.Contains(result.Content, "1 more") {
		t.Errorf("content = %q", result.Content)
	}
	if strings.Contains(result.Content, "local-c") {
		t.Errorf("content lists entries past the limit: %q", result.Content)
	}
}

func TestTool_Drain_Offline(t *testing.T) {
	server := possyncmcp.NewServer(newClient(t, ""))

	result, err := server.CallTool(context.Background(), "possync_drain", nil)
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError {
		t.Error("drain in offline mode should return error result")
	}
}

func TestIntegration_EnqueueDrainStatus(t *testing.T) {
	client := newClient(t, customersServer(t).URL)
	server := possyncmcp.NewServer(client)
	ctx := context.Background()

	if _, err := server.CallTool(ctx, "possync_enqueue", map[string]any{
		"entity_type": "customer",
		"entity_id":   "local-ana",
		"record":      map[string]any{"name": "Ana"},
	}); err != nil {
		t.Fatalf("enqueue CallTool() returned error: %v", err)
	}

	drain, err := server.CallTool(ctx, "possync_drain", nil)
	if err != nil {
		t.Fatalf("drain CallTool() returned error: %v", err)
	}
	if drain.IsError || !strings.Contains(drain.Content, "Succeeded: 1") {
		t.Fatalf("drain = %q", drain.Content)
	}

	if _, err := client.Store().Get(ctx, "customers", canonicalCustomer); err != nil {
		t.Errorf("customer not stored under canonical id: %v", err)
	}

	status, err := server.CallTool(ctx, "possync_status", nil)
	if err != nil {
		t.Fatalf("status CallTool() returned error: %v", err)
	}
	for _, want := range []string{"Identity: fallback", "Pending: 0", "Succeeded: 1"} {
		if !strings.Contains(status.Content, want) {
			t.Errorf("status missing %q:\n%s", want, status.Content)
		}
	}
}

func TestTool_Unknown(t *testing.T) {
	server := possyncmcp.NewServer(newClient(t, ""))
	result, err := server.CallTool(context.Background(), "possync_nope", nil)
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError {
		t.Error("unknown tool should return error result")
	}
}

func TestProtocol_Initialize(t *testing.T) {
	server := possyncmcp.NewServer(newClient(t, ""))

	initRequest := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`
	respMap := roundTrip(t, server, initRequest)

	if _, hasError := respMap["error"]; hasError {
		t.Errorf("Initialize response has error: %v", respMap["error"])
	}
	result, ok := respMap["result"].(map[string]any)
	if !ok {
		t.Fatalf("Initialize response missing result")
	}
	serverInfo, ok := result["serverInfo"].(map[string]any)
	if !ok {
		t.Fatal("Initialize result missing serverInfo")
	}
	if serverInfo["name"] != "possync" {
		t.Errorf("serverInfo.name = %v, want 'possync'", serverInfo["name"])
	}
	capabilities, ok := result["capabilities"].(map[string]any)
	if !ok {
		t.Fatal("Initialize result missing capabilities")
	}
	if _, hasTools := capabilities["tools"]; !hasTools {
		t.Error("Capabilities should include tools")
	}
}

func TestProtocol_Errors(t *testing.T) {
	server := possyncmcp.NewServer(newClient(t, ""))

	tests := []struct {
		name    string
		message string
		code    int
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"unknown/method","params":{}}`, -32601},
		{"malformed json", `{"jsonrpc":"2.0","id":1,"method":`, -32700},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			respMap := roundTrip(t, server, tt.message)
			errorObj, ok := respMap["error"].(map[string]any)
			if !ok {
				t.Fatal("response should have error")
			}
			if code, _ := errorObj["code"].(float64); int(code) != tt.code {
				t.Errorf("error code = %v, want %d", errorObj["code"], tt.code)
			}
		})
	}
}

func roundTrip(t *testing.T, server *possyncmcp.Server, message string) map[string]any {
	t.Helper()
	response := server.HandleMessage(context.Background(), []byte(message))
	if response == nil {
		t.Fatal("HandleMessage() returned nil response")
	}
	respBytes, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("Failed to marshal response: %v", err)
	}
	var respMap map[string]any
	if err := json.Unmarshal(respBytes, &respMap); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return respMap
}
