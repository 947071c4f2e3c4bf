package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name   string
	result *ToolsCallResult
	err    error
	calls  int
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub tool for tests" }
func (s *stubTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testServer(t *testing.T, tools ...Tool) (*Server, *Registry) {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(reg, ServerInfo{Name: "branchmind", Version: "test"}, logger), reg
}

func TestRegistryRegisterPanicsOnDuplicateName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubTool{name: "tasks"})
	require.Panics(t, func() {
		reg.Register(&stubTool{name: "tasks"})
	})
}

func TestRegistryListPreservesRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubTool{name: "status"})
	reg.Register(&stubTool{name: "tasks"})
	reg.Register(&stubTool{name: "jobs"})

	defs := reg.List()
	require.Len(t, defs, 3)
	require.Equal(t, []string{"status", "tasks", "jobs"}, []string{defs[0].Name, defs[1].Name, defs[2].Name})
}

func TestHandleMessageInitializeReturnsProtocolVersion(t *testing.T) {
	s, _ := testServer(t)
	resp := s.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test-client"}}}`))

	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(*InitializeResult)
	require.True(t, ok)
	require.Equal(t, "2024-11-05", result.ProtocolVersion)
	require.Equal(t, "branchmind", result.ServerInfo.Name)
}

func TestHandleMessageToolsListReturnsRegisteredTools(t *testing.T) {
	s, _ := testServer(t, &stubTool{name: "tasks"}, &stubTool{name: "jobs"})
	resp := s.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(*ToolsListResult)
	require.True(t, ok)
	require.Len(t, result.Tools, 2)
}

func TestHandleMessageToolsCallDispatchesToNamedTool(t *testing.T) {
	tool := &stubTool{name: "tasks", result: &ToolsCallResult{Content: []ContentBlock{TextContent("ok")}}}
	s, _ := testServer(t, tool)

	resp := s.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"tasks","arguments":{}}}`))

	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	require.Equal(t, 1, tool.calls)
	result, ok := resp.Result.(*ToolsCallResult)
	require.True(t, ok)
	require.Equal(t, "ok", result.Content[0].Text)
}

func TestHandleMessageToolsCallUnknownToolReturnsMethodNotFound(t *testing.T) {
	s, _ := testServer(t)
	resp := s.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"no-such-tool","arguments":{}}}`))

	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHandleMessageUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s, _ := testServer(t)
	resp := s.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":5,"method":"prompts/list"}`))

	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHandleMessageMalformedJSONReturnsParseError(t *testing.T) {
	s, _ := testServer(t)
	resp := s.handleMessage(context.Background(), []byte(`{not json`))

	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeParse, resp.Error.Code)
}

func TestHandleMessageNotificationWithoutIDReturnsNoResponse(t *testing.T) {
	s, _ := testServer(t)
	resp := s.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.Nil(t, resp)
}

func TestHandleMessageToolExecutionErrorIsReportedAsIsErrorResult(t *testing.T) {
	tool := &stubTool{name: "tasks", err: io.ErrUnexpectedEOF}
	s, _ := testServer(t, tool)

	resp := s.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"tasks","arguments":{}}}`))

	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(*ToolsCallResult)
	require.True(t, ok)
	require.True(t, result.IsError)
}
