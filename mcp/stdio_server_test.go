package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thaiannguyen-05/mcp-server-for-chrome-extension/observability"
)

func TestNewStdIOServer_Validation(t *testing.T) {
	router := newTestRouter(t)

	_, err := NewStdIOServer(StdIOServerConfig{Reader: strings.NewReader(""), Writer: io.Discard}, nil)
	assert.EqualError(t, err, "router cannot be nil")

	_, err = NewStdIOServer(StdIOServerConfig{}, router)
	assert.EqualError(t, err, "reader and writer are required")
}

func TestStdIOServer_Serve(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`,
		``,
		`not json at all`,
		`{"jsonrpc":"2.0","id":"2","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
	}, "\n") + "\n"

	var output bytes.Buffer
	server, err := NewStdIOServer(StdIOServerConfig{
		Reader: strings.NewReader(input),
		Writer: &output,
		Logger: observability.NewNullLogger(),
	}, newTestRouter(t))
	require.NoError(t, err)

	require.NoError(t, server.Serve(context.Background()))

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	require.Len(t, lines, 3)

	var first Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "1", DecodeID(first.ID))
	assert.Nil(t, first.Error)

	var second Response
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.NotNil(t, second.Error)
	assert.Equal(t, ErrorCodeParseError, second.Error.Code)

	var third Response
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, "2", DecodeID(third.ID))
	assert.Nil(t, third.Error)
}

// End-to-end: an StdIOClient talking to an StdIOServer over pipes, the
// same wiring the bridge uses against a spawned provider.
func TestStdIOServerClient_EndToEnd(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	server, err := NewStdIOServer(StdIOServerConfig{
		Reader: serverIn,
		Writer: serverOut,
		Logger: observability.NewNullLogger(),
	}, newTestRouter(t))
	require.NoError(t, err)
	go server.Serve(context.Background())

	client, err := NewStdIOClient(StdIOClientConfig{
		Reader:         clientIn,
		Writer:         clientOut,
		RequestTimeout: 2 * time.Second,
		Logger:         observability.NewNullLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	listed, err := client.ListTools()
	require.NoError(t, err)
	assert.Len(t, listed.Tools, 2)

	resp := client.CallTool(&Request{
		JSONRPC: "2.0",
		ID:      RequestID("e2e"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"echo","arguments":{"text":"roundtrip"}}`),
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "e2e", DecodeID(resp.ID))

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "roundtrip")
}
