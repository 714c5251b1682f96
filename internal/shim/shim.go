// Package shim implements the MCP passthrough process the Copilot CLI
// launches for the tool bridge. It speaks JSON-RPC 2.0 as newline-delimited
// JSON on stdin/stdout and forwards tools/list and tools/call to the proxy's
// bridge endpoints over HTTP. Tool execution itself happens in Xcode; the
// shim only carries the call to the proxy, where it parks until Xcode posts
// the result.
package shim

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
)

const protocolVersion = "2024-11-05"

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Config holds the shim parameters resolved by main.
type Config struct {
	// BaseURL is the proxy address, e.g. http://127.0.0.1:8123.
	BaseURL string

	// Name and Version fill the initialize response's serverInfo.
	Name    string
	Version string

	// CallTimeout bounds one tool-call HTTP exchange. It must outlive the
	// proxy's five-minute pending timeout so the proxy, not the shim,
	// decides when a parked call fails.
	CallTimeout time.Duration
}

// Bridge is one shim instance bound to a proxy base URL and a stdio pair.
type Bridge struct {
	log     *logger.Logger
	baseURL string
	name    string
	version string
	client  *http.Client

	in  io.Reader
	out io.Writer
	// outMu serializes protocol writes; parked tool calls respond from
	// their own goroutines.
	outMu sync.Mutex
}

// New creates a shim bridge reading requests from in and writing responses
// to out. Logging must stay off out, which is the protocol channel.
func New(cfg Config, in io.Reader, out io.Writer, log *logger.Logger) *Bridge {
	name := cfg.Name
	if name == "" {
		name = "xcopilot-bridge"
	}
	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 6 * time.Minute
	}
	return &Bridge{
		log:     log.WithFields(zap.String("component", "mcp-shim")),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		name:    name,
		version: version,
		client:  &http.Client{Timeout: timeout},
		in:      in,
		out:     out,
	}
}

// Run consumes requests until EOF on the input stream. Tool calls are
// answered from their own goroutines so a parked call never stalls the read
// loop; pings and parallel calls keep flowing while one call waits on Xcode.
func (b *Bridge) Run() error {
	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			b.write(errorResponse(nil, codeParseError, "parse error: "+err.Error()))
			continue
		}

		if req.Method == "tools/call" {
			wg.Add(1)
			go func(r request) {
				defer wg.Done()
				if resp := b.handleToolsCall(&r); resp != nil {
					b.write(resp)
				}
			}(req)
			continue
		}

		if resp := b.handle(&req); resp != nil {
			b.write(resp)
		}
	}
	wg.Wait()
	return scanner.Err()
}

func (b *Bridge) handle(req *request) *response {
	switch req.Method {
	case "initialize":
		return b.handleInitialize(req)

	case "notifications/initialized":
		return nil

	case "tools/list":
		return b.handleToolsList(req)

	case "ping":
		return &response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}

	default:
		if req.ID == nil {
			b.log.Debug("ignoring unknown notification", zap.String("method", req.Method))
			return nil
		}
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (b *Bridge) handleInitialize(req *request) *response {
	result, err := json.Marshal(map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": b.name, "version": b.version},
	})
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "failed to encode initialize result: "+err.Error())
	}
	b.log.Info("initialized", zap.String("proxy", b.baseURL))
	return &response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// handleToolsList fetches the cached Xcode tool catalog from the proxy. The
// proxy returns a bare array; the MCP reply wraps it as {tools}.
func (b *Bridge) handleToolsList(req *request) *response {
	body, status, err := b.get(b.baseURL + "/internal/tools")
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "failed to fetch tools: "+err.Error())
	}
	if status != http.StatusOK {
		return errorResponse(req.ID, codeInternalError, bridgeFailure(status, body))
	}

	var tools []json.RawMessage
	if err := json.Unmarshal(body, &tools); err != nil {
		return errorResponse(req.ID, codeInternalError, "invalid tools payload: "+err.Error())
	}

	result, err := json.Marshal(struct {
		Tools json.RawMessage `json:"tools"`
	}{Tools: body})
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "failed to encode tools: "+err.Error())
	}

	b.log.Debug("tools listed", zap.Int("count", len(tools)))
	return &response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// handleToolsCall forwards the call to the proxy, which blocks the HTTP
// exchange until Xcode delivers the matching tool_result.
func (b *Bridge) handleToolsCall(req *request) *response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
	}

	payload, err := json.Marshal(map[string]any{
		"name":      params.Name,
		"arguments": params.Arguments,
	})
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "failed to encode call: "+err.Error())
	}

	b.log.Info("forwarding tool call", zap.String("tool", params.Name))

	body, status, err := b.post(b.baseURL+"/internal/tool-call", payload)
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "failed to call tool: "+err.Error())
	}
	if status >= http.StatusBadRequest {
		b.log.Warn("tool call rejected by proxy",
			zap.String("tool", params.Name),
			zap.Int("status", status))
		return errorResponse(req.ID, codeInternalError, bridgeFailure(status, body))
	}

	var callResp struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(body, &callResp); err != nil {
		return errorResponse(req.ID, codeInternalError, "invalid tool-call response: "+err.Error())
	}

	result, err := json.Marshal(mcp.NewToolResultText(contentText(callResp.Content)))
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "failed to encode result: "+err.Error())
	}

	b.log.Debug("tool call resolved", zap.String("tool", params.Name))
	return &response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (b *Bridge) get(url string) ([]byte, int, error) {
	resp, err := b.client.Get(url)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (b *Bridge) post(url string, payload []byte) ([]byte, int, error) {
	resp, err := b.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (b *Bridge) write(resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.log.Error("failed to encode response", zap.Error(err))
		return
	}
	data = append(data, '\n')

	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(data); err != nil {
		b.log.Error("failed to write response", zap.Error(err))
	}
}

// contentText renders a tool result for the MCP text item: JSON strings are
// unwrapped, everything else stays JSON-encoded.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// bridgeFailure extracts the proxy's error message from a failed exchange.
func bridgeFailure(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("bridge returned status %d: %s", status, strings.TrimSpace(string(body)))
}

func errorResponse(id any, code int, message string) *response {
	return &response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
}
