// Manual test harness for the tool-bridge round trip.
// Drives a running proxy the way Xcode does: opens a streaming turn offering
// one client tool, waits for the model to request it, then sends the
// continuation request carrying the tool result.
// Usage: go run ./scripts/test-tool-bridge -url http://127.0.0.1:8123
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	baseURL = flag.String("url", "http://127.0.0.1:8123", "Proxy base URL")
	model   = flag.String("model", "gpt-5", "Model id from the proxy catalog")
	prompt  = flag.String("prompt", "Read main.swift with the read_file tool and summarize it in one sentence.", "User prompt")
	timeout = flag.Duration("timeout", 5*time.Minute, "Per-request timeout")
)

// Xcode identifies itself as Xcode/<build>; the proxy gates /v1 on that.
const userAgent = "Xcode/17.0 (test-tool-bridge)"

type turnResult struct {
	stopReason string
	text       strings.Builder
	toolID     string
	toolName   string
	toolInput  strings.Builder
}

func main() {
	flag.Parse()

	fmt.Printf("Tool-bridge round trip against %s (model %s)\n\n", *baseURL, *model)

	tools := []map[string]any{{
		"name":        "read_file",
		"description": "Read a file from the project and return its contents.",
		"input_schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
	}}
	userTurn := map[string]any{"role": "user", "content": *prompt}

	fmt.Println("1. Opening streaming turn with one client tool...")
	first, err := streamMessages(map[string]any{
		"model":      *model,
		"stream":     true,
		"max_tokens": 4096,
		"tools":      tools,
		"messages":   []any{userTurn},
	})
	if err != nil {
		fmt.Printf("Turn failed: %v\n", err)
		os.Exit(1)
	}

	if first.stopReason != "tool_use" {
		fmt.Printf("\nModel finished with stop_reason=%q without requesting the tool.\n", first.stopReason)
		fmt.Printf("Assistant said:\n%s\n", first.text.String())
		return
	}
	if first.toolID == "" {
		fmt.Println("\nstop_reason=tool_use but no tool_use block was streamed")
		os.Exit(1)
	}
	fmt.Printf("\nModel requested %s (id %s) with input %s\n", first.toolName, first.toolID, first.toolInput.String())

	var input map[string]any
	if err := json.Unmarshal([]byte(first.toolInput.String()), &input); err != nil {
		input = map[string]any{}
	}
	assistantTurn := map[string]any{
		"role": "assistant",
		"content": []any{map[string]any{
			"type":  "tool_use",
			"id":    first.toolID,
			"name":  first.toolName,
			"input": input,
		}},
	}
	resultTurn := map[string]any{
		"role": "user",
		"content": []any{map[string]any{
			"type":        "tool_result",
			"tool_use_id": first.toolID,
			"content":     "import Foundation\n\nprint(\"Hello from the harness\")\n",
		}},
	}

	fmt.Println("\n2. Sending continuation with the tool result...")
	second, err := streamMessages(map[string]any{
		"model":      *model,
		"stream":     true,
		"max_tokens": 4096,
		"tools":      tools,
		"messages":   []any{userTurn, assistantTurn, resultTurn},
	})
	if err != nil {
		fmt.Printf("Continuation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nFinal stop_reason=%s\n", second.stopReason)
	fmt.Printf("Assistant said:\n%s\n", second.text.String())
	if second.stopReason == "tool_use" {
		fmt.Println("(model asked for another tool round; rerun with a richer harness loop)")
	}
}

// streamMessages posts one /v1/messages request and consumes the SSE stream,
// echoing every frame and collecting text, tool_use, and the stop reason.
func streamMessages(body map[string]any) (*turnResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, *baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, buf.String())
	}

	result := &turnResult{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			fmt.Printf("   %s\n", line)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		consumeFrame(result, []byte(strings.TrimPrefix(line, "data: ")))
		if result.stopReason != "" {
			// message_stop follows message_delta; keep draining until EOF
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read: %w", err)
	}
	return result, nil
}

func consumeFrame(result *turnResult, data []byte) {
	var frame struct {
		Type         string `json:"type"`
		ContentBlock *struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Delta *struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "content_block_start":
		if frame.ContentBlock != nil && frame.ContentBlock.Type == "tool_use" {
			result.toolID = frame.ContentBlock.ID
			result.toolName = frame.ContentBlock.Name
		}
	case "content_block_delta":
		if frame.Delta == nil {
			return
		}
		switch frame.Delta.Type {
		case "text_delta":
			result.text.WriteString(frame.Delta.Text)
		case "input_json_delta":
			result.toolInput.WriteString(frame.Delta.PartialJSON)
		}
	case "message_delta":
		if frame.Delta != nil && frame.Delta.StopReason != "" {
			result.stopReason = frame.Delta.StopReason
		}
	}
}
