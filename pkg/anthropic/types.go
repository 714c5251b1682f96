// Package anthropic defines the subset of the Anthropic Messages API the
// proxy speaks with Xcode: request bodies, content block unions, model
// listings, error envelopes, and the streaming event payloads.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Roles used by Xcode.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Messages  []Message    `json:"messages"`
	System    *TextOrParts `json:"system,omitempty"`
	Tools     []Tool       `json:"tools,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

// Validate checks the structural requirements the proxy relies on.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Message is one conversation turn.
type Message struct {
	Role    string      `json:"role"`
	Content TextOrParts `json:"content"`
}

// TextOrParts models the Anthropic content union: either a plain string or an
// array of typed blocks.
type TextOrParts struct {
	Text   string
	Parts  []ContentBlock
	isText bool
}

// TextContent builds a plain-string content value.
func TextContent(text string) TextOrParts {
	return TextOrParts{Text: text, isText: true}
}

// PartsContent builds a block-array content value.
func PartsContent(parts ...ContentBlock) TextOrParts {
	return TextOrParts{Parts: parts}
}

// IsText reports whether the content was a plain string.
func (c *TextOrParts) IsText() bool { return c.isText }

// UnmarshalJSON accepts both the string and block-array forms.
func (c *TextOrParts) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		c.isText = true
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.isText = false
	c.Text = ""
	return json.Unmarshal(data, &c.Parts)
}

// MarshalJSON renders the form the value was built with.
func (c TextOrParts) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// JoinedText returns all text carried by the content: the raw string, or the
// text blocks joined by newlines.
func (c *TextOrParts) JoinedText() string {
	if c.isText {
		return c.Text
	}
	var parts []string
	for _, block := range c.Parts {
		if block.Type == BlockTypeText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ContentBlock is one element of the block-array content form. Type selects
// which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolResults returns the tool_result blocks of a message, in order. Empty
// for plain-string content.
func (m *Message) ToolResults() []ContentBlock {
	if m.Content.IsText() {
		return nil
	}
	var results []ContentBlock
	for _, block := range m.Content.Parts {
		if block.Type == BlockTypeToolResult && block.ToolUseID != "" {
			results = append(results, block)
		}
	}
	return results
}

// Tool is one entry of the request tool catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Properties returns the schema's properties map, or nil.
func (t *Tool) Properties() map[string]any {
	if t.InputSchema == nil {
		return nil
	}
	props, _ := t.InputSchema["properties"].(map[string]any)
	return props
}

// ModelInfo is one entry of the GET /v1/models listing.
type ModelInfo struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

// ModelList is the GET /v1/models response body.
type ModelList struct {
	Data    []ModelInfo `json:"data"`
	FirstID *string     `json:"first_id"`
	LastID  *string     `json:"last_id"`
	HasMore bool        `json:"has_more"`
}

// ErrorDetail is the inner error object of the Anthropic error envelope.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the Anthropic error envelope, used both as a plain JSON
// body and as the payload of an SSE "error" event.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// Error envelope types.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAPI            = "api_error"
	ErrOverloaded     = "overloaded_error"
)

// NewErrorResponse builds the standard envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}
