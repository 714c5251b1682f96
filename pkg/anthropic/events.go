package anthropic

// SSE event names emitted on the /v1/messages stream.
const (
	EventMessageStart      = "message_start"
	EventPing              = "ping"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Delta types.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
)

// Usage counts tokens for a message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageStartEvent opens a streamed message.
type MessageStartEvent struct {
	Type    string       `json:"type"`
	Message MessageStart `json:"message"`
}

// MessageStart is the skeleton assistant message carried by message_start.
type MessageStart struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// NewMessageStartEvent builds the opening frame for a stream.
func NewMessageStartEvent(id, model string, inputTokens int) MessageStartEvent {
	return MessageStartEvent{
		Type: EventMessageStart,
		Message: MessageStart{
			ID:      id,
			Type:    "message",
			Role:    RoleAssistant,
			Model:   model,
			Content: []ContentBlock{},
			Usage:   Usage{InputTokens: inputTokens},
		},
	}
}

// PingEvent is the keepalive frame sent right after message_start.
type PingEvent struct {
	Type string `json:"type"`
}

// NewPingEvent builds a ping frame.
func NewPingEvent() PingEvent {
	return PingEvent{Type: EventPing}
}

// TextBlockStart is the content_block payload opening a text block.
type TextBlockStart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolUseBlockStart is the content_block payload opening a tool_use block.
// Input starts empty; the real arguments stream as input_json_delta.
type ToolUseBlockStart struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ContentBlockStartEvent opens a content block at an index.
type ContentBlockStartEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

// NewTextBlockStartEvent opens a text block.
func NewTextBlockStartEvent(index int) ContentBlockStartEvent {
	return ContentBlockStartEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: TextBlockStart{Type: BlockTypeText},
	}
}

// NewToolUseBlockStartEvent opens a tool_use block.
func NewToolUseBlockStartEvent(index int, id, name string) ContentBlockStartEvent {
	return ContentBlockStartEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: ToolUseBlockStart{Type: BlockTypeToolUse, ID: id, Name: name, Input: map[string]any{}},
	}
}

// Delta is the payload of a content_block_delta frame.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockDeltaEvent appends to an open content block.
type ContentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// NewTextDeltaEvent appends text to an open text block.
func NewTextDeltaEvent(index int, text string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: Delta{Type: DeltaTypeText, Text: text},
	}
}

// NewInputJSONDeltaEvent appends argument JSON to an open tool_use block.
func NewInputJSONDeltaEvent(index int, partialJSON string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: Delta{Type: DeltaTypeInputJSON, PartialJSON: partialJSON},
	}
}

// ContentBlockStopEvent closes a content block.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// NewContentBlockStopEvent closes the block at index.
func NewContentBlockStopEvent(index int) ContentBlockStopEvent {
	return ContentBlockStopEvent{Type: EventContentBlockStop, Index: index}
}

// MessageDelta carries the final stop reason.
type MessageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// DeltaUsage carries the output token count on message_delta.
type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// MessageDeltaEvent closes out a message with its stop reason and usage.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage *DeltaUsage  `json:"usage,omitempty"`
}

// NewMessageDeltaEvent builds the closing delta frame.
func NewMessageDeltaEvent(stopReason string, outputTokens int) MessageDeltaEvent {
	return MessageDeltaEvent{
		Type:  EventMessageDelta,
		Delta: MessageDelta{StopReason: stopReason},
		Usage: &DeltaUsage{OutputTokens: outputTokens},
	}
}

// MessageStopEvent terminates the stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

// NewMessageStopEvent builds the terminal frame.
func NewMessageStopEvent() MessageStopEvent {
	return MessageStopEvent{Type: EventMessageStop}
}
