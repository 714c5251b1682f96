// Package prompt renders Anthropic message histories into the plain-text
// prompts the session library accepts. Tool results never appear in prompts;
// they travel through the bridge.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

// Formatter renders messages, dropping code fences that embed files the
// operator excluded (Xcode attaches project context as fenced blocks whose
// first line is the file path).
type Formatter struct {
	exclude []*regexp.Regexp
}

// NewFormatter compiles the configured exclusion patterns.
func NewFormatter(patterns []string) (*Formatter, error) {
	f := &Formatter{}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid excluded file pattern %q: %w", pattern, err)
		}
		f.exclude = append(f.exclude, re)
	}
	return f, nil
}

// Format renders messages[from:] as "<role>: <text>" paragraphs. Messages
// that render empty (tool_result-only turns) are skipped. The system message
// is not the formatter's concern; the session prepends it on the first send.
func (f *Formatter) Format(messages []anthropic.Message, from int) string {
	if from < 0 {
		from = 0
	}

	var parts []string
	for i := from; i < len(messages); i++ {
		text := f.renderMessage(messages[i])
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", messages[i].Role, text))
	}
	return strings.Join(parts, "\n\n")
}

func (f *Formatter) renderMessage(msg anthropic.Message) string {
	var text string
	if msg.Content.IsText() {
		text = msg.Content.Text
	} else {
		var chunks []string
		for _, block := range msg.Content.Parts {
			switch block.Type {
			case anthropic.BlockTypeText:
				if block.Text != "" {
					chunks = append(chunks, block.Text)
				}
			case anthropic.BlockTypeToolUse:
				chunks = append(chunks, fmt.Sprintf("[tool: %s]", block.Name))
			case anthropic.BlockTypeToolResult:
				// rides the bridge, never the prompt
			}
		}
		text = strings.Join(chunks, "\n")
	}

	if msg.Role == anthropic.RoleUser {
		text = f.stripExcludedFences(text)
	}
	return strings.TrimSpace(text)
}

// stripExcludedFences removes fenced code blocks whose first non-empty body
// line matches an exclusion pattern. Unclosed fences are left alone.
func (f *Formatter) stripExcludedFences(text string) string {
	if len(f.exclude) == 0 || !strings.Contains(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			out = append(out, lines[i])
			continue
		}

		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
				end = j
				break
			}
		}
		if end == -1 {
			out = append(out, lines[i:]...)
			break
		}
		if f.fenceExcluded(lines[i+1 : end]) {
			i = end
			continue
		}
		out = append(out, lines[i:end+1]...)
		i = end
	}
	return strings.Join(out, "\n")
}

func (f *Formatter) fenceExcluded(body []string) bool {
	for _, line := range body {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, re := range f.exclude {
			if re.MatchString(trimmed) {
				return true
			}
		}
		return false
	}
	return false
}
