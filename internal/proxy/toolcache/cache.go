// Package toolcache holds the tool catalog Xcode registers with each request
// and smooths over the ways models mangle tool names and argument keys:
// hallucinated short names, camelCase/snake_case drift, and flag-style
// aliases. Calls are repaired rather than rejected.
package toolcache

import (
	"strings"
	"sync"
	"unicode"

	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

// argAliases maps conversational argument names to the flag-style keys some
// tool schemas use.
var argAliases = map[string]string{
	"ignoreCase":    "-i",
	"lineNumbers":   "-n",
	"afterContext":  "-A",
	"beforeContext": "-B",
	"contextLines":  "-C",
}

// Cache stores the current tool catalog for one conversation.
type Cache struct {
	mu    sync.RWMutex
	tools []anthropic.Tool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

// Cache replaces the stored catalog wholesale.
func (c *Cache) Cache(tools []anthropic.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = make([]anthropic.Tool, len(tools))
	copy(c.tools, tools)
}

// Get returns the stored catalog (may be empty).
func (c *Cache) Get() []anthropic.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]anthropic.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Len reports the catalog size.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// ResolveName maps a possibly-shortened tool name back to its cached form.
// MCP-registered tools carry names like "mcp__xcode-tools__XcodeRead"; models
// regularly call just "XcodeRead". An exact match wins; otherwise a unique
// cached name ending in "__"+name; otherwise the input is returned unchanged
// (no match, or ambiguous). Idempotent.
func (c *Cache) ResolveName(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var match string
	for _, tool := range c.tools {
		if tool.Name == name {
			return name
		}
		if strings.HasSuffix(tool.Name, "__"+name) {
			if match != "" {
				return name // ambiguous
			}
			match = tool.Name
		}
	}
	if match != "" {
		return match
	}
	return name
}

// NormalizeArgs repairs argument keys and enum values against the cached
// schema for toolName. Unknown tools and schemaless tools pass through
// untouched, and unknown keys are always preserved.
func (c *Cache) NormalizeArgs(toolName string, args map[string]any) map[string]any {
	if args == nil {
		return nil
	}

	props := c.lookupProperties(toolName)
	if len(props) == 0 {
		return args
	}

	out := make(map[string]any, len(args))
	for key, value := range args {
		resolved := resolveKey(key, props)
		out[resolved] = normalizeValue(value, props[resolved])
	}
	return out
}

func (c *Cache) lookupProperties(toolName string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.tools {
		if c.tools[i].Name == toolName {
			return c.tools[i].Properties()
		}
	}
	return nil
}

// resolveKey maps an argument key onto a schema property: exact, then the
// opposite casing, then the alias table. Misses keep the original key.
func resolveKey(key string, props map[string]any) string {
	if _, ok := props[key]; ok {
		return key
	}
	if snake := camelToSnake(key); snake != key {
		if _, ok := props[snake]; ok {
			return snake
		}
	}
	if camel := snakeToCamel(key); camel != key {
		if _, ok := props[camel]; ok {
			return camel
		}
	}
	if alias, ok := argAliases[key]; ok {
		if _, ok := props[alias]; ok {
			return alias
		}
	}
	return key
}

// normalizeValue converts a string value between casings when the property
// declares a string enum and the value only matches a member after
// conversion.
func normalizeValue(value any, propSchema any) any {
	str, ok := value.(string)
	if !ok {
		return value
	}
	schema, ok := propSchema.(map[string]any)
	if !ok {
		return value
	}
	rawEnum, ok := schema["enum"].([]any)
	if !ok {
		return value
	}

	members := make(map[string]bool, len(rawEnum))
	for _, m := range rawEnum {
		if s, ok := m.(string); ok {
			members[s] = true
		}
	}
	if members[str] {
		return str
	}
	if snake := camelToSnake(str); members[snake] {
		return snake
	}
	if camel := snakeToCamel(str); members[camel] {
		return camel
	}
	return value
}

// camelToSnake converts fooBarBaz to foo_bar_baz.
func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// snakeToCamel converts foo_bar_baz to fooBarBaz.
func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(part)
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
