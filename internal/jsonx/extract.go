// Package jsonx pulls JSON documents out of LLM responses, which wrap them
// in markdown fences, prose, or slightly broken syntax.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Extract returns the first parseable JSON value found in text, trying in
// order: fenced code blocks, the whole trimmed text, and the first balanced
// object or array substring. Candidates that fail to parse directly go
// through jsonrepair before being rejected.
func Extract(text string) (json.RawMessage, error) {
	candidates := candidates(text, true)
	for _, cand := range candidates {
		if raw, err := decodeLenient(cand); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("no JSON document found in %d candidate(s)", len(candidates))
}

// ExtractInto extracts the first JSON value that unmarshals into out.
func ExtractInto(text string, out any) error {
	for _, cand := range candidates(text, true) {
		raw, err := decodeLenient(cand)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(raw, out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no JSON document matching the target shape")
}

// ObjectFromResponse returns a JSON object carried by an LLM response. Only
// fenced blocks and whole-text documents count; a brace-balanced substring
// in the middle of prose is too often just a code sample.
func ObjectFromResponse(text string) (map[string]any, bool) {
	for _, cand := range candidates(text, false) {
		raw, err := decodeLenient(cand)
		if err != nil {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// candidates lists substrings worth attempting to parse, most specific
// first. deep additionally includes the first balanced {...} or [...] run.
func candidates(text string, deep bool) []string {
	var out []string
	out = append(out, fencedBlocks(text)...)
	trimmed := strings.TrimSpace(text)
	if looksLikeJSON(trimmed) {
		out = append(out, trimmed)
	}
	if deep {
		if span := balancedSpan(text); span != "" {
			out = append(out, span)
		}
	}
	return out
}

// fencedBlocks returns the bodies of ``` fences whose content looks like
// JSON. A ```json language tag is accepted but not required.
func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			return blocks
		}
		rest = rest[open+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			lang := strings.TrimSpace(rest[:nl])
			if lang == "" || strings.EqualFold(lang, "json") || strings.EqualFold(lang, "jsonc") {
				body := rest[nl+1:]
				if end := strings.Index(body, "```"); end >= 0 {
					cand := strings.TrimSpace(body[:end])
					if looksLikeJSON(cand) {
						blocks = append(blocks, cand)
					}
					rest = body[end+3:]
					continue
				}
			}
		}
		// Unterminated or non-JSON fence; skip past the opener.
	}
}

// balancedSpan finds the first brace- or bracket-balanced span, respecting
// string literals and escapes.
func balancedSpan(text string) string {
	start := -1
	var opener, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			start, opener, closer = i, '{', '}'
			break
		}
		if text[i] == '[' {
			start, opener, closer = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func looksLikeJSON(s string) bool {
	return len(s) > 1 && (s[0] == '{' || s[0] == '[')
}

// decodeLenient parses a candidate, repairing near-JSON (trailing commas,
// single quotes, unquoted keys) when a direct parse fails.
func decodeLenient(cand string) (json.RawMessage, error) {
	var probe any
	if err := json.Unmarshal([]byte(cand), &probe); err == nil {
		return json.RawMessage(cand), nil
	}
	fixed, err := jsonrepair.JSONRepair(cand)
	if err != nil {
		return nil, fmt.Errorf("repair: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), &probe); err != nil {
		return nil, fmt.Errorf("parse repaired candidate: %w", err)
	}
	return json.RawMessage(fixed), nil
}
