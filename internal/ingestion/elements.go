// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package ingestion

import (
	"fmt"
	"strings"

	"github.com/tomtom215/pulseline/internal/models"
)

const (
	maxElementTextLen = 400
	maxElementHrefLen = 2048

	// DefaultMaxEventNameLen caps event names after sanitizing.
	DefaultMaxEventNameLen = 200
)

// SanitizeEventName trims whitespace, removes NUL bytes and caps the name
// at maxLen runes.
func SanitizeEventName(name string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxEventNameLen
	}
	name = strings.TrimSpace(strings.ReplaceAll(name, "\x00", ""))
	return truncateRunes(name, maxLen)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ElementsFromProperties normalizes the autocapture chain in $elements and
// removes it from properties. Entries that are not objects are skipped.
func ElementsFromProperties(properties map[string]any) []models.Element {
	raw, ok := properties[models.PropElements]
	if !ok {
		return nil
	}
	delete(properties, models.PropElements)

	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	elements := make([]models.Element, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		el := models.Element{
			Text:      truncateRunes(firstString(m, "$el_text", "text"), maxElementTextLen),
			TagName:   firstString(m, "tag_name"),
			Href:      truncateRunes(firstString(m, "attr__href", "href"), maxElementHrefLen),
			AttrID:    firstString(m, "attr__id", "attr_id"),
			AttrClass: classes(firstValue(m, "attr__class", "attr_class")),
			NthChild:  intValue(m["nth_child"]),
			NthOfType: intValue(m["nth_of_type"]),
			Order:     len(elements),
		}
		for k, v := range m {
			if !strings.HasPrefix(k, "attr__") || v == nil {
				continue
			}
			if el.Attributes == nil {
				el.Attributes = make(map[string]string)
			}
			el.Attributes[k] = stringValue(v)
		}
		elements = append(elements, el)
	}
	return elements
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	v := firstValue(m, keys...)
	if v == nil {
		return ""
	}
	return stringValue(v)
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// classes accepts a space separated string or a list of strings.
func classes(v any) []string {
	var out []string
	switch c := v.(type) {
	case string:
		out = strings.Fields(c)
	case []any:
		for _, item := range c {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range c {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func intValue(v any) int {
	if f, ok := models.NumericValue(v); ok {
		return int(f)
	}
	return 0
}
