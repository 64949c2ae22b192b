// Package corpus manages the knowledge corpus: a directory of markdown
// entries carrying a front-matter block with tags and a summary. Entries are
// immutable once written; new knowledge only arrives through Append.
package corpus

import (
	"fmt"
	"strings"
)

// Entry is one knowledge document. ID is the file path relative to the
// corpus root, so nested directories are allowed (e.g. "sessions/x.md").
type Entry struct {
	ID      string
	Tags    []string
	Summary string
	Body    string
}

// ParseEntry parses the front-matter form:
//
//	---
//	tags: v1, v2
//	summary: one line
//	---
//	body text
//
// Both ASCII and full-width comma glyphs separate tags. Files without a
// complete front-matter block are rejected.
func ParseEntry(id, raw string) (Entry, error) {
	rest, ok := strings.CutPrefix(raw, "---")
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: missing front matter", id)
	}
	head, body, ok := strings.Cut(rest, "\n---")
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: unterminated front matter", id)
	}

	entry := Entry{ID: id, Body: strings.TrimSpace(strings.TrimPrefix(body, "\n"))}
	for _, line := range strings.Split(head, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "tags":
			entry.Tags = splitTags(value)
		case "summary":
			entry.Summary = value
		}
	}
	if len(entry.Tags) == 0 {
		return Entry{}, fmt.Errorf("entry %s: no tags", id)
	}
	return entry, nil
}

func splitTags(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == '，'
	})
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Format renders an entry back to its on-disk form.
func (e Entry) Format() string {
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.WriteString("tags: " + strings.Join(e.Tags, ", ") + "\n")
	sb.WriteString("summary: " + e.Summary + "\n")
	sb.WriteString("---\n")
	sb.WriteString(e.Body)
	if !strings.HasSuffix(e.Body, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}
