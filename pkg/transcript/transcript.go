// Package transcript provides types and parsing for the assistant CLI's
// append-only session transcript files, plus projection of tool invocations
// into the stored summary format.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
)

// Entry types found in a transcript.
const (
	// EntryTypeUser is a user turn, or a tool result carrier.
	EntryTypeUser = "user"
	// EntryTypeAssistant is an assistant turn, or a tool invocation carrier.
	EntryTypeAssistant = "assistant"
	// EntryTypeCustomTitle renames the session; the last one wins.
	EntryTypeCustomTitle = "custom-title"
)

// Transcript lines can carry large embedded payloads such as base64 images.
const maxLineBytes = 64 * 1024 * 1024

// Entry is one line of a session transcript.
type Entry struct {
	Type        string   `json:"type"`
	UUID        string   `json:"uuid,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	CustomTitle string   `json:"customTitle,omitempty"`
	Message     *Message `json:"message,omitempty"`

	// ToolUseResult carries per-tool extras, such as AskUserQuestion answers.
	ToolUseResult map[string]any `json:"toolUseResult,omitempty"`
}

// Message is the model-API message embedded in a user or assistant entry.
// Content is either a plain string or a list of content blocks.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Type    string          `json:"type,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContentBlock is one element of a list-form message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the payload of an image content block.
type ImageSource struct {
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Image is an attachment extracted from a user message, stored alongside
// the message body.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentString returns the scalar string form of the message content.
func (m *Message) ContentString() (string, bool) {
	if m == nil || len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ContentBlocks returns the list form of the message content.
func (m *Message) ContentBlocks() ([]ContentBlock, bool) {
	if m == nil || len(m.Content) == 0 {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// UserContent extracts the text body and image attachments from a user
// message. Text blocks are joined with newlines; image blocks without data
// are dropped.
func (m *Message) UserContent() (string, []Image) {
	var textParts []string
	var images []Image

	if s, ok := m.ContentString(); ok {
		if s != "" {
			textParts = append(textParts, s)
		}
	} else if blocks, ok := m.ContentBlocks(); ok {
		for _, block := range blocks {
			switch block.Type {
			case "text":
				if block.Text != "" {
					textParts = append(textParts, block.Text)
				}
			case "image":
				if block.Source != nil && block.Source.Data != "" {
					mediaType := block.Source.MediaType
					if mediaType == "" {
						mediaType = "image/png"
					}
					images = append(images, Image{MediaType: mediaType, Data: block.Source.Data})
				}
			}
		}
	}

	return strings.Join(textParts, "\n"), images
}

// AssistantBody extracts the body from the first content block of an
// assistant message. The second return reports whether the block was a
// thinking block.
func (m *Message) AssistantBody() (string, bool) {
	blocks, ok := m.ContentBlocks()
	if !ok || len(blocks) == 0 {
		return "", false
	}
	switch blocks[0].Type {
	case "thinking":
		return blocks[0].Thinking, true
	case "text":
		return blocks[0].Text, false
	}
	return "", false
}

// IsSyntheticText reports whether a user message body was produced by the
// CLI itself rather than typed by the user. Such messages are not ingested.
func IsSyntheticText(text string) bool {
	return strings.Contains(text, "<local-command-stdout>") ||
		strings.Contains(text, "<local-command-caveat>") ||
		strings.Contains(text, "<command-name>")
}

// Parse reads a line-delimited JSON transcript. Lines that fail to decode
// are skipped, including a partially written final line. Read errors return
// the entries decoded so far along with the error.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var entries []Entry
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// ParseFile opens and parses a transcript file.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Timestamp layouts seen in transcripts: RFC3339 with or without fractional
// seconds, and zone-less local forms.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses a transcript timestamp. Zone-less timestamps are
// interpreted in local time. Returns false when the value is empty or
// unrecognized.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
