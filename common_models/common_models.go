package common_models

import (
	"encoding/json"
)

// Envelope holds one encrypted value. With IsEncrypted false, Content carries the plain value
// and IV is nil.
type Envelope struct {
	IV          *string `json:"iv"`
	Content     any     `json:"content"`
	IsEncrypted bool    `json:"isEncrypted"`
	Timestamp   int64   `json:"timestamp"`
}

// FilePayload is the clear value encrypted for an attachment.
type FilePayload struct {
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	SizeBytes     int64  `json:"sizeBytes"`
	ContentBase64 string `json:"contentBase64"`
}

// FileInfo is the display metadata of an attachment.
type FileInfo struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

// OutboundMessage is the `encryptedData` object attached to a channel message.
type OutboundMessage struct {
	Text   *Envelope `json:"text,omitempty"`
	File   *Envelope `json:"file"`
	Sender string    `json:"sender"`
}

// ClearFile represents a decrypted attachment.
type ClearFile struct {
	// Name is the original filename of the attachment.
	Name string
	// MimeType is the original mime type of the attachment.
	MimeType string
	// Content is the decrypted content of the attachment.
	Content []byte
}

// FilePayloadFromValue converts a decrypted value (a map coming out of JSON, or a FilePayload
// when it never left the process) into a FilePayload. It returns false when the value has no
// `contentBase64` field.
func FilePayloadFromValue(value any) (*FilePayload, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case *FilePayload:
		return v, v != nil
	case FilePayload:
		return &v, true
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	if _, ok := fields["contentBase64"]; !ok {
		return nil, false
	}
	var payload FilePayload
	if err = json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return &payload, true
}

// Info returns the display metadata of the payload.
func (p *FilePayload) Info() *FileInfo {
	return &FileInfo{Name: p.Name, MimeType: p.MimeType, SizeBytes: p.SizeBytes}
}
