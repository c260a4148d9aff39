package domain

import (
	"encoding/json"
	"fmt"
)

// ContentItem is one unit of batched input for the AI backend.
// The set of variants is closed: Text, ImageRef, FileRef, AudioRef.
type ContentItem interface {
	contentItem()
}

type Text struct {
	Text string
}

type ImageRef struct {
	FileID string
}

type FileRef struct {
	FileID string
}

type AudioRef struct {
	FileID string
}

func (Text) contentItem()     {}
func (ImageRef) contentItem() {}
func (FileRef) contentItem()  {}
func (AudioRef) contentItem() {}

// Item type tags used on the wire.
const (
	ItemText  = "text"
	ItemImage = "image"
	ItemFile  = "file"
	ItemAudio = "audio"
)

// wireItem is the object_string element shape understood by the backend.
type wireItem struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

func toWire(item ContentItem) (wireItem, error) {
	switch v := item.(type) {
	case Text:
		return wireItem{Type: ItemText, Text: v.Text}, nil
	case ImageRef:
		return wireItem{Type: ItemImage, FileID: v.FileID}, nil
	case FileRef:
		return wireItem{Type: ItemFile, FileID: v.FileID}, nil
	case AudioRef:
		return wireItem{Type: ItemAudio, FileID: v.FileID}, nil
	default:
		return wireItem{}, fmt.Errorf("unknown content item %T", item)
	}
}

// EncodeItems renders a batch as the JSON array string sent as object_string content.
func EncodeItems(items []ContentItem) (string, error) {
	out := make([]wireItem, 0, len(items))
	for _, item := range items {
		w, err := toWire(item)
		if err != nil {
			return "", err
		}
		out = append(out, w)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	return string(data), nil
}

// DecodeItems parses an object_string payload back into content items.
func DecodeItems(data string) ([]ContentItem, error) {
	var raw []wireItem
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	items := make([]ContentItem, 0, len(raw))
	for _, w := range raw {
		switch w.Type {
		case ItemText:
			items = append(items, Text{Text: w.Text})
		case ItemImage:
			items = append(items, ImageRef{FileID: w.FileID})
		case ItemFile:
			items = append(items, FileRef{FileID: w.FileID})
		case ItemAudio:
			items = append(items, AudioRef{FileID: w.FileID})
		default:
			return nil, fmt.Errorf("decode items: unknown type %q", w.Type)
		}
	}
	return items, nil
}

// ItemType returns the wire tag of an item.
func ItemType(item ContentItem) string {
	w, err := toWire(item)
	if err != nil {
		return ""
	}
	return w.Type
}
