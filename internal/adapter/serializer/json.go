// Package serializer implements the wire codecs for task arguments and
// results.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// ContentTypeJSON identifies the JSON codec.
const ContentTypeJSON = "application/json"

// JSON marshals values with encoding/json. The zero value is ready to use.
type JSON struct{}

// ContentType returns the MIME type stamped on messages.
func (JSON) ContentType() string { return ContentTypeJSON }

// Marshal serializes v.
func (JSON) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=serializer.Marshal: %w", err)
	}
	return b, nil
}

// Unmarshal deserializes data into v. Failures wrap
// domain.ErrDeserialization so the executor can dead-letter the message.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("op=serializer.Unmarshal: %w: %v", domain.ErrDeserialization, err)
	}
	return nil
}

// ForContentType returns the codec for ct. An empty content type defaults
// to JSON; anything else is a deserialization failure at the caller.
func ForContentType(ct string) (domain.Serializer, error) {
	switch ct {
	case "", ContentTypeJSON:
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("op=serializer.ForContentType: %w: unsupported content type %q", domain.ErrDeserialization, ct)
	}
}
