package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Inbound envelopes are CBOR and are
// checked by the codec; unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	var target any
	switch subject {
	case SubjectInbound:
		return nil
	case SubjectUndeliverable:
		target = &UndeliverablePayload{}
	case SubjectEvents:
		target = &EventPayload{}
	default:
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON on subject %s", subject)
		}
		return nil
	}

	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
