package protocol

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	batchSchema   = mustCompile("schemas/batch_response.schema.json")
	profileSchema = mustCompile("schemas/profile_response.schema.json")
)

func mustCompile(name string) *jsonschema.Schema {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}
	s, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return s
}

// ValidateBatch checks a raw batch response body against the wire schema.
// It rejects structurally broken payloads early so decode errors do not
// surface as half-applied tiles. A missing ServerTimestamp passes here; the
// scheduler handles that case separately (skip the batch, keep going).
func ValidateBatch(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("batch response: %w", err)
	}
	if err := batchSchema.Validate(v); err != nil {
		return fmt.Errorf("batch response: %w", err)
	}
	return nil
}

// ValidateProfile checks a raw profile response body against the wire schema.
func ValidateProfile(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("profile response: %w", err)
	}
	if err := profileSchema.Validate(v); err != nil {
		return fmt.Errorf("profile response: %w", err)
	}
	return nil
}
