package tools

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var paramValidator = validator.New()

// decodeParams copies a loosely typed param map into a struct with json
// tags and checks its validate tags.
func decodeParams(tool string, params map[string]any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: encode params: %w", tool, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: invalid params: %w", tool, err)
	}
	if err := paramValidator.Struct(out); err != nil {
		return fmt.Errorf("%s: invalid params: %w", tool, err)
	}
	return nil
}
