package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaymesh/relay/pkg/models"
)

var validatorCache sync.Map

// compileValidator compiles a tool's input schema, caching by schema text.
func compileValidator(schema models.ToolSchema) (*jsonschema.Schema, error) {
	key := string(schema.InputSchema)
	if cached, ok := validatorCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(schema.Name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	validatorCache.Store(key, compiled)
	return compiled, nil
}

// ValidateInput checks raw against the tool's input schema.
func ValidateInput(schema models.ToolSchema, raw json.RawMessage) error {
	if len(schema.InputSchema) == 0 {
		return nil
	}
	compiled, err := compileValidator(schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", schema.Name, err)
	}

	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode input for %s: %w", schema.Name, err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("input for %s invalid: %w", schema.Name, err)
	}
	return nil
}
