package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCompiler compiles parameter schemas, reusing results across plugin
// reloads that re-register identical schemas.
type schemaCompiler struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

func newSchemaCompiler(size int) *schemaCompiler {
	if size <= 0 {
		size = 512
	}
	cache, _ := lru.New[string, *jsonschema.Schema](size)
	return &schemaCompiler{cache: cache}
}

// compile returns nil for tools that declare no parameters
func (c *schemaCompiler) compile(params map[string]interface{}) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(raw)
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, compiled)
	return compiled, nil
}

// decodeArgs parses raw call arguments into a JSON object. Empty input is
// an empty object.
func decodeArgs(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func validateArgs(schema *jsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return errors.New(flattenValidation(verr))
		}
		return err
	}
	return nil
}

// flattenValidation turns the nested error tree into one line per leaf
func flattenValidation(v *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(v)
	return strings.Join(leaves, "; ")
}
