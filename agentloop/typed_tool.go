package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// NewTypedTool builds a RegisteredTool whose parameter schema is reflected
// from T and whose arguments are decoded into T before the handler runs.
//
// T should be a struct with json and jsonschema tags:
//
//	type readFileParams struct {
//	    Path string `json:"path" jsonschema:"required,description=File to read"`
//	}
func NewTypedTool[T any](def ToolDefinition, handler func(ctx context.Context, params T, env ExecutionEnvironment) (string, error)) RegisteredTool {
	def.Parameters = schemaFor[T]()
	name := def.Name
	return RegisteredTool{
		Definition: def,
		Executor: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error) {
			var params T
			if err := json.Unmarshal(arguments, &params); err != nil {
				return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
			}
			return handler(ctx, params, env)
		},
	}
}

// schemaFor reflects T into a JSON schema object with every definition
// inlined, since vendors reject $ref in tool parameters.
func schemaFor[T any]() map[string]interface{} {
	reflector := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
	}
	var zero T
	data, err := json.Marshal(reflector.Reflect(zero))
	if err != nil {
		panic(fmt.Sprintf("generate schema for %T: %v", zero, err))
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil {
		panic(fmt.Sprintf("decode schema for %T: %v", zero, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}
