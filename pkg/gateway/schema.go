package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// chatSendSchemaJSON describes the chat.send parameter shape. The prompt
// must be present and non-empty; the session key is optional.
const chatSendSchemaJSON = `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"sessionKey": {"type": "string"}
	},
	"required": ["prompt"],
	"additionalProperties": false
}`

// paramSchema validates RPC params against a compiled JSON schema.
type paramSchema struct {
	schema *gojsonschema.Schema
}

// compileParamSchema compiles a JSON schema document once so request
// validation does not reparse it per call.
func compileParamSchema(doc string) (*paramSchema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to compile param schema: %w", err)
	}
	return &paramSchema{schema: schema}, nil
}

// validate checks params against the schema. A violation comes back as
// an invalid-params RPC error listing every failed constraint.
func (s *paramSchema) validate(params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return &RPCError{
			Code:    InvalidParams,
			Message: "Invalid params",
			Data:    err.Error(),
		}
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, violation := range result.Errors() {
			details = append(details, violation.String())
		}
		return &RPCError{
			Code:    InvalidParams,
			Message: "Invalid params: " + strings.Join(details, "; "),
		}
	}

	return nil
}
