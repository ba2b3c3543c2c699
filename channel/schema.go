package channel

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	queryfi "github.com/kshitij-hash/QueryFi"
)

// Response-param schemas, keyed by method tag. Inbound frames are checked
// before their params are handed to a waiting call, so a malformed relay
// reply surfaces as ErrMalformedResponse instead of a zero-valued struct.
var responseSchemas = map[string]*gojsonschema.Schema{
	methodAuthChallenge: mustCompileSchema(`{
		"type": "object",
		"required": ["challenge_message"],
		"properties": {
			"challenge_message": {"type": "string", "minLength": 1}
		}
	}`),
	methodAuthVerify: mustCompileSchema(`{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"address": {"type": "string"}
		}
	}`),
	methodCreateAppSession: mustCompileSchema(`{
		"type": "object",
		"required": ["app_session_id"],
		"properties": {
			"app_session_id": {"type": "string", "minLength": 1},
			"version": {"type": "integer", "minimum": 0}
		}
	}`),
	methodSubmitAppState: mustCompileSchema(`{
		"type": "object",
		"properties": {
			"version": {"type": "integer", "minimum": 0}
		}
	}`),
	methodError: mustCompileSchema(`{
		"type": "object",
		"required": ["message"],
		"properties": {
			"method": {"type": "string"},
			"message": {"type": "string"}
		}
	}`),
}

func mustCompileSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid relay response schema: %v", err))
	}
	return schema
}

// validateResponse checks a frame's params against the schema for its
// method. Methods without a schema pass through.
func validateResponse(method string, params []byte) error {
	schema, ok := responseSchemas[method]
	if !ok {
		return nil
	}
	if len(params) == 0 {
		return fmt.Errorf("%w: %s reply has no params", queryfi.ErrMalformedResponse, method)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %s reply is not valid JSON: %v", queryfi.ErrMalformedResponse, method, err)
	}
	if !result.Valid() {
		return fmt.Errorf("%w: %s reply failed validation: %v", queryfi.ErrMalformedResponse, method, result.Errors())
	}
	return nil
}
