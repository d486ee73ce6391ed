package httpapi

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// interceptSchemaJSON validates intercept payloads from both transports
// before they reach the engine. Unknown fields pass through; wrong types do
// not.
const interceptSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string"},
		"label": {"type": "string"},
		"metadata": {"type": "object"},
		"graceWindow": {"type": "integer", "minimum": 0},
		"userId": {"type": "string"}
	}
}`

func compileInterceptSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(interceptSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("intercept.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("intercept.json")
}
