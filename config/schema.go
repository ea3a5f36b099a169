package config

import (
	_ "embed"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// ValidateSchema checks a raw configuration document against the embedded
// JSON schema.
func ValidateSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &Error{Type: ErrorTypeParse, Message: err.Error()}
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, "  - "+desc.String())
		}
		return &Error{Type: ErrorTypeSchema, Message: strings.Join(details, "\n")}
	}
	return nil
}
