package config

import (
	_ "embed"

	"github.com/xeipuuv/gojsonschema"

	"munet/api"
)

//go:embed schema.json
var schemaJSON []byte

// Validator checks a raw config tree before it is mapped onto the
// typed model. Implementations report every violation, not just the
// first.
type Validator interface {
	Validate(tree map[string]interface{}) []api.FieldError
}

// schemaValidator validates against the published JSON schema, which is
// generated from the YANG model and embedded in the binary.
type schemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles the embedded schema.
func NewSchemaValidator() (Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, api.WrapErr(api.ErrInternal, err, "compiling embedded schema")
	}
	return &schemaValidator{schema: s}, nil
}

func (v *schemaValidator) Validate(tree map[string]interface{}) []api.FieldError {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(tree))
	if err != nil {
		return []api.FieldError{{Path: "(root)", Msg: err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	var errs []api.FieldError
	for _, e := range result.Errors() {
		errs = append(errs, api.FieldError{Path: e.Field(), Msg: e.Description()})
	}
	return errs
}
