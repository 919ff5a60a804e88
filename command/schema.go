package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// requestSchema constrains the raw request before it is resolved. Command
// and action tokens are lower-case words so nothing else ever reaches a
// device.
const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["command"],
  "properties": {
    "command":  {"type": "string", "pattern": "^[a-z_]{1,32}$"},
    "action":   {"type": "string", "pattern": "^[a-z_]{0,32}$"},
    "value":    {"type": "number"},
    "deviceId": {"type": "string", "maxLength": 64, "pattern": "^[A-Za-z0-9_.:-]*$"}
  }
}`

type requestValidator struct {
	schema *gojsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Dispatcher", "New", "compile request schema")
	}
	return &requestValidator{schema: schema}, nil
}

// validate checks document against the request schema.
func (v *requestValidator) validate(loader gojsonschema.JSONLoader) error {
	result, err := v.schema.Validate(loader)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Dispatcher", "Parse", "decode request")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrCommandRejected, strings.Join(msgs, "; ")),
		"Dispatcher", "Parse", "validate request")
}

// Parse validates a raw JSON request body and decodes it.
func (d *Dispatcher) Parse(body []byte) (Request, error) {
	if err := d.validator.validate(gojsonschema.NewBytesLoader(body)); err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Dispatcher", "Parse", "decode request")
	}
	return req, nil
}

// Check runs an already-decoded request through the schema. Socket
// envelopes arrive decoded.
func (d *Dispatcher) Check(req Request) error {
	return d.validator.validate(gojsonschema.NewGoLoader(req))
}
