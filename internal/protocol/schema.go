package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema constrains the payment envelope before any field is trusted:
// version and scheme are pinned, the network must be CAIP-2 shaped, the
// payload must be an object, and a payment identifier (when present) must be
// 16..128 chars of [A-Za-z0-9_-].
const envelopeSchema = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payload"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"scheme": {"type": "string"},
		"network": {"type": "string", "pattern": "^[a-z0-9-]+:[a-zA-Z0-9-_]+$"},
		"payload": {"type": "object"},
		"extensions": {
			"type": "object",
			"properties": {
				"payment-identifier": {
					"type": "object",
					"properties": {
						"paymentId": {
							"type": "string",
							"minLength": 16,
							"maxLength": 128,
							"pattern": "^[A-Za-z0-9_-]+$"
						}
					}
				}
			}
		}
	}
}`

var envelopeSchemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

func validateEnvelope(raw []byte) error {
	result, err := gojsonschema.Validate(envelopeSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("invalid payment envelope: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid payment envelope: %s", strings.Join(msgs, "; "))
	}
	return nil
}
