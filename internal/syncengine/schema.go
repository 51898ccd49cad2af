package syncengine

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var payloadSchemaFS embed.FS

const (
	WrikeEventsSchema       = "wrike_events.json"
	GraphNotificationSchema = "graph_notification.json"
)

const payloadSchemaBaseURL = "https://schemas.relaysync.invalid/"

var payloadSchemas = struct {
	once    sync.Once
	err     error
	schemas map[string]*jsonschema.Schema
}{}

func loadPayloadSchemas() error {
	payloadSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		names := []string{WrikeEventsSchema, GraphNotificationSchema}
		for _, name := range names {
			raw, err := payloadSchemaFS.ReadFile("schemas/" + name)
			if err != nil {
				payloadSchemas.err = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				payloadSchemas.err = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(payloadSchemaBaseURL+name, doc); err != nil {
				payloadSchemas.err = fmt.Errorf("schema %s: %w", name, err)
				return
			}
		}
		compiled := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			schema, err := compiler.Compile(payloadSchemaBaseURL + name)
			if err != nil {
				payloadSchemas.err = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[name] = schema
		}
		payloadSchemas.schemas = compiled
	})
	return payloadSchemas.err
}

// ValidatePayload checks body against one of the embedded payload schemas.
// Malformed JSON and schema violations both wrap ErrInvalidInput.
func ValidatePayload(schemaName string, body []byte) error {
	if err := loadPayloadSchemas(); err != nil {
		return err
	}
	schema, ok := payloadSchemas.schemas[schemaName]
	if !ok {
		return fmt.Errorf("%w: unknown schema %s", ErrInvalidInput, schemaName)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: malformed json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
