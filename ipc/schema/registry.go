package schema

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/3leaps/ipcprims/ipc/common"
)

// Registry maps channel ids to compiled JSON Schema 2020-12 validators.
// Populate it fully before attaching it to a session; once construction
// is complete it is immutable by convention and safely shareable by
// reference across goroutines.
type Registry struct {
	cfg        Config
	validators map[common.Channel]*jsonschema.Schema
}

// InvalidPayloadError reports a payload that failed validation against
// the channel's schema. The session survives; the frame is dropped on
// receive, or left unwritten on send.
type InvalidPayloadError struct {
	Channel common.Channel
	Cause   error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("schema: invalid payload on channel %d: %v", e.Channel, e.Cause)
}

func (e *InvalidPayloadError) Unwrap() error {
	return e.Cause
}

// NoSchemaError reports a frame on a channel without a registered schema
// while FailOnMissingSchema is set.
type NoSchemaError struct {
	Channel common.Channel
}

func (e *NoSchemaError) Error() string {
	return fmt.Sprintf("schema: no schema registered for channel %d", e.Channel)
}

// NewRegistry creates an empty registry. A nil cfg selects the hardened
// defaults.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig
	}
	return &Registry{
		cfg:        *cfg,
		validators: map[common.Channel]*jsonschema.Schema{},
	}
}

// Config delivers the registry configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Has reports whether a validator is registered for the channel.
func (r *Registry) Has(channel common.Channel) bool {
	_, ok := r.validators[channel]
	return ok
}

// Channels delivers the channels with a registered validator.
func (r *Registry) Channels() []common.Channel {
	channels := make([]common.Channel, 0, len(r.validators))
	for c := range r.validators {
		channels = append(channels, c)
	}
	return channels
}

// Register parses, compiles and stores the schema document for the
// channel. Under strict mode, object-like schemas that leave
// additionalProperties open are closed before compilation.
func (r *Registry) Register(channel common.Channel, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return errors.Wrapf(err, "parsing schema for channel %d", channel)
	}
	if r.cfg.StrictMode {
		doc = closeObjectSchema(doc)
	}

	resource := fmt.Sprintf("ipc:///channel/%d.schema.json", channel)
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	if err := compiler.AddResource(resource, doc); err != nil {
		return errors.Wrapf(err, "adding schema resource for channel %d", channel)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return errors.Wrapf(err, "compiling schema for channel %d", channel)
	}

	r.validators[channel] = compiled
	return nil
}

// Validate checks payload against the channel's schema. A channel without
// a schema passes unless FailOnMissingSchema is set.
func (r *Registry) Validate(channel common.Channel, payload []byte) error {
	validator, ok := r.validators[channel]
	if !ok {
		if r.cfg.FailOnMissingSchema {
			return &NoSchemaError{Channel: channel}
		}
		return nil
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &InvalidPayloadError{Channel: channel, Cause: err}
	}
	if err := validator.Validate(value); err != nil {
		return &InvalidPayloadError{Channel: channel, Cause: err}
	}
	return nil
}

// objectKeywords are the keywords whose presence marks a schema as
// object-like even without an explicit "type": "object".
var objectKeywords = []string{
	"properties",
	"patternProperties",
	"additionalProperties",
	"unevaluatedProperties",
	"required",
	"dependentRequired",
	"dependentSchemas",
	"propertyNames",
}

// closeObjectSchema closes an object-like schema document: when any
// object keyword is present and neither additionalProperties nor
// unevaluatedProperties constrains extra fields, additionalProperties is
// pinned to false.
func closeObjectSchema(doc interface{}) interface{} {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return doc
	}

	objectLike := false
	for _, keyword := range objectKeywords {
		if _, present := obj[keyword]; present {
			objectLike = true
			break
		}
	}
	if !objectLike {
		return doc
	}

	if _, present := obj["additionalProperties"]; present {
		return doc
	}
	if _, present := obj["unevaluatedProperties"]; present {
		return doc
	}
	obj["additionalProperties"] = false
	return obj
}
