package schema

// Defines the configuration record controlling validation behaviour and
// the hardened directory loader.

// Config controls registry behaviour. The zero value is not useful;
// start from DefaultConfig (hardened defaults) and override fields as
// needed before constructing the registry.
type Config struct {
	// StrictMode treats object-like schemas as closed: unknown properties
	// are rejected even when the schema does not set additionalProperties.
	StrictMode bool

	// FailOnMissingSchema rejects frames on channels without a registered
	// schema. When false such frames pass unvalidated.
	FailOnMissingSchema bool

	// ValidateOnSend validates outbound payloads before encode.
	ValidateOnSend bool

	// ValidateOnRecv validates inbound payloads after decode, before they
	// reach the application.
	ValidateOnRecv bool

	// MaxSchemaFileSize is the hard cap per schema file during directory
	// load.
	MaxSchemaFileSize int64

	// MaxSchemasFromDirectory is the hard cap on the number of schemas
	// loaded from one directory.
	MaxSchemasFromDirectory int
}

// DefaultConfig carries the hardened defaults.
var DefaultConfig = &Config{
	StrictMode:              true,
	FailOnMissingSchema:     false,
	ValidateOnSend:          true,
	ValidateOnRecv:          true,
	MaxSchemaFileSize:       256 << 10,
	MaxSchemasFromDirectory: 256,
}
