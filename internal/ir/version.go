package ir

// Version constants for the spec schema and engine.
const (
	// SpecVersion is the compiled spec schema version.
	SpecVersion = "1"

	// EngineVersion is the CTS engine version.
	EngineVersion = "0.1.0"
)
