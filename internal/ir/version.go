package ir

// Version constants for the stored data model and engine.
const (
	// SchemaVersion is the version of stored documents (domains, proxies, nodes).
	SchemaVersion = "1"

	// EngineVersion is the reporting engine version.
	EngineVersion = "0.1.0"
)
