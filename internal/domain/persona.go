package domain

// Persona is a validated recipient configuration.
type Persona struct {
	Name         string
	DisplayName  string
	SystemPrompt string
	Model        string

	// RequireAnonymization demands local anonymization before any cloud call,
	// regardless of the global mode.
	RequireAnonymization bool
	// PrivacyFirst personas may request attributes-only content.
	PrivacyFirst bool
	ContentMode  ContentMode
	// SafeQuestion frames the attributes-only prompt.
	SafeQuestion string
	// SkipReview lets the operator opt this persona out of the review gate.
	SkipReview bool
}

// ModelInfo describes a configured model and where it can run.
type ModelInfo struct {
	ID           string
	Provider     string
	OnDeviceOnly bool
}

// Capabilities reports which privacy collaborators are available right now.
type Capabilities struct {
	DetectorAvailable   bool
	AttributesAvailable bool
	// LocalModelConfigured is true when some on-device model is configured for
	// local mode.
	LocalModelConfigured bool
	LocalModel           string
}
