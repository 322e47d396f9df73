package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			PrivacyMode:   "hybrid",
			ActivePersona: "assistant",
			DefaultModel:  "gpt-4o-mini",
			LocalModel:    "llama3.2:3b",
			LogLevel:      "info",
			ReviewEnabled: true,
			SummaryEvery:  6,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				Type:         "ollama",
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.2:3b",
			},
			"openai": {
				Enabled:      true,
				Type:         "openai",
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
			},
		},
		Models: map[string]ModelConfig{
			"llama3.2:3b": {Backend: "local", Provider: "ollama"},
			"gpt-4o-mini": {Backend: "cloud", Provider: "openai"},
			"gpt-4o":      {Backend: "cloud", Provider: "openai"},
		},
		Detector: DetectorConfig{
			Enabled:       true,
			URL:           "http://127.0.0.1:8001",
			TimeoutMs:     10000,
			MinConfidence: 0.5,
		},
		Attributes: AttributesConfig{
			Enabled:   false,
			URL:       "http://127.0.0.1:8002",
			TimeoutMs: 15000,
		},
		Memory: MemoryConfig{
			Enabled:       true,
			DBPath:        "~/.privroute/privroute.db",
			RetentionDays: 365,
			SearchLimit:   3,
		},
		Dispatch: DispatchConfig{
			LocalRetries:      2,
			LocalBackoffMs:    500,
			LocalBackoffMaxMs: 2000,
			LocalHistoryTurns: 4,
			LocalCharBudget:   4000,
			CloudHistoryLimit: 40,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
		PersonasDir: "~/.privroute/personas",
	}
}
