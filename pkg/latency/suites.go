package latency

// Built-in suites registered by the CLI and the server at startup.

// QuickValidationSuite returns the smoke-test suite used in CI: six
// configurations, one repetition each, on a clean network profile.
func QuickValidationSuite() TestSuiteDefinition {
	return TestSuiteDefinition{
		ID:          "quick_validation",
		Name:        "Quick Validation",
		Description: "Six provider combinations, one repetition each. Fast enough for CI.",
		Scenarios: []TestScenario{
			{
				ID:   "quick",
				Name: "Quick sweep",
				Configurations: []TestConfiguration{
					{ID: "deepgram-anthropic-chatterbox", STTProvider: "deepgram", LLMProvider: "anthropic", TTSProvider: "chatterbox", VoiceID: "nova", NetworkProfile: "wifi", Repetitions: 1},
					{ID: "deepgram-openai-chatterbox", STTProvider: "deepgram", LLMProvider: "openai", TTSProvider: "chatterbox", VoiceID: "nova", NetworkProfile: "wifi", Repetitions: 1},
					{ID: "assemblyai-anthropic-chatterbox", STTProvider: "assemblyai", LLMProvider: "anthropic", TTSProvider: "chatterbox", VoiceID: "nova", NetworkProfile: "wifi", Repetitions: 1},
					{ID: "deepgram-anthropic-vibevoice", STTProvider: "deepgram", LLMProvider: "anthropic", TTSProvider: "vibevoice", VoiceID: "ember", NetworkProfile: "wifi", Repetitions: 1},
					{ID: "apple-selfhosted-apple", STTProvider: "apple", LLMProvider: "selfhosted", TTSProvider: "apple", VoiceID: "samantha", NetworkProfile: "wifi", Repetitions: 1},
					{ID: "web-speech-openai-web-speech", STTProvider: "web-speech", LLMProvider: "openai", TTSProvider: "web-speech", VoiceID: "default", NetworkProfile: "wifi", Repetitions: 1},
				},
			},
		},
	}
}

// ProviderComparisonSuite returns the deeper suite that compares provider
// triples with enough repetitions for stable percentiles, across two network
// profiles.
func ProviderComparisonSuite() TestSuiteDefinition {
	configs := func(profile string) []TestConfiguration {
		return []TestConfiguration{
			{ID: "deepgram-anthropic-chatterbox-" + profile, STTProvider: "deepgram", LLMProvider: "anthropic", TTSProvider: "chatterbox", VoiceID: "nova", NetworkProfile: profile, Repetitions: 10},
			{ID: "deepgram-openai-chatterbox-" + profile, STTProvider: "deepgram", LLMProvider: "openai", TTSProvider: "chatterbox", VoiceID: "nova", NetworkProfile: profile, Repetitions: 10},
			{ID: "assemblyai-anthropic-vibevoice-" + profile, STTProvider: "assemblyai", LLMProvider: "anthropic", TTSProvider: "vibevoice", VoiceID: "ember", NetworkProfile: profile, Repetitions: 10},
			{ID: "apple-selfhosted-apple-" + profile, STTProvider: "apple", LLMProvider: "selfhosted", TTSProvider: "apple", VoiceID: "samantha", NetworkProfile: profile, Repetitions: 10},
		}
	}

	return TestSuiteDefinition{
		ID:          "provider_comparison",
		Name:        "Provider Comparison",
		Description: "Provider triples with 10 repetitions per configuration on wifi and lte profiles.",
		Scenarios: []TestScenario{
			{ID: "wifi", Name: "Wi-Fi", Configurations: configs("wifi")},
			{ID: "lte", Name: "LTE", Configurations: configs("lte")},
		},
	}
}
