package api

// AgentSpec describes one available browser agent and the knobs it accepts.
type AgentSpec struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	SupportedModels []SupportedModel `json:"supported_models"`
	ModelSettings   []SettingSpec    `json:"model_settings"`
	AgentSettings   []SettingSpec    `json:"agent_settings"`
}

type SupportedModel struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}

type SettingSpec struct {
	Key         string  `json:"key"`
	Type        string  `json:"type"`
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Step        float64 `json:"step,omitempty"`
	Description string  `json:"description"`
}

// AgentCatalog returns the agents this deployment can execute.
func AgentCatalog() []AgentSpec {
	return []AgentSpec{
		{
			ID:          "browser_use_batch",
			Name:        "Browser Agent (Batch)",
			Description: "Non-streaming browser agent that runs to completion",
			SupportedModels: []SupportedModel{
				{Provider: "azure_openai", Models: []string{"gpt-4o", "gpt-4o-mini"}},
			},
			ModelSettings: []SettingSpec{
				{
					Key:         "max_tokens",
					Type:        "integer",
					Default:     1000,
					Min:         1,
					Max:         4096,
					Description: "Maximum number of tokens to generate",
				},
				{
					Key:         "temperature",
					Type:        "float",
					Default:     0.7,
					Min:         0,
					Max:         1,
					Step:        0.05,
					Description: "Controls randomness in the output",
				},
			},
			AgentSettings: []SettingSpec{
				{
					Key:         "steps",
					Type:        "integer",
					Default:     125,
					Min:         10,
					Max:         150,
					Description: "Max number of steps to take",
				},
			},
		},
	}
}
