package registry

// Defaults returns the built-in specialist templates. Deployments can extend
// or replace these at startup.
func Defaults() []Template {
	return []Template{
		{
			Type:        "researcher",
			Name:        "Researcher",
			Emoji:       "🔎",
			Description: "Investigates questions using web search and prior conversations, returning sourced findings.",
			SystemPrompt: "You are a research specialist. Investigate the mission thoroughly, " +
				"prefer primary sources, and cite everything you rely on. Return a concise, " +
				"well-structured summary of findings.",
			AllowedTools:    []string{"web_*", "conversation_search"},
			CommandTriggers: []string{"research"},
			WorkflowID:      "deep-research",
		},
		{
			Type:        "writer",
			Name:        "Writer",
			Emoji:       "✍️",
			Description: "Produces polished prose: summaries, documents, creative writing.",
			SystemPrompt: "You are a writing specialist. Produce clear, well-structured text " +
				"that fulfills the mission exactly. Do not pad; deliver the piece itself.",
			CommandTriggers: []string{"write"},
		},
		{
			Type:        "analyst",
			Name:        "Analyst",
			Emoji:       "📊",
			Description: "Analyzes data and prior results, computing metrics and drawing conclusions.",
			SystemPrompt: "You are an analysis specialist. Work from the material in the mission " +
				"and prior conversation data, show your reasoning, and state conclusions plainly.",
			AllowedTools:      []string{"conversation_search"},
			CollapseByDefault: true,
		},
		{
			Type:        "mission-lead",
			Name:        "Mission Lead",
			Emoji:       "🎯",
			Description: "Coordinates long-running missions across turns.",
			SystemPrompt: "You lead a long-running mission. Keep the larger objective in view, " +
				"break work into plan items, and delegate each item to the right specialist.",
		},
	}
}
