package agent

// Output contracts are appended to the rendered system prompts of the
// JSON-mode stages. They are not part of the prompt set, so prompt
// overrides cannot change the shape the parsers expect.
const (
	plannerContract = `

# Output format
Respond with one JSON object and nothing else:
{"subtasks": ["<subtask>", ...], "clarification": "<question>"}
When the input must be clarified, put one question in "clarification" and leave "subtasks" empty. Otherwise list the subtasks in execution order and leave "clarification" empty.`

	reflectionContract = `

# Output format
Respond with one JSON object and nothing else:
{"is_completed": true|false, "advice": "<one concrete improvement>"}
"advice" is required when "is_completed" is false.`

	finalContract = `

# Output format
Respond with one JSON object and nothing else:
{"outcome": "answered"|"no_answer"|"clarification_requested", "text": "<reply to the user>"}`
)
