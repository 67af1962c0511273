package runner

import "github.com/zjrosen/ocmcp/internal/task"

// Worker CLI argv vocabulary. The two spawn shapes are fixed: initial runs
// take the model/format/agent flags plus a single prompt argument, and
// continuations go through the run subcommand against an existing session.
const (
	runSubcommand = "run"
	modelFlag     = "--model"
	formatFlag    = "--format"
	formatJSON    = "json"
	agentFlag     = "--agent"
	sessionFlag   = "--session"
	versionFlag   = "--version"

	outputGuidanceSeparator = "\n\nOutput guidance: "
)

// startArgs builds the argv for an initial run.
func startArgs(model string, agent task.Agent, prompt string) []string {
	args := []string{modelFlag, model, formatFlag, formatJSON}
	if agent != "" {
		args = append(args, agentFlag, string(agent))
	}
	return append(args, prompt)
}

// continueArgs builds the argv for a respond continuation.
func continueArgs(sessionID, response string) []string {
	return []string{runSubcommand, sessionFlag, sessionID, formatFlag, formatJSON, response}
}

// composePrompt appends the caller's output guidance to the prompt.
func composePrompt(prompt, guidance string) string {
	if guidance == "" {
		return prompt
	}
	return prompt + outputGuidanceSeparator + guidance
}
