// Package relay holds process-wide defaults shared by the chatrelay packages.
package relay

import "time"

const (
	DefaultAppName    = "chatrelay"
	DefaultConfigPath = "/etc/chatrelay"

	DefaultModel         = "gpt-5-codex"
	DefaultCodexEndpoint = "https://chatgpt.com/backend-api/codex/responses"
	DefaultRefreshURL    = "https://auth.openai.com/oauth/token"
	DefaultOAuthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	DefaultSystemPrompt = "You are a concise and helpful assistant. Continue the conversation naturally using the context."

	DefaultMaxThreadHistory = 20
	DefaultStreamInterval   = 800 * time.Millisecond

	DefaultEmptyReply      = "I couldn't come up with a response."
	DefaultErrorReply      = "Something went wrong. Please try again in a moment."
	DefaultMissingQuestion = "Please include a question, e.g. `@bot summarize today's tasks`."
)
