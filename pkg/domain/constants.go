package domain

const (
	// GlobalErrorChannel carries error notifications from every widget on the page.
	GlobalErrorChannel = "simli:error"

	// ErrorChannelSuffix derives a session-scoped error channel from its message channel.
	ErrorChannelSuffix = ":error"

	// DefaultErrorMessage is used when nothing readable can be extracted from an error payload.
	DefaultErrorMessage = "Error connecting to avatar"

	// DuplicateSessionMessage is reported to a session that loses the exclusivity check.
	DuplicateSessionMessage = "Another avatar session is already active"
)
