package models

// Session is one persisted transcript. The on-disk representation is this
// struct as indented JSON, one file per session.
type Session struct {
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system,omitempty"`
	MaxTokens    int       `json:"max_tokens"`
	CreatedAt    string    `json:"created_at"`
	Messages     []Message `json:"messages"`
}

// SessionMeta is the listing view of a session: header fields plus a
// message count, no transcript.
type SessionMeta struct {
	SessionID    string `json:"session_id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system,omitempty"`
	CreatedAt    string `json:"created_at"`
	MessageCount int    `json:"message_count"`
}
