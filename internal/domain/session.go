package domain

import "time"

// Session identifies a conversation and its settings.
type Session struct {
	SessionID          string    `json:"session_id"`
	Title              string    `json:"title"`
	ModelID            string    `json:"model_id"`
	PersonaID          string    `json:"persona_id"`
	RAGEnabled         bool      `json:"rag_enabled"`
	StreamingEnabled   bool      `json:"streaming_enabled"`
	EnabledToolServers []string  `json:"enabled_tool_servers"`
	CreatedAt          time.Time `json:"created_at"`
}

// HasToolServer reports whether the named server is enabled for the session.
func (s *Session) HasToolServer(name string) bool {
	for _, n := range s.EnabledToolServers {
		if n == name {
			return true
		}
	}
	return false
}

// Message is one entry of a conversation.
type Message struct {
	MessageID           string    `json:"message_id"`
	SessionID           string    `json:"session_id"`
	RunID               string    `json:"run_id,omitempty"`
	Role                Role      `json:"role"`
	Content             string    `json:"content"`
	CreatedAt           time.Time `json:"created_at"`
	EditedFromMessageID string    `json:"edited_from_message_id,omitempty"`
	// Superseded is derived at read time: a later message was created by editing this one.
	Superseded bool `json:"superseded,omitempty"`
}

// Persona is a named system prompt applied to a session.
type Persona struct {
	ID           string `json:"id" mapstructure:"id"`
	Name         string `json:"name" mapstructure:"name"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
}

// Document is a text source indexed for retrieval in a session.
type Document struct {
	DocumentID string    `json:"document_id"`
	SessionID  string    `json:"session_id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is one indexed window of a document.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	// Title of the owning document, filled by joins.
	Title string `json:"title,omitempty"`
}

// RetrievedChunk is a ranked passage returned by retrieval. It is never persisted
// beyond the rag step output.
type RetrievedChunk struct {
	ChunkID        string  `json:"chunk_id,omitempty"`
	SourceDocument string  `json:"source_document"`
	Text           string  `json:"text"`
	Score          float64 `json:"score"`
}
