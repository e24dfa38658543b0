package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const (
	contextPreamble    = "Use the following retrieved context when it is relevant:\n\n"
	contextMaxChunks   = 3
	contextMaxChars    = 1000
	ragPreviewChars    = 200
	toolLoopFallback   = "I ran into a tool loop and had to stop. Please refine your request."
	emptyReplyFallback = "I could not produce a response right now. Please try again or adjust your request."
)

// personaData is what a persona prompt template can reference.
type personaData struct {
	Session *domain.Session
	Persona domain.Persona
	Now     time.Time
}

// persona resolves the session persona, falling back to the default one.
func (s *Service) persona(session *domain.Session) (domain.Persona, bool) {
	if p, ok := s.config.Persona(session.PersonaID); ok {
		return p, true
	}
	return s.config.Persona(s.config.Personas.DefaultPersonaID)
}

// renderPersona expands the persona prompt as a text/template with sprig
// functions. A prompt that fails to render is used verbatim.
func renderPersona(p domain.Persona, session *domain.Session, now time.Time) string {
	if !strings.Contains(p.SystemPrompt, "{{") {
		return p.SystemPrompt
	}
	tmpl, err := template.New(p.ID).Funcs(sprig.TxtFuncMap()).Parse(p.SystemPrompt)
	if err != nil {
		log.Warn().Err(err).Str("persona_id", p.ID).Msg("Persona prompt is not a valid template")
		return p.SystemPrompt
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, personaData{Session: session, Persona: p, Now: now}); err != nil {
		log.Warn().Err(err).Str("persona_id", p.ID).Msg("Persona prompt failed to render")
		return p.SystemPrompt
	}
	return buf.String()
}

// contextBlock formats retrieved chunks as a system message body, or "" when
// nothing was retrieved.
func contextBlock(chunks []domain.RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	if len(chunks) > contextMaxChunks {
		chunks = chunks[:contextMaxChunks]
	}
	snippets := make([]string, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if cut := preview(text, contextMaxChars); cut != text {
			text = cut + "..."
		}
		label := c.SourceDocument
		if label == "" {
			label = "Chunk " + c.ChunkID
		}
		snippets = append(snippets, fmt.Sprintf("%s:\n%s", label, text))
	}
	return contextPreamble + strings.Join(snippets, "\n\n")
}

// buildMessages assembles persona, visible history, retrieved context and
// the new user message.
func (s *Service) buildMessages(ctx context.Context, t *turn, retrieved []domain.RetrievedChunk) ([]domain.ChatMessage, error) {
	var messages []domain.ChatMessage
	if p, ok := s.persona(t.session); ok {
		if prompt := renderPersona(p, t.session, s.now()); prompt != "" {
			messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: prompt})
		}
	}

	history, err := s.store.ListMessages(ctx, t.session.SessionID, false)
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	var prior []domain.ChatMessage
	for _, m := range history {
		if m.MessageID == t.user.MessageID {
			continue
		}
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		prior = append(prior, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if limit := s.config.Orchestrator.HistoryLimit; limit > 0 && len(prior) > limit {
		prior = prior[len(prior)-limit:]
	}
	messages = append(messages, prior...)

	if block := contextBlock(retrieved); block != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: block})
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: t.user.Content})
	return messages, nil
}

// preview returns the first n runes of s.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
