package store

import (
	"context"

	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// Store defines the persistence boundary used by the orchestrator. Every write
// is committed before the call returns.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	UpdateSession(ctx context.Context, session *domain.Session) error
	DeleteSession(ctx context.Context, sessionID string) error

	// Message operations
	AppendMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.Message, error)
	LatestUserMessage(ctx context.Context, sessionID string) (*domain.Message, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error)
	ListRunningRuns(ctx context.Context) ([]domain.Run, error)
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, metrics domain.RunMetrics, runErr string) (bool, error)

	// Step operations
	AppendStep(ctx context.Context, step *domain.Step) error
	ListSteps(ctx context.Context, runID string) ([]domain.Step, error)

	// Retrieval index
	CreateDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error
	ListChunks(ctx context.Context, sessionID string) ([]domain.Chunk, error)

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
