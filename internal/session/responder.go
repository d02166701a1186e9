package session

import (
	"context"
	"io"

	"github.com/ehrlich-b/shellchat/internal/store"
)

// Responder delivers replies to a chat. Implementations drop empty text.
type Responder interface {
	Send(ctx context.Context, chatID int64, text string) error
	// SendMono renders text monospaced (a code block).
	SendMono(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, name string, r io.Reader, caption string) error
}

// Recorder is the audit log for task runs. *store.Store implements it.
type Recorder interface {
	CreateRun(r *store.Run) error
	FinishRun(runID, state string, exitCode *int, errMsg *string) error
	AppendLog(runID, event string, detail *string) error
	RecentRuns(chatID, userID int64, n int) ([]*store.Run, error)
}
