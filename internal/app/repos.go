package app

import (
	"gorm.io/gorm"

	repos "github.com/hestia-labs/hestia-backend/internal/data/repos/chat"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
)

type Repos struct {
	Sessions repos.ChatSessionRepo
	Messages repos.ChatMessageRepo
	States   repos.SessionPendingStateRepo
	Thinking repos.ThinkingRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Sessions: repos.NewChatSessionRepo(db, log),
		Messages: repos.NewChatMessageRepo(db, log),
		States:   repos.NewSessionPendingStateRepo(db, log),
		Thinking: repos.NewThinkingRepo(db, log),
	}
}
