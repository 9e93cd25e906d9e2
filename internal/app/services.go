package app

import (
	"github.com/hestia-labs/hestia-backend/internal/clients/workflow"
	chatdomain "github.com/hestia-labs/hestia-backend/internal/domain/chat"
	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/realtime/bus"
	"github.com/hestia-labs/hestia-backend/internal/realtime/feed"
	"github.com/hestia-labs/hestia-backend/internal/services"
)

type Services struct {
	Bus  bus.Bus
	Feed *feed.Subscriber

	States   services.StateService
	Chats    services.ChatService
	Thinking services.ThinkingService

	Workflow workflow.Client

	Reconciler     *chatdomain.Reconciler
	Sender         *chatdomain.Sender
	Coordinator    *chatdomain.Coordinator
	ThinkingPoller *chatdomain.ThinkingPoller
}

func wireServices(log *logger.Logger, cfg Config, reposet Repos) (Services, error) {
	log.Info("Wiring services...")
	clk := clock.Real()

	// Redis is optional in development: without it the change feed stays
	// process-local and cross-instance tabs fall back to polling.
	var changeBus bus.Bus
	if b, err := bus.NewRedisBus(log); err != nil {
		log.Warn("redis change bus unavailable; events stay in-process", "error", err)
	} else {
		changeBus = b
	}

	states := services.NewStateService(log, reposet.States, changeBus)
	chats := services.NewChatService(log, reposet.Sessions, reposet.Messages, changeBus)
	thinking := services.NewThinkingService(log, reposet.Thinking, clk)

	engine, err := workflow.NewClient(log, cfg.Workflow)
	if err != nil {
		return Services{}, err
	}

	feedSub := feed.NewSubscriber(log, clk, cfg.Debounce)
	reconciler := &chatdomain.Reconciler{DedupWindow: cfg.DedupWindow}

	poller := chatdomain.NewThinkingPoller(log, clk, thinking, nil)
	sender := chatdomain.NewSender(log, clk, chats, states, engine, reconciler, poller)
	coordinator := chatdomain.NewCoordinator(log, clk, states, chats, feedSub, reconciler, cfg.WatchCeiling)

	return Services{
		Bus:            changeBus,
		Feed:           feedSub,
		States:         states,
		Chats:          chats,
		Thinking:       thinking,
		Workflow:       engine,
		Reconciler:     reconciler,
		Sender:         sender,
		Coordinator:    coordinator,
		ThinkingPoller: poller,
	}, nil
}
