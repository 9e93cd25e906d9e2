package bus

import (
	"context"

	"github.com/hestia-labs/hestia-backend/internal/realtime"
)

// Bus carries row-change events across processes so every tab, whichever
// instance it is connected to, observes the same feed.
type Bus interface {
	Publish(ctx context.Context, ev realtime.ChangeEvent) error
	StartForwarder(ctx context.Context, onEvent func(ev realtime.ChangeEvent)) error
	Close() error
}
