// Package bus lets multiple engine processes share one SSEHub's worth of
// notifications via Redis pub/sub, instead of each process's hub only
// seeing the clients connected to it.
package bus

import (
	"context"

	"github.com/lessonstream/engine/internal/realtime"
)

// Bus forwards SSEMessages between processes. StartForwarder's callback is
// typically SSEHub.Broadcast, so messages published by any process reach
// every process's locally-connected clients.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}










