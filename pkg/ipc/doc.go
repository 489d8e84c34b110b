// Package ipc implements the connection layer of the message plane.
//
// The Broker listens on tcp, unix and websocket endpoints and runs one
// reader and one writer goroutine per plugin connection:
//
//   - Frames are decoded on the reader and handed to a shard worker chosen
//     from the connection's accept sequence, so a connection's frames are
//     always handled in arrival order
//   - Routing decisions come from pkg/handler; the broker only delivers
//     the resulting envelopes to outbound queues
//   - A full outbound queue marks the plugin as a slow consumer and the
//     connection is drained and closed
//   - Expired requests are swept on a ticker and answered with TIMEOUT
//
// Example usage:
//
//	broker, err := ipc.New(cfg, nil, log, ipc.WithMetrics(m))
//	if err != nil {
//	    return err
//	}
//	if err := broker.Start(ctx); err != nil {
//	    return err
//	}
//	defer broker.Shutdown(shutdownCtx)
package ipc
