// Package notify provides an in-process event bus over an embedded NATS
// server. The bus is a latency optimization only: workers still poll their
// directories, and the filesystem remains the system of record. A nil bus is
// valid everywhere and simply means pure polling.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Well-known subjects published by pipeline workers.
const (
	SubjectTaskReceived = "task.received"
	SubjectTaskRouted   = "task.routed"
	SubjectTaskPlanned  = "task.planned"
	SubjectTaskApproved = "task.approved"
	SubjectTaskDone     = "task.done"
	SubjectTaskFailed   = "task.failed"
)

// Bus wraps an embedded NATS server and a client connection.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger
}

// Start launches an embedded NATS server on a random port and connects.
func Start(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	logger.Info("Notify bus started", "url", ns.ClientURL())
	return &Bus{server: ns, conn: conn, logger: logger}, nil
}

// Publish emits a subject with a task path payload. Errors are logged, not
// returned: delivery is best-effort and the pollers catch anything missed.
func (b *Bus) Publish(subject, taskPath string) {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Publish(subject, []byte(taskPath)); err != nil {
		b.logger.Warn("Notify publish failed", "subject", subject, "error", err)
	}
}

// Subscribe delivers task paths for a subject until unsubscribed. A nil bus
// returns a nil subscription and no error.
func (b *Bus) Subscribe(subject string, handler func(taskPath string)) (*nats.Subscription, error) {
	if b == nil || b.conn == nil {
		return nil, nil
	}
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
}

// Close drains the connection and shuts the server down.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}
