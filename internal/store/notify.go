package store

import (
	"log/slog"

	"github.com/roach88/syncdb/internal/ir"
)

// Notifier receives a change after the transaction that produced it has
// committed. Delivery is fire-and-forget: a notifier cannot fail or undo
// the write, and a crash between commit and delivery loses the event.
type Notifier interface {
	Notify(ir.Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ir.Change)

// Notify calls f(c).
func (f NotifierFunc) Notify(c ir.Change) { f(c) }

type nopNotifier struct{}

func (nopNotifier) Notify(ir.Change) {}

// LogNotifier logs every change at debug level.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(c ir.Change) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("change", "event", c.Event(), "id", c.Record.ID.String())
}

func (s *Store) notify(changes []ir.Change) {
	for _, c := range changes {
		s.notifier.Notify(c)
	}
}
