// Package alert fans operator alerts out to external channels. The audit
// trail is the durable record; these pushes exist so a human sees
// operator_action_required states without tailing the audit log.
package alert

import (
	"context"
	"sync"
	"time"

	"execd/internal/core"
)

type Severity string

const (
	Info     Severity = "INFO"
	Warning  Severity = "WARNING"
	Error    Severity = "ERROR"
	Critical Severity = "CRITICAL"
)

// Notice is one alert as delivered to every channel
type Notice struct {
	Severity  Severity
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a notice to one destination
type Channel interface {
	Push(ctx context.Context, n Notice) error
	Name() string
}

// Notifier implements core.INotifier over a set of channels. Delivery is
// asynchronous; the dispatch path never waits on a webhook.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

func NewNotifier(logger core.ILogger) *Notifier {
	return &Notifier{
		logger: logger.WithField("component", "alert_notifier"),
	}
}

func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
	n.logger.Info("Registered alert channel", "name", ch.Name())
}

// Notify pushes to every registered channel with a per-channel timeout.
// Failures are logged, never returned: alerting is advisory.
func (n *Notifier) Notify(ctx context.Context, sev Severity, title, message string, fields map[string]string) {
	notice := Notice{
		Severity:  sev,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	n.mu.RLock()
	channels := make([]Channel, len(n.channels))
	copy(channels, n.channels)
	n.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Push(pushCtx, notice); err != nil {
				n.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Critical satisfies core.INotifier
func (n *Notifier) Critical(ctx context.Context, title, message string, fields map[string]string) {
	n.Notify(ctx, Critical, title, message, fields)
}
