package channelchecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/filedrop/internal/channel/adapters/telegram"
	"github.com/memohai/filedrop/internal/healthcheck"
)

const (
	checkTypePolling = "channel.polling"
	checkIDPolling   = checkTypePolling + ".telegram"
)

// PollObserver reads the polling loop state.
type PollObserver interface {
	PollStatus() telegram.PollStatus
}

// Checker evaluates Telegram long-polling health.
type Checker struct {
	logger     *slog.Logger
	observer   PollObserver
	staleAfter time.Duration
	now        func() time.Time
}

// NewChecker creates a polling health checker. A poll older than staleAfter
// is reported as a warning.
func NewChecker(log *slog.Logger, observer PollObserver, staleAfter time.Duration) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:     log.With(slog.String("checker", "healthcheck_channel")),
		observer:   observer,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// ListChecks reports one polling check item.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{
		ID:   checkIDPolling,
		Type: checkTypePolling,
	}
	if c.observer == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		item.Status = healthcheck.StatusWarn
		item.Summary = "Polling observer is not available."
		return []healthcheck.CheckResult{item}
	}

	status := c.observer.PollStatus()
	item.Metadata = map[string]any{"running": status.Running}
	if !status.LastPollAt.IsZero() {
		item.Metadata["last_poll_at"] = status.LastPollAt.UTC().Format(time.RFC3339)
	}
	item.Detail = status.LastError

	switch {
	case status.Conflict:
		item.Status = healthcheck.StatusError
		item.Summary = "Another process is polling with this bot token."
	case !status.Running && status.LastPollAt.IsZero():
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Polling has not started."
	case !status.Running:
		item.Status = healthcheck.StatusError
		item.Summary = "Polling stopped."
	case status.LastError != "":
		item.Status = healthcheck.StatusWarn
		item.Summary = "Polling is retrying after an error."
	case c.staleAfter > 0 && !status.LastPollAt.IsZero() && c.now().Sub(status.LastPollAt) > c.staleAfter:
		item.Status = healthcheck.StatusWarn
		item.Summary = "No successful poll recently."
	default:
		item.Status = healthcheck.StatusOK
		item.Summary = "Telegram polling is running."
	}
	return []healthcheck.CheckResult{item}
}
