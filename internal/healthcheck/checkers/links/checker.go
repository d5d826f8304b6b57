package linkschecker

import (
	"context"
	"log/slog"

	"github.com/memohai/filedrop/internal/healthcheck"
)

const checkTypeLinkStore = "links.store"

// StoreVerifier reads the link document strictly.
type StoreVerifier interface {
	Verify() (int, error)
}

// Checker reports whether the link document is readable.
type Checker struct {
	logger *slog.Logger
	store  StoreVerifier
}

func NewChecker(log *slog.Logger, store StoreVerifier) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_links")),
		store:  store,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	item := healthcheck.CheckResult{ID: checkTypeLinkStore, Type: checkTypeLinkStore}
	count, err := c.store.Verify()
	switch {
	case err != nil:
		c.logger.Warn("link store unreadable", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Link store is unreadable; downloads will answer as if nothing is stored."
		item.Detail = err.Error()
	case count == 0:
		item.Status = healthcheck.StatusWarn
		item.Summary = "No links stored yet."
	default:
		item.Status = healthcheck.StatusOK
		item.Summary = "Link store is readable."
	}
	item.Metadata = map[string]any{"links": count}
	return []healthcheck.CheckResult{item}
}
