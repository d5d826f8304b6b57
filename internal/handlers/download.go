package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/memohai/filedrop/internal/channel/adapters/telegram"
	"github.com/memohai/filedrop/internal/config"
	"github.com/memohai/filedrop/internal/links"
)

const (
	streamBufferSize = 8192
	fallbackFileName = "file"
)

const multiIndexText = "filedrop\n\nDownload a stored file at /<name>.\n"

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filedrop_downloads_total",
		Help: "Download requests by outcome.",
	}, []string{"status"})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filedrop_download_bytes_total",
		Help: "Bytes streamed to downloaders.",
	})

	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filedrop_active_downloads",
		Help: "Downloads currently streaming.",
	})

	upstreamResolveSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filedrop_upstream_resolve_seconds",
		Help:    "Time from getFile to upstream response headers.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// LinkReader looks up stored link records.
type LinkReader interface {
	Get(key string) (links.Record, bool)
}

// FileOpener opens an upstream file stream by file_id.
type FileOpener interface {
	Open(ctx context.Context, fileID string) (*telegram.File, error)
}

// DownloadHandler re-serves stored Telegram files to anonymous clients.
type DownloadHandler struct {
	logger  *slog.Logger
	mode    links.Mode
	links   LinkReader
	files   FileOpener
	limiter *rate.Limiter
}

// NewDownloadHandler builds the handler for the configured link mode. A zero
// gateway.upstream_rps disables the upstream rate limit.
func NewDownloadHandler(log *slog.Logger, cfg config.Config, linkReader LinkReader, files FileOpener) *DownloadHandler {
	if log == nil {
		log = slog.Default()
	}
	mode, err := links.ParseMode(cfg.Links.Mode)
	if err != nil {
		log.Warn("unknown link mode, using single", slog.String("mode", cfg.Links.Mode))
		mode = links.ModeSingle
	}
	var limiter *rate.Limiter
	if cfg.Gateway.UpstreamRPS > 0 {
		burst := cfg.Gateway.UpstreamBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Gateway.UpstreamRPS), burst)
	}
	return &DownloadHandler{
		logger:  log.With(slog.String("handler", "download")),
		mode:    mode,
		links:   linkReader,
		files:   files,
		limiter: limiter,
	}
}

func (h *DownloadHandler) Register(e *echo.Echo) {
	if h.mode == links.ModeMulti {
		e.GET("/", h.Index)
		e.GET("/:key", h.DownloadKey)
		return
	}
	e.GET("/", h.DownloadCurrent)
}

// Index godoc
// @Summary Usage page for multi-link mode
// @Produce plain
// @Success 200 {string} string
// @Router / [get]
func (h *DownloadHandler) Index(c echo.Context) error {
	return c.String(http.StatusOK, multiIndexText)
}

// DownloadCurrent godoc
// @Summary Download the file stored under the current link
// @Success 200 {file} binary
// @Failure 502
// @Router / [get]
func (h *DownloadHandler) DownloadCurrent(c echo.Context) error {
	rec, ok := h.links.Get(links.CurrentKey)
	if !ok {
		downloadsTotal.WithLabelValues("empty").Inc()
		return c.HTML(http.StatusOK, "")
	}
	return h.stream(c, links.CurrentKey, rec)
}

// DownloadKey godoc
// @Summary Download the file stored under a named link
// @Param key path string true "Link name"
// @Success 200 {file} binary
// @Failure 404
// @Failure 502
// @Router /{key} [get]
func (h *DownloadHandler) DownloadKey(c echo.Context) error {
	key := c.Param("key")
	if !links.ValidKey(key) {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return c.NoContent(http.StatusNotFound)
	}
	rec, ok := h.links.Get(key)
	if !ok {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return c.NoContent(http.StatusNotFound)
	}
	return h.stream(c, key, rec)
}

func (h *DownloadHandler) stream(c echo.Context, key string, rec links.Record) error {
	ctx := c.Request().Context()
	activeDownloads.Inc()
	defer activeDownloads.Dec()

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			downloadsTotal.WithLabelValues("upstream_error").Inc()
			h.logger.Warn("rate limit wait aborted", slog.String("key", key), slog.Any("error", err))
			return c.NoContent(http.StatusBadGateway)
		}
	}

	start := time.Now()
	file, err := h.files.Open(ctx, rec.FileID)
	upstreamResolveSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		downloadsTotal.WithLabelValues("upstream_error").Inc()
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		h.logger.Log(ctx, level, "upstream resolve failed", slog.String("key", key), slog.Any("error", err))
		return c.NoContent(http.StatusBadGateway)
	}
	defer func() {
		_ = file.Body.Close()
	}()

	fileName := strings.TrimSpace(rec.FileName)
	if fileName == "" {
		fileName = fallbackFileName
	}
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, file.ContentType)
	header.Set(echo.HeaderContentDisposition, ContentDisposition(fileName))
	if file.ContentLength >= 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(file.ContentLength, 10))
	}
	c.Response().WriteHeader(http.StatusOK)

	written, err := io.CopyBuffer(c.Response(), file.Body, make([]byte, streamBufferSize))
	downloadBytesTotal.Add(float64(written))
	if err != nil {
		downloadsTotal.WithLabelValues("stream_error").Inc()
		h.logger.Warn("stream interrupted",
			slog.String("key", key),
			slog.Int64("written", written),
			slog.Any("error", err),
		)
		return nil
	}
	downloadsTotal.WithLabelValues("ok").Inc()
	h.logger.Info("download served",
		slog.String("key", key),
		slog.String("file_name", fileName),
		slog.Int64("bytes", written),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// ContentDisposition builds an attachment header value with the filename
// quoted. Quotes and backslashes are escaped, control characters dropped.
func ContentDisposition(fileName string) string {
	var b strings.Builder
	for _, r := range fileName {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	return fmt.Sprintf(`attachment; filename="%s"`, b.String())
}
