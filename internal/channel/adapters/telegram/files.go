package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/filedrop/internal/config"
)

// ErrUpstream wraps every failure to resolve or fetch a file from Telegram.
var ErrUpstream = errors.New("telegram file resolution failed")

const defaultContentType = "application/octet-stream"

// File is an open upstream file stream. The caller must close Body.
type File struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// FileSource exchanges a file_id for a temporary file path (getFile) and
// opens a streaming GET on the file endpoint.
type FileSource struct {
	logger       *slog.Logger
	bot          *tgbotapi.BotAPI
	fileEndpoint string
	client       *http.Client
}

// NewFileSource builds a FileSource with its own HTTP clients: getFile is
// bounded by the resolve timeout, the content request only by dial and
// response-header timeouts so large bodies stream without a deadline.
func NewFileSource(log *slog.Logger, cfg config.TelegramConfig) *FileSource {
	resolver := &tgbotapi.BotAPI{
		Token:  cfg.BotToken,
		Client: &http.Client{Timeout: cfg.ResolveTimeoutDuration()},
		Buffer: 100,
	}
	resolver.SetAPIEndpoint(cfg.APIEndpoint)

	timeout := cfg.DownloadTimeoutDuration()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout

	return newFileSource(log, resolver, cfg.FileEndpoint, &http.Client{Transport: transport})
}

func newFileSource(log *slog.Logger, bot *tgbotapi.BotAPI, fileEndpoint string, client *http.Client) *FileSource {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &FileSource{
		logger:       log.With(slog.String("adapter", Type.String()), slog.String("component", "files")),
		bot:          bot,
		fileEndpoint: fileEndpoint,
		client:       client,
	}
}

// Open resolves fileID and returns the upstream body stream.
func (s *FileSource) Open(ctx context.Context, fileID string) (*File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, fmt.Errorf("%w: file id is required", ErrUpstream)
	}
	file, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("%w: get file: %v", ErrUpstream, redactToken(err, s.bot.Token))
	}
	filePath := strings.TrimSpace(file.FilePath)
	if filePath == "" {
		return nil, fmt.Errorf("%w: get file returned no file_path", ErrUpstream)
	}

	downloadURL := fmt.Sprintf(s.fileEndpoint, s.bot.Token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build download request: %v", ErrUpstream, redactToken(err, s.bot.Token))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrUpstream, redactToken(err, s.bot.Token))
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%w: download status: %d", ErrUpstream, resp.StatusCode)
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = defaultContentType
	}
	s.logger.Debug("file opened",
		slog.String("file_id", fileID),
		slog.String("content_type", contentType),
		slog.Int64("content_length", resp.ContentLength),
	)
	return &File{
		Body:          resp.Body,
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
	}, nil
}
