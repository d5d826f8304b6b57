package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/memohai/filedrop/internal/channel"
	"github.com/memohai/filedrop/internal/links"
)

const (
	defaultMaxSessions = 1024
	defaultSessionTTL  = 30 * time.Minute
	fallbackFileName   = "file"
)

// Reply texts.
const (
	textNotAllowed     = "You are not allowed to use this bot."
	textStartSingle    = "Hi! Send me a file and it will be available at the root link."
	textStartMulti     = "Hi! Send a name for the link (letters and digits only)."
	textInvalidName    = "The link name may contain only Latin letters and digits. Try again."
	textSendFile       = "Now send the file for the link %q."
	textFileSaved      = "File saved! Download it at: %s"
	textSaveFailed     = "Could not save the file. Please send it again."
	textSetDomainUsage = "Usage: /setdomain https://my-domain.com"
	textDomainSet      = "Domain set: %s/"
	textDomainFailed   = "Could not save the domain: %v"
	textCancelled      = "Cancelled."
	textNothingToStop  = "Nothing to cancel."
)

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filedrop_uploads_total",
	Help: "Documents received from admins, by store result.",
}, []string{"result"})

// Service runs the upload dialogue for every sender.
type Service struct {
	logger          *slog.Logger
	admins          map[int64]struct{}
	mode            links.Mode
	links           LinkWriter
	domains         DomainStore
	fallbackBaseURL string
	replier         channel.Replier
	sessions        *expirable.LRU[int64, Session]
	now             func() time.Time
}

// NewService builds a Service. fallbackBaseURL is reported when no domain has
// been saved with /setdomain.
func NewService(
	log *slog.Logger,
	cfg Config,
	linkWriter LinkWriter,
	domains DomainStore,
	fallbackBaseURL string,
	replier channel.Replier,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	mode := cfg.Mode
	if mode == "" {
		mode = links.ModeSingle
	}
	admins := make(map[int64]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = struct{}{}
	}
	return &Service{
		logger:          log.With(slog.String("component", "conversation")),
		admins:          admins,
		mode:            mode,
		links:           linkWriter,
		domains:         domains,
		fallbackBaseURL: strings.TrimRight(strings.TrimSpace(fallbackBaseURL), "/"),
		replier:         replier,
		sessions:        expirable.NewLRU[int64, Session](maxSessions, nil, ttl),
		now:             time.Now,
	}
}

// HandleInbound advances the sender's dialogue by one message. It matches
// channel.InboundHandler.
func (s *Service) HandleInbound(ctx context.Context, msg channel.InboundMessage) error {
	if name, args, ok := msg.Command(); ok {
		switch name {
		case "start":
			return s.handleStart(ctx, msg)
		case "setdomain":
			return s.handleSetDomain(ctx, msg, args)
		case "getlink":
			return s.handleGetLink(ctx, msg)
		case "cancel":
			return s.handleCancel(ctx, msg)
		}
	}

	session, ok := s.sessions.Get(msg.Sender.UserID)
	if !ok {
		return nil
	}
	switch {
	case session.State == StateAwaitingFilename && msg.Text != "" && !msg.HasDocument():
		return s.handleFilename(ctx, msg, session)
	case session.State == StateAwaitingFile && msg.HasDocument():
		return s.handleDocument(ctx, msg, session)
	default:
		return nil
	}
}

// Session returns the live session of userID, if any.
func (s *Service) Session(userID int64) (Session, bool) {
	return s.sessions.Get(userID)
}

// BaseURL returns the saved domain or the configured fallback.
func (s *Service) BaseURL() string {
	if s.domains != nil {
		if domain, ok := s.domains.Get(); ok {
			return domain
		}
	}
	return s.fallbackBaseURL
}

func (s *Service) isAdmin(userID int64) bool {
	_, ok := s.admins[userID]
	return ok
}

// authorize replies with the rejection text to non-admins.
func (s *Service) authorize(ctx context.Context, msg channel.InboundMessage) (bool, error) {
	if s.isAdmin(msg.Sender.UserID) {
		return true, nil
	}
	s.logger.Info("sender not allowed",
		slog.Int64("user_id", msg.Sender.UserID),
		slog.String("username", msg.Sender.Username),
	)
	return false, s.reply(ctx, msg.ChatID, textNotAllowed)
}

func (s *Service) handleStart(ctx context.Context, msg channel.InboundMessage) error {
	ok, err := s.authorize(ctx, msg)
	if !ok {
		return err
	}
	session := Session{State: StateAwaitingFile, StartedAt: s.now()}
	prompt := textStartSingle
	if s.mode == links.ModeMulti {
		session.State = StateAwaitingFilename
		prompt = textStartMulti
	}
	s.sessions.Add(msg.Sender.UserID, session)
	s.logger.Debug("session started", slog.Int64("user_id", msg.Sender.UserID), slog.String("state", session.State.String()))
	return s.reply(ctx, msg.ChatID, prompt)
}

func (s *Service) handleFilename(ctx context.Context, msg channel.InboundMessage, session Session) error {
	name := strings.TrimSpace(msg.Text)
	if !links.ValidKey(name) {
		return s.reply(ctx, msg.ChatID, textInvalidName)
	}
	session.State = StateAwaitingFile
	session.PendingName = name
	s.sessions.Add(msg.Sender.UserID, session)
	return s.reply(ctx, msg.ChatID, fmt.Sprintf(textSendFile, name))
}

func (s *Service) handleDocument(ctx context.Context, msg channel.InboundMessage, session Session) error {
	ok, err := s.authorize(ctx, msg)
	if !ok {
		return err
	}
	key := links.CurrentKey
	if session.PendingName != "" {
		key = session.PendingName
	}
	fileName := strings.TrimSpace(msg.Document.FileName)
	if fileName == "" {
		fileName = fallbackFileName
	}
	rec := links.Record{FileID: strings.TrimSpace(msg.Document.FileID), FileName: fileName}
	if err := s.links.Put(key, rec); err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		s.logger.Error("store link failed", slog.String("key", key), slog.Any("error", err))
		if replyErr := s.reply(ctx, msg.ChatID, textSaveFailed); replyErr != nil {
			s.logger.Warn("reply failed", slog.Any("error", replyErr))
		}
		return fmt.Errorf("store link %q: %w", key, err)
	}
	uploadsTotal.WithLabelValues("ok").Inc()
	s.sessions.Remove(msg.Sender.UserID)
	s.logger.Info("link stored",
		slog.String("key", key),
		slog.String("file_name", fileName),
		slog.Int64("size", msg.Document.Size),
	)
	return s.reply(ctx, msg.ChatID, fmt.Sprintf(textFileSaved, s.downloadURL(key)))
}

func (s *Service) handleSetDomain(ctx context.Context, msg channel.InboundMessage, args string) error {
	ok, err := s.authorize(ctx, msg)
	if !ok {
		return err
	}
	if strings.TrimSpace(args) == "" {
		return s.reply(ctx, msg.ChatID, textSetDomainUsage)
	}
	domain, err := s.domains.Set(args)
	if err != nil {
		s.logger.Warn("set domain failed", slog.String("domain", args), slog.Any("error", err))
		return s.reply(ctx, msg.ChatID, fmt.Sprintf(textDomainFailed, err))
	}
	s.logger.Info("domain set", slog.String("domain", domain))
	return s.reply(ctx, msg.ChatID, fmt.Sprintf(textDomainSet, domain))
}

func (s *Service) handleGetLink(ctx context.Context, msg channel.InboundMessage) error {
	ok, err := s.authorize(ctx, msg)
	if !ok {
		return err
	}
	return s.reply(ctx, msg.ChatID, s.BaseURL()+"/")
}

func (s *Service) handleCancel(ctx context.Context, msg channel.InboundMessage) error {
	ok, err := s.authorize(ctx, msg)
	if !ok {
		return err
	}
	if !s.sessions.Remove(msg.Sender.UserID) {
		return s.reply(ctx, msg.ChatID, textNothingToStop)
	}
	return s.reply(ctx, msg.ChatID, textCancelled)
}

// downloadURL is <base>/ for the sentinel key and <base>/<key> otherwise.
func (s *Service) downloadURL(key string) string {
	if key == links.CurrentKey {
		return s.BaseURL() + "/"
	}
	return s.BaseURL() + "/" + key
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) error {
	if s.replier == nil {
		return nil
	}
	if err := s.replier.Reply(ctx, chatID, text); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}
