package links

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

type domainDocument struct {
	Domain string `json:"domain,omitempty"`
}

// DomainStore persists the public base URL set with /setdomain.
type DomainStore struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDomainStore returns a DomainStore over the document at path.
func NewDomainStore(fsys afero.Fs, path string, log *slog.Logger) *DomainStore {
	if log == nil {
		log = slog.Default()
	}
	return &DomainStore{
		fs:     fsys,
		path:   path,
		logger: log.With(slog.String("component", "domain"), slog.String("path", path)),
	}
}

// Get returns the saved domain without a trailing slash.
func (s *DomainStore) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var doc domainDocument
	if err := readJSON(s.fs, s.path, &doc); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read domain failed, ignoring", slog.Any("error", err))
		}
		return "", false
	}
	domain := strings.TrimRight(strings.TrimSpace(doc.Domain), "/")
	return domain, domain != ""
}

// Set saves domain after NormalizeDomain and returns the stored value.
func (s *DomainStore) Set(domain string) (string, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return "", errors.New("domain is required")
	}
	if u, err := url.Parse(domain); err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid domain %q", domain)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSON(s.fs, s.path, domainDocument{Domain: domain}); err != nil {
		return "", fmt.Errorf("save domain: %w", err)
	}
	return domain, nil
}

// NormalizeDomain adds an https:// scheme when none is given and strips
// trailing slashes.
func NormalizeDomain(raw string) string {
	domain := strings.TrimSpace(raw)
	if domain == "" {
		return ""
	}
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		domain = "https://" + domain
	}
	return strings.TrimRight(domain, "/")
}
