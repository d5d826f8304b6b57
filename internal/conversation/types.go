// Package conversation drives the per-sender upload dialogue: an admin starts
// it with /start, optionally names the link, and sends a document whose
// file_id is persisted in the link store.
package conversation

import (
	"time"

	"github.com/memohai/filedrop/internal/links"
)

// State is the position of a sender in the upload dialogue.
type State int

const (
	StateIdle State = iota
	StateAwaitingFilename
	StateAwaitingFile
)

func (s State) String() string {
	switch s {
	case StateAwaitingFilename:
		return "awaiting_filename"
	case StateAwaitingFile:
		return "awaiting_file"
	default:
		return "idle"
	}
}

// Session is the in-memory dialogue state of one sender.
type Session struct {
	State       State
	PendingName string
	StartedAt   time.Time
}

// Config controls who may talk to the bot and which dialogue shape is used.
type Config struct {
	AdminIDs    []int64
	Mode        links.Mode
	SessionTTL  time.Duration
	MaxSessions int
}

// LinkWriter persists a link record.
type LinkWriter interface {
	Put(key string, rec links.Record) error
}

// DomainStore reads and saves the public base URL override.
type DomainStore interface {
	Get() (string, bool)
	Set(domain string) (string, error)
}
