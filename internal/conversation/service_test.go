package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/filedrop/internal/channel"
	"github.com/memohai/filedrop/internal/links"
)

const (
	adminID    int64 = 53962232
	strangerID int64 = 777
)

type sentReply struct {
	chatID int64
	text   string
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []sentReply
}

func (f *fakeReplier) Reply(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{chatID: chatID, text: text})
	return nil
}

func (f *fakeReplier) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.replies))
	for _, r := range f.replies {
		out = append(out, r.text)
	}
	return out
}

func (f *fakeReplier) last() string {
	texts := f.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type failingWriter struct{ calls int }

func (w *failingWriter) Put(string, links.Record) error {
	w.calls++
	return errors.New("disk full")
}

type fixture struct {
	svc     *Service
	store   *links.Store
	domains *links.DomainStore
	replier *fakeReplier
}

func newFixture(t *testing.T, mode links.Mode) fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	f := fixture{
		store:   links.NewStore(fs, "files.json", nil),
		domains: links.NewDomainStore(fs, "domain.json", nil),
		replier: &fakeReplier{},
	}
	f.svc = NewService(nil, Config{AdminIDs: []int64{adminID}, Mode: mode}, f.store, f.domains, "http://localhost:8080/", f.replier)
	return f
}

func text(userID int64, body string) channel.InboundMessage {
	return channel.InboundMessage{
		ChatID: userID,
		Sender: channel.Identity{UserID: userID},
		Text:   body,
	}
}

func document(userID int64, fileID, fileName string) channel.InboundMessage {
	return channel.InboundMessage{
		ChatID:   userID,
		Sender:   channel.Identity{UserID: userID},
		Document: &channel.Document{FileID: fileID, FileName: fileName},
	}
}

func TestSingleModeUpload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, links.ModeSingle)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/start")))
	assert.Equal(t, textStartSingle, f.replier.last())
	session, ok := f.svc.Session(adminID)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingFile, session.State)

	require.NoError(t, f.svc.HandleInbound(ctx, document(adminID, "ABC123", "report.pdf")))
	rec, ok := f.store.Get(links.CurrentKey)
	require.True(t, ok)
	assert.Equal(t, links.Record{FileID: "ABC123", FileName: "report.pdf"}, rec)
	assert.Equal(t, "File saved! Download it at: http://localhost:8080/", f.replier.last())

	_, ok = f.svc.Session(adminID)
	assert.False(t, ok, "session is cleared after a successful upload")
}

func TestSingleModeFallbackFileName(t *testing.T) {
	t.Parallel()

	f := newFixture(t, links.ModeSingle)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/start")))
	require.NoError(t, f.svc.HandleInbound(ctx, document(adminID, "XYZ", "  ")))
	rec, ok := f.store.Get(links.CurrentKey)
	require.True(t, ok)
	assert.Equal(t, "file", rec.FileName)
}

func TestMultiModeUpload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, links.ModeMulti)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/start")))
	assert.Equal(t, textStartMulti, f.replier.last())

	for _, bad := range []string{"../etc", "a/b", `a\b`, "my file", "имя", "-", "/etc", "/a/b", "/unknown"} {
		require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, bad)))
		assert.Equal(t, textInvalidName, f.replier.last(), "name %q", bad)
		session, ok := f.svc.Session(adminID)
		require.True(t, ok)
		assert.Equal(t, StateAwaitingFilename, session.State, "name %q must not advance", bad)
	}

	require.NoError(t, f.svc.HandleInbound(ctx, document(adminID, "EARLY", "early.bin")))
	_, ok := f.store.Get(links.CurrentKey)
	assert.False(t, ok, "documents are ignored while a name is expected")

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "Report2024")))
	session, ok := f.svc.Session(adminID)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingFile, session.State)
	assert.Equal(t, "Report2024", session.PendingName)

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "more text")))
	require.NoError(t, f.svc.HandleInbound(ctx, document(adminID, "DOC1", "q4.xlsx")))
	rec, ok := f.store.Get("Report2024")
	require.True(t, ok)
	assert.Equal(t, links.Record{FileID: "DOC1", FileName: "q4.xlsx"}, rec)
	assert.Equal(t, "File saved! Download it at: http://localhost:8080/Report2024", f.replier.last())
}

func TestNonAdminIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, links.ModeMulti)
	ctx := context.Background()

	for _, cmd := range []string{"/start", "/getlink", "/setdomain evil.example", "/cancel"} {
		require.NoError(t, f.svc.HandleInbound(ctx, text(strangerID, cmd)))
		assert.Equal(t, textNotAllowed, f.replier.last(), "command %q", cmd)
	}
	require.NoError(t, f.svc.HandleInbound(ctx, document(strangerID, "EVIL", "evil.exe")))
	require.NoError(t, f.svc.HandleInbound(ctx, text(strangerID, "name")))

	_, ok := f.svc.Session(strangerID)
	assert.False(t, ok)
	assert.Empty(t, f.store.List())
	_, ok = f.domains.Get()
	assert.False(t, ok)
	assert.Len(t, f.replier.texts(), 4, "only commands get a rejection reply")
}

func TestIgnoredMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, links.ModeSingle)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "hello")))
	require.NoError(t, f.svc.HandleInbound(ctx, document(adminID, "NOSESSION", "x.txt")))
	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/unknown")))
	assert.Empty(t, f.replier.texts())
	assert.Empty(t, f.store.List())
}

func TestSetDomainAndGetLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, links.ModeSingle)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/getlink")))
	assert.Equal(t, "http://localhost:8080/", f.replier.last())

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/setdomain")))
	assert.Equal(t, textSetDomainUsage, f.replier.last())

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/setdomain@FileDropBot drop.example.com/")))
	assert.Equal(t, "Domain set: https://drop.example.com/", f.replier.last())

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/getlink")))
	assert.Equal(t, "https://drop.example.com/", f.replier.last())
	assert.Equal(t, "https://drop.example.com", f.svc.BaseURL())

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/setdomain https:///")))
	assert.Contains(t, f.replier.last(), "Could not save the domain")
	assert.Equal(t, "https://drop.example.com", f.svc.BaseURL())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, links.ModeMulti)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/cancel")))
	assert.Equal(t, textNothingToStop, f.replier.last())

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/start")))
	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "/cancel")))
	assert.Equal(t, textCancelled, f.replier.last())
	_, ok := f.svc.Session(adminID)
	assert.False(t, ok)

	require.NoError(t, f.svc.HandleInbound(ctx, text(adminID, "Report")))
	assert.Equal(t, textCancelled, f.replier.last(), "text after cancel is ignored")
}

func TestStoreFailureKeepsSession(t *testing.T) {
	t.Parallel()

	writer := &failingWriter{}
	replier := &fakeReplier{}
	svc := NewService(nil, Config{AdminIDs: []int64{adminID}}, writer, nil, "http://localhost:8080", replier)
	ctx := context.Background()

	require.NoError(t, svc.HandleInbound(ctx, text(adminID, "/start")))
	err := svc.HandleInbound(ctx, document(adminID, "ABC", "a.txt"))
	require.Error(t, err)
	assert.Equal(t, textSaveFailed, replier.last())
	assert.Equal(t, 1, writer.calls)

	session, ok := svc.Session(adminID)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingFile, session.State)
}

func TestSessionExpires(t *testing.T) {
	t.Parallel()

	replier := &fakeReplier{}
	store := links.NewStore(afero.NewMemMapFs(), "files.json", nil)
	svc := NewService(nil, Config{AdminIDs: []int64{adminID}, SessionTTL: 20 * time.Millisecond}, store, nil, "http://localhost:8080", replier)
	ctx := context.Background()

	require.NoError(t, svc.HandleInbound(ctx, text(adminID, "/start")))
	require.Eventually(t, func() bool {
		_, ok := svc.Session(adminID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.HandleInbound(ctx, document(adminID, "LATE", "late.bin")))
	assert.Empty(t, store.List())
}

func TestSessionsAreBounded(t *testing.T) {
	t.Parallel()

	admins := []int64{1, 2, 3}
	svc := NewService(nil, Config{AdminIDs: admins, MaxSessions: 2}, &failingWriter{}, nil, "", &fakeReplier{})
	ctx := context.Background()
	for _, id := range admins {
		require.NoError(t, svc.HandleInbound(ctx, text(id, "/start")))
	}
	_, ok := svc.Session(1)
	assert.False(t, ok, "oldest session is evicted")
	_, ok = svc.Session(3)
	assert.True(t, ok)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "awaiting_filename", StateAwaitingFilename.String())
	assert.Equal(t, "awaiting_file", StateAwaitingFile.String())
}
