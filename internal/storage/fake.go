package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeAdapter is an in-memory stand-in for DB, used by internal/smtpsrv's
// tests in place of a live Postgres connection — the same role chasquid's
// testlib fakes and go-mockdns-style fakes play for their respective
// dependencies. It does not parse SQL: callers that want to assert on what
// was "inserted" read back the Emails/Files slices directly.
type FakeAdapter struct {
	mu sync.Mutex

	// txMu mirrors DB.txMu: WithTx holds it across the whole
	// Begin...Commit/Rollback span, so concurrent commits against one
	// shared FakeAdapter serialize rather than tripping "already active".
	txMu sync.Mutex

	inTx bool

	// Emails records every statement passed to InsertReturningID.
	Emails []string
	// Files records every attachment inserted via InsertFile.
	Files []FakeFile
	// Links records every statement passed to ExecuteVoid.
	Links []string

	nextEmailID int
	nextFileID  int

	// FailBegin/FailInsert/FailCommit, if set, make the corresponding call
	// fail, to exercise the rollback path.
	FailBegin  error
	FailInsert error
	FailCommit error
}

// FakeFile is one attachment recorded by FakeAdapter.InsertFile.
type FakeFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// NewFakeAdapter returns a ready-to-use FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{nextEmailID: 1, nextFileID: 1}
}

func (f *FakeAdapter) Begin(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBegin != nil {
		return f.FailBegin
	}
	if f.inTx {
		return fmt.Errorf("storage: fake: begin: a transaction is already active")
	}
	f.inTx = true
	return nil
}

func (f *FakeAdapter) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCommit != nil {
		return f.FailCommit
	}
	if !f.inTx {
		return fmt.Errorf("storage: fake: commit: no active transaction")
	}
	f.inTx = false
	return nil
}

func (f *FakeAdapter) Rollback(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inTx = false
}

func (f *FakeAdapter) WithTx(ctx context.Context, fn func() error) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	if err := f.Begin(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		f.Rollback(ctx)
		return err
	}
	return f.Commit(ctx)
}

// Escape wraps s in single quotes, doubling any single quote inside it: the
// fake does not build real SQL, so it only needs to look escaped, not be
// safe.
func (f *FakeAdapter) Escape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (f *FakeAdapter) InsertReturningID(ctx context.Context, sql string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailInsert != nil {
		return 0, f.FailInsert
	}
	f.Emails = append(f.Emails, sql)
	id := f.nextEmailID
	f.nextEmailID++
	return id, nil
}

func (f *FakeAdapter) ExecuteVoid(ctx context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links = append(f.Links, sql)
	return nil
}

func (f *FakeAdapter) InsertFile(ctx context.Context, filename, contentType string, content []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files = append(f.Files, FakeFile{Filename: filename, ContentType: contentType, Content: content})
	id := f.nextFileID
	f.nextFileID++
	return id, nil
}

var _ Adapter = (*FakeAdapter)(nil)
