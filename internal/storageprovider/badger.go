package storageprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpctoolkit/hpccct/internal/storageutil"
)

// BadgerScheme is the URL scheme served by a local badger database.
const BadgerScheme = "badger"

// Badger stores profiles as values of a badger database keyed by object
// name. A profile is buffered in memory and committed when its writer is
// closed, so readers never see a partial profile.
type Badger struct {
	DB *badger.DB
}

// OpenBadger opens the database in dir, or an in-memory database when dir
// is empty.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log.With().Str("storage", BadgerScheme).Logger()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger %q: %w", dir, err)
	}
	return &Badger{DB: db}, nil
}

func (b *Badger) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &badgerWriter{
		buf:  &bytes.Buffer{},
		txn:  b.DB.NewTransaction(true),
		name: name,
	}, nil
}

// Get returns the profile stored under name, or ErrObjectNotFound.
func (b *Badger) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := b.DB.NewTransaction(false)
	item, err := txn.Get([]byte(name))
	if err != nil {
		txn.Discard()
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		txn.Discard()
		return nil, err
	}
	return &badgerReader{txn: txn, Reader: bytes.NewReader(value)}, nil
}

func (b *Badger) Close() error {
	return b.DB.Close()
}

type badgerWriter struct {
	buf  *bytes.Buffer
	txn  *badger.Txn
	name string
}

func (w *badgerWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *badgerWriter) Close() error {
	defer w.txn.Discard()
	if err := w.txn.Set([]byte(w.name), w.buf.Bytes()); err != nil {
		return err
	}
	return w.txn.Commit()
}

type badgerReader struct {
	*bytes.Reader
	txn *badger.Txn
}

func (r *badgerReader) Close() error {
	r.txn.Discard()
	return nil
}

// badgerLogger forwards badger's log lines to zerolog. Info lines are
// demoted to debug; badger is chatty on open and compaction.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Handler is an ObjectHandler that owns resources.
type Handler interface {
	storageutil.ObjectHandler
	io.Closer
}

// Open returns the handler for rawURL: badger:///path/to/db (or badger://
// for an in-memory database) opens a badger database, anything else is
// opened as a gocloud bucket URL.
func Open(ctx context.Context, rawURL string) (Handler, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("storage: %q: %w", rawURL, err)
	}
	if u.Scheme == BadgerScheme {
		return OpenBadger(u.Host + u.Path)
	}
	return OpenBucket(ctx, rawURL)
}
