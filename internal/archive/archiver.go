package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/vectorsync/internal/errors"
)

const latestName = "LATEST"

// Archiver stores one current snapshot per index. Each save writes a new
// uniquely named object, then moves the LATEST pointer, then removes the
// previous objects, so a crash mid-save leaves the older archive readable.
type Archiver struct {
	store  BlobStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver over store.
func NewArchiver(store BlobStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger, now: time.Now}
}

func archiveErr(msg string, err error) error {
	return errors.New(errors.ErrCodeArchiveIO, msg, err)
}

func dir(index string) string { return index + "/" }

// Save writes s as the current archive of its index.
func (a *Archiver) Save(ctx context.Context, s *Snapshot) error {
	name := s.Definition.Name
	if s.CreatedAt.IsZero() {
		s.CreatedAt = a.now().UTC()
	}
	data, err := Marshal(s)
	if err != nil {
		return archiveErr("encode archive of "+name, err)
	}
	object := dir(name) + uuid.NewString() + ".vsa"
	if err := a.store.Put(ctx, object, data); err != nil {
		return archiveErr("write archive of "+name, err)
	}
	if err := a.store.Put(ctx, dir(name)+latestName, []byte(object)); err != nil {
		return archiveErr("update archive pointer of "+name, err)
	}
	a.prune(ctx, name, object)
	a.logger.Info("archive_saved",
		slog.String("index", name),
		slog.String("object", object),
		slog.Int("records", len(s.Records)),
		slog.Int("tombstones", len(s.Tombstones)),
		slog.Int("bytes", len(data)))
	return nil
}

// prune removes every object of index except keep and the pointer.
func (a *Archiver) prune(ctx context.Context, index, keep string) {
	names, err := a.store.List(ctx, dir(index))
	if err != nil {
		a.logger.Warn("archive_list_failed", slog.String("index", index), slog.String("error", err.Error()))
		return
	}
	for _, n := range names {
		if !strings.HasPrefix(n, dir(index)) || n == keep || n == dir(index)+latestName {
			continue
		}
		if err := a.store.Delete(ctx, n); err != nil {
			a.logger.Warn("archive_prune_failed", slog.String("object", n), slog.String("error", err.Error()))
		}
	}
}

// Load returns the current archive of index, or an error matching
// ErrNotFound when there is none.
func (a *Archiver) Load(ctx context.Context, index string) (*Snapshot, error) {
	ptr, err := a.store.Get(ctx, dir(index)+latestName)
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, archiveErr("read archive pointer of "+index, err)
	}
	data, err := a.store.Get(ctx, strings.TrimSpace(string(ptr)))
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, archiveErr("read archive of "+index, err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return nil, archiveErr("decode archive of "+index, err)
	}
	if s.Definition.Name != index {
		return nil, archiveErr(fmt.Sprintf("archive of %s holds index %q", index, s.Definition.Name), nil)
	}
	return s, nil
}

// Remove deletes every object of index.
func (a *Archiver) Remove(ctx context.Context, index string) error {
	names, err := a.store.List(ctx, dir(index))
	if err != nil {
		return archiveErr("list archive of "+index, err)
	}
	for _, n := range names {
		if !strings.HasPrefix(n, dir(index)) {
			continue
		}
		if err := a.store.Delete(ctx, n); err != nil {
			return archiveErr("delete "+n, err)
		}
	}
	return nil
}
