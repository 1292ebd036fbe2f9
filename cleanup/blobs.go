package cleanup

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"kanban-api/blob"
)

type deleter interface {
	Delete(ctx context.Context, name string) error
}

// BlobRemover deletes files straight from the blob store.
type BlobRemover struct {
	store deleter
	log   *log.Logger
}

func NewBlobRemover(store deleter, logger *log.Logger) *BlobRemover {
	return &BlobRemover{store: store, log: logger}
}

// Remove deletes every file. Missing files count as removed; other failures are
// joined into the returned error after all files were attempted.
func (r *BlobRemover) Remove(ctx context.Context, files []string) error {
	var errs []error
	for _, name := range files {
		err := r.store.Delete(ctx, name)
		switch {
		case err == nil:
			r.log.WithField("file", name).Info("deleted file")
		case errors.Is(err, blob.ErrNotFound):
			r.log.WithField("file", name).Debug("file already gone")
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
