package dispatcher

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"hopper/internal/model"

	"github.com/rs/zerolog/log"
)

// Action records what the dispatcher did with one storage event
type Action string

const (
	ActionIgnored          Action = "ignored"
	ActionUnpacked         Action = "unpacked"
	ActionDispatched       Action = "dispatched"
	ActionSkippedDuplicate Action = "skipped_duplicate"
)

// ObjectStore is the slice of the staging store the dispatcher needs
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Publisher routes classified work to the per-kind worker queues
type Publisher interface {
	PublishWork(ctx context.Context, msg model.WorkMessage) error
}

// Guard absorbs duplicate storage notifications. Best effort: a guard
// failure degrades to at-least-once dispatch, which workers tolerate. The
// mark is released again when handling fails, so a redelivered event or a
// re-upload to the same key retries instead of being absorbed.
type Guard interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Dispatcher turns "object created" notifications into work messages:
// archives are unpacked back into the store, everything else is classified
// and routed or dropped.
type Dispatcher struct {
	store     ObjectStore
	publisher Publisher
	guard     Guard
	guardTTL  time.Duration
}

func New(store ObjectStore, publisher Publisher, guard Guard) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		guard:     guard,
		guardTTL:  24 * time.Hour,
	}
}

// HandleEvent processes one storage notification end to end
func (d *Dispatcher) HandleEvent(ctx context.Context, event model.StorageEvent) (Action, error) {
	key := event.Key

	// Folder placeholder objects carry no content
	if strings.HasSuffix(key, "/") {
		return ActionIgnored, nil
	}

	ownerID, jobID, ok := parseContext(key)
	if !ok && !isArchive(key) {
		log.Warn().Str("key", key).Msg("Object key outside the expected layout, ignoring")
		return ActionIgnored, nil
	}

	guardKey := "dispatched:" + event.Bucket + "/" + key
	if d.guard != nil {
		first, err := d.guard.MarkOnce(ctx, guardKey, d.guardTTL)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Duplicate guard unavailable, dispatching anyway")
		} else if !first {
			return ActionSkippedDuplicate, nil
		}
	}

	if isArchive(key) {
		// An archive outside the layout still fans out, keyed by its own
		// base name, so loose uploads are not silently lost.
		targetPrefix := fmt.Sprintf("extracted/%s/%s", ownerID, jobID)
		if !ok {
			targetPrefix = "extracted/" + archiveBase(key)
		}
		if err := d.unpack(ctx, key, targetPrefix); err != nil {
			d.release(ctx, guardKey)
			return ActionIgnored, err
		}
		return ActionUnpacked, nil
	}

	kind := Classify(key)
	if kind == model.KindNone {
		log.Info().Str("key", key).Msg("No worker kind matches this file, ignoring")
		return ActionIgnored, nil
	}

	msg := model.WorkMessage{
		Bucket:      event.Bucket,
		ObjectKey:   key,
		OwnerID:     ownerID,
		JobID:       jobID,
		Size:        event.Size,
		ContentType: event.ContentType,
		CreatedAt:   event.CreatedAt,
		Kind:        kind,
	}

	if err := d.publisher.PublishWork(ctx, msg); err != nil {
		d.release(ctx, guardKey)
		return ActionIgnored, fmt.Errorf("publish work for %q: %w", key, err)
	}

	log.Info().
		Str("key", key).
		Str("kind", string(kind)).
		Str("jobID", jobID).
		Msg("Dispatched work message")

	return ActionDispatched, nil
}

// release frees the duplicate-guard mark after a failed attempt. A mark
// left behind would absorb every retry for the guard TTL and stall the job
// without any failure on record.
func (d *Dispatcher) release(ctx context.Context, guardKey string) {
	if d.guard == nil {
		return
	}
	if err := d.guard.Delete(ctx, guardKey); err != nil {
		log.Warn().Err(err).Str("guardKey", guardKey).Msg("Failed to release duplicate guard")
	}
}

// unpack expands a zip upload into extracted/{owner}/{job}/ so each entry
// re-enters the pipeline as its own storage event. The source archive is
// deleted only after every entry landed; a partial failure leaves it in
// place for the redelivery to retry.
func (d *Dispatcher) unpack(ctx context.Context, key, targetPrefix string) error {
	raw, err := d.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("download archive %q: %w", key, err)
	}

	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("open archive %q: %w", key, err)
	}

	written := 0
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if skipEntry(entry.Name) {
			log.Debug().Str("entry", entry.Name).Msg("Skipping archive metadata entry")
			continue
		}

		content, err := readEntry(entry)
		if err != nil {
			return fmt.Errorf("read entry %q: %w", entry.Name, err)
		}

		target := targetPrefix + "/" + entry.Name
		if err := d.store.Put(ctx, target, content, "application/octet-stream"); err != nil {
			return fmt.Errorf("store entry %q: %w", entry.Name, err)
		}
		written++
	}

	if err := d.store.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to remove unpacked archive")
	}

	log.Info().
		Str("key", key).
		Int("entries", written).
		Msg("Unpacked archive into extracted prefix")

	return nil
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// skipEntry filters macOS resource forks, hidden files and path-escape
// attempts out of the fan-out.
func skipEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}
	if strings.HasPrefix(path.Base(name), ".") {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." {
			return true
		}
	}
	return false
}
