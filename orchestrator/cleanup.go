package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/saritra/pipeweave/orchestrator/objectstore"
	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/store"
)

// UploadJanitor expires unclaimed temp uploads and archives old records.
type UploadJanitor struct {
	store    store.Store
	blobs    objectstore.Store
	interval time.Duration
	// archiveAfter is how long a deleted row lingers before its record is
	// dropped entirely.
	archiveAfter time.Duration
	batchSize    int
}

// NewUploadJanitor creates the janitor with the default hourly cadence.
func NewUploadJanitor(s store.Store, blobs objectstore.Store, interval, archiveAfter time.Duration) *UploadJanitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if archiveAfter <= 0 {
		archiveAfter = 7 * 24 * time.Hour
	}
	return &UploadJanitor{
		store:        s,
		blobs:        blobs,
		interval:     interval,
		archiveAfter: archiveAfter,
		batchSize:    100,
	}
}

// Start launches the cleanup loop.
func (j *UploadJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *UploadJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Printf("Starting temp-upload janitor (interval %v, archive after %v)", j.interval, j.archiveAfter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.CleanOnce(ctx); err != nil {
				log.Printf("UploadJanitor: pass failed: %v", err)
			}
		}
	}
}

// CleanOnce expires one batch of unclaimed uploads, then archives records
// deleted long enough ago. Individual blob failures are logged, not fatal.
func (j *UploadJanitor) CleanOnce(ctx context.Context) error {
	now := time.Now()
	expired, err := j.store.ListExpiredUnclaimedUploads(ctx, now, j.batchSize)
	if err != nil {
		return err
	}
	for _, upload := range expired {
		if err := j.blobs.Delete(ctx, upload.StoragePath); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			log.Printf("UploadJanitor: delete blob %s: %v", upload.StoragePath, err)
			continue
		}
		if err := j.store.MarkTempUploadDeleted(ctx, upload.ID, now); err != nil {
			log.Printf("UploadJanitor: mark deleted %s: %v", upload.ID, err)
			continue
		}
		observability.TempUploadsExpired.Inc()
	}
	if len(expired) > 0 {
		log.Printf("UploadJanitor: expired %d unclaimed uploads", len(expired))
	}

	archived, err := j.store.DeleteArchivedTempUploads(ctx, now.Add(-j.archiveAfter))
	if err != nil {
		return err
	}
	if archived > 0 {
		log.Printf("UploadJanitor: archived %d upload records", archived)
	}

	// Expired idempotency-cache rows ride along on the same cadence.
	if purged, err := j.store.DeleteExpiredCachedResults(ctx, now); err != nil {
		log.Printf("UploadJanitor: cache purge failed: %v", err)
	} else if purged > 0 {
		log.Printf("UploadJanitor: purged %d expired cache entries", purged)
	}
	return nil
}
