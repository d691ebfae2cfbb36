// Package worker implements the consume-process-ack loop. Each Worker
// runs independently; the queue is the only coordination between
// workers, and the stores are shared durable state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/pixelforge/thumbnailer/internal/config"
	"github.com/pixelforge/thumbnailer/internal/model"
	"github.com/pixelforge/thumbnailer/internal/queue"
	imagerepo "github.com/pixelforge/thumbnailer/internal/repository/image"
)

// maxErrorMessageLen bounds the persisted failure reason, matching the
// error_message column width.
const maxErrorMessageLen = 1024

// imageRepo defines the image record operations the worker needs.
type imageRepo interface {
	Get(ctx context.Context, id uuid.UUID) (model.Image, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

// thumbnailRepo defines the thumbnail record operations the worker needs.
type thumbnailRepo interface {
	Upsert(ctx context.Context, th model.Thumbnail) error
}

// generator produces thumbnail derivatives from a decoded source image.
type generator interface {
	Open(ctx context.Context, path string) (image.Image, error)
	Generate(ctx context.Context, src image.Image, imageID uuid.UUID, size config.SizeSpec) (model.Thumbnail, error)
}

// Worker consumes processing tasks and drives the image state machine.
type Worker struct {
	id         int
	queue      queue.Queue
	images     imageRepo
	thumbnails thumbnailRepo
	gen        generator
	sizes      []config.SizeSpec

	batchSize int
	pullWait  time.Duration
	idleSleep time.Duration
}

// New creates a Worker with the given dependencies and loop settings.
func New(
	id int,
	q queue.Queue,
	images imageRepo,
	thumbnails thumbnailRepo,
	gen generator,
	sizes []config.SizeSpec,
	cfg config.Worker,
) *Worker {
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 1
	}

	return &Worker{
		id:         id,
		queue:      q,
		images:     images,
		thumbnails: thumbnails,
		gen:        gen,
		sizes:      sizes,
		batchSize:  batch,
		pullWait:   cfg.PullWait,
		idleSleep:  cfg.IdleSleep,
	}
}

// Run pulls and processes deliveries until ctx is canceled. Shutdown
// is observed between iterations only: a delivery in flight always
// finishes with an ack or nack before Run returns.
func (w *Worker) Run(ctx context.Context) {
	zlog.Logger.Info().Int("worker", w.id).Msg("worker started")

	for {
		if ctx.Err() != nil {
			zlog.Logger.Info().Int("worker", w.id).Msg("shutdown signal received, stopping worker")
			return
		}

		deliveries, err := w.queue.Pull(ctx, w.batchSize, w.pullWait)
		if err != nil {
			zlog.Logger.Warn().Int("worker", w.id).Err(err).Msg("pull failed")
		}

		if len(deliveries) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.idleSleep):
			}
			continue
		}

		for _, d := range deliveries {
			// Detach from the shutdown signal so cancellation between
			// pull and ack cannot orphan a processing image.
			w.handle(context.WithoutCancel(ctx), d)
		}
	}
}

// handle processes one delivery end to end. Every failure is contained
// here; nothing propagates to terminate the Run loop.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().
				Int("worker", w.id).
				Str("message_id", d.MessageID()).
				Interface("panic", r).
				Msg("panic while processing delivery")
			w.nack(ctx, d)
		}
	}()

	var task model.Task
	if err := json.Unmarshal(d.Payload(), &task); err != nil {
		// An undecodable payload can never become decodable on
		// redelivery; drop it instead of looping forever.
		zlog.Logger.Error().
			Int("worker", w.id).
			Str("message_id", d.MessageID()).
			Err(err).
			Str("reason", "malformed_payload").
			Msg("dropping message")
		w.ack(ctx, d)
		return
	}

	img, err := w.images.Get(ctx, task.ImageID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			// Dangling reference: redelivery can never make the row
			// appear. Remove the message without retry.
			zlog.Logger.Error().
				Int("worker", w.id).
				Str("image_id", task.ImageID.String()).
				Str("reason", "image_not_found").
				Msg("dropping message")
			w.ack(ctx, d)
			return
		}

		// Store unreachable: nack-on-doubt, another attempt may succeed.
		zlog.Logger.Warn().Int("worker", w.id).Err(err).Msg("failed to look up image")
		w.nack(ctx, d)
		return
	}

	if _, err := img.Status.Transition(model.EventStart); err != nil {
		// Only a completed image rejects the start event. Replaying
		// finished work is a no-op: the thumbnail set already equals
		// the configured sizes.
		zlog.Logger.Info().
			Int("worker", w.id).
			Str("image_id", img.ID.String()).
			Msg("image already completed, acking replayed delivery")
		w.ack(ctx, d)
		return
	}

	if err := w.images.MarkProcessing(ctx, img.ID); err != nil {
		zlog.Logger.Warn().Int("worker", w.id).Err(err).Msg("failed to mark image processing")
		w.nack(ctx, d)
		return
	}

	start := time.Now()

	src, err := w.gen.Open(ctx, task.FilePath)
	if err != nil {
		w.fail(ctx, d, img.ID, err)
		return
	}

	// Fail fast across sizes: a failing size aborts the attempt, but
	// rows persisted for earlier sizes are kept. The upsert makes the
	// retry overwrite them instead of duplicating.
	for _, size := range w.sizes {
		th, err := w.gen.Generate(ctx, src, img.ID, size)
		if err != nil {
			w.fail(ctx, d, img.ID, fmt.Errorf("size %s: %w", size.Name, err))
			return
		}

		if err := w.thumbnails.Upsert(ctx, th); err != nil {
			w.fail(ctx, d, img.ID, fmt.Errorf("size %s: %w", size.Name, err))
			return
		}
	}

	if err := w.images.MarkCompleted(ctx, img.ID); err != nil {
		// Results may not be durably recorded; do not ack.
		zlog.Logger.Warn().Int("worker", w.id).Err(err).Msg("failed to mark image completed")
		w.nack(ctx, d)
		return
	}

	w.ack(ctx, d)

	zlog.Logger.Info().
		Int("worker", w.id).
		Str("image_id", img.ID.String()).
		Int("thumbnails", len(w.sizes)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("image processed")
}

// fail marks the image failed with a bounded reason and nacks the
// delivery so the task is redelivered for another attempt.
func (w *Worker) fail(ctx context.Context, d queue.Delivery, id uuid.UUID, cause error) {
	msg := truncate(cause.Error(), maxErrorMessageLen)

	zlog.Logger.Error().
		Int("worker", w.id).
		Str("image_id", id.String()).
		Err(cause).
		Str("reason", "generation_failed").
		Msg("image processing failed")

	if err := w.images.MarkFailed(ctx, id, msg); err != nil {
		zlog.Logger.Warn().Int("worker", w.id).Err(err).Msg("failed to mark image failed")
	}

	w.nack(ctx, d)
}

// truncate bounds s to max bytes without splitting a multi-byte rune;
// the database rejects invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}

func (w *Worker) ack(ctx context.Context, d queue.Delivery) {
	if err := w.queue.Ack(ctx, d); err != nil {
		zlog.Logger.Warn().Int("worker", w.id).Str("message_id", d.MessageID()).Err(err).Msg("ack failed")
	}
}

func (w *Worker) nack(ctx context.Context, d queue.Delivery) {
	if err := w.queue.Nack(ctx, d); err != nil {
		zlog.Logger.Warn().Int("worker", w.id).Str("message_id", d.MessageID()).Err(err).Msg("nack failed")
	}
}
