// Package ingest runs incremental syncs: it walks a listing root, delivers
// every slide newer than the root's watermark to a record sink, and commits
// the new watermark only when the whole run succeeded.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/slide-ingest/internal/barcode"
	"github.com/JakeFAU/slide-ingest/internal/listing"
	"github.com/JakeFAU/slide-ingest/internal/metrics"
	"github.com/JakeFAU/slide-ingest/internal/sink"
	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

const tracerName = "github.com/JakeFAU/slide-ingest/internal/ingest"

// Config controls Syncer behavior.
type Config struct {
	// Prefix is the organization prefix every barcode must carry.
	Prefix string
	// SkipMalformed counts unparsable filenames and moves on instead of
	// aborting the run. Skipped names are not revisited once the mark passes them.
	SkipMalformed bool
	// Topic receives one IngestEvent per delivered slide.
	Topic string
}

// Syncer drives runs. Runs are serialized: one Syncer is the single writer
// of its watermark store.
type Syncer struct {
	walker    Walker
	store     watermark.Store
	publisher Publisher
	clock     Clock
	ids       IDGenerator
	parser    barcode.Parser
	cfg       Config
	logger    *zap.Logger

	mu sync.Mutex
}

// New constructs a Syncer. publisher, clock and ids may be nil.
func New(
	walker Walker,
	store watermark.Store,
	publisher Publisher,
	clock Clock,
	ids IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		walker:    walker,
		store:     store,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		parser:    barcode.NewParser(cfg.Prefix),
		cfg:       cfg,
		logger:    logger.Named("ingest"),
	}
}

// Watermarks returns the stored marks for every root.
func (s *Syncer) Watermarks(ctx context.Context) (watermark.Marks, error) {
	marks, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	return marks, nil
}

// Sync runs one pass over root, delivering new slides to dst under parent.
// On failure the returned Result is Aborted, the error is a *SyncError, and
// the stored watermark is left as it was.
func (s *Syncer) Sync(ctx context.Context, root string, dst sink.RecordSink, parent sink.Parent) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{RunID: s.newRunID(), Root: root, StartedAt: s.now()}
	logger := s.logger.With(zap.String("run_id", res.RunID), zap.String("root", root))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "ingest.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("ingest.root", root),
		attribute.String("ingest.run_id", res.RunID),
	)

	logger.Info("sync started", zap.String("parent_type", parent.Type), zap.String("parent_id", parent.ID))
	err := s.run(ctx, root, dst, parent, &res, logger)
	res.FinishedAt = s.now()
	elapsed := res.FinishedAt.Sub(res.StartedAt)

	span.SetAttributes(
		attribute.Int("ingest.discovered", res.Discovered),
		attribute.Int("ingest.ingested", res.Ingested),
		attribute.Int("ingest.skipped", res.Skipped),
	)
	if err != nil {
		res.State = StateAborted
		res.Watermark = time.Time{}
		res.Error = err.Error()
		metrics.ObserveRun(string(StateAborted), elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("sync aborted",
			zap.Error(err),
			zap.Int("ingested", res.Ingested),
			zap.Duration("duration", elapsed),
		)
		return res, err
	}

	res.State = StateCommitted
	metrics.ObserveRun(string(StateCommitted), elapsed)
	metrics.SetWatermark(root, res.Watermark)
	logger.Info("sync committed",
		zap.Time("watermark", res.Watermark),
		zap.Int("discovered", res.Discovered),
		zap.Int("skipped", res.Skipped),
		zap.Int("ingested", res.Ingested),
		zap.Int("malformed", res.Malformed),
		zap.Duration("duration", elapsed),
	)
	return res, nil
}

func (s *Syncer) run(
	ctx context.Context,
	root string,
	dst sink.RecordSink,
	parent sink.Parent,
	res *Result,
	logger *zap.Logger,
) error {
	if dst == nil {
		return &SyncError{Root: root, Stage: StageDeliver, Err: errors.New("record sink is required")}
	}

	marks, err := s.store.Load(ctx)
	if err != nil {
		return &SyncError{Root: root, Stage: StageLoad, Err: err}
	}
	threshold, hasThreshold := marks[root]
	if hasThreshold {
		t := threshold
		res.Threshold = &t
		logger.Info("limiting to files newer than threshold", zap.Time("threshold", threshold))
	}

	// Zero time stands in for "no threshold"; any real mtime is after it.
	maxSeen := threshold
	for file, err := range s.walker.Walk(ctx, root) {
		if err != nil {
			return &SyncError{Root: root, Stage: StageCrawl, Err: err}
		}
		res.Discovered++
		if file.ModTime.After(maxSeen) {
			maxSeen = file.ModTime
		}

		if hasThreshold && !file.ModTime.After(threshold) {
			res.Skipped++
			metrics.ObserveFile(metrics.FileSkipped)
			logger.Debug("skipping file not newer than threshold",
				zap.String("url", file.URL),
				zap.Time("modified", file.ModTime),
			)
			continue
		}

		id, err := s.parser.ParseURL(file.URL)
		if err != nil {
			metrics.ObserveFile(metrics.FileMalformed)
			if s.cfg.SkipMalformed {
				res.Malformed++
				logger.Warn("skipping malformed filename", zap.String("url", file.URL), zap.Error(err))
				continue
			}
			return &SyncError{Root: root, Stage: StageParse, Err: err}
		}

		if err := s.deliver(ctx, dst, parent, file, id, res, logger); err != nil {
			metrics.ObserveFile(metrics.FileFailed)
			return &SyncError{Root: root, Stage: StageDeliver, Err: err}
		}
		res.Ingested++
		metrics.ObserveFile(metrics.FileIngested)
	}

	marks.Advance(root, maxSeen)
	if err := s.store.Save(ctx, marks); err != nil {
		return &SyncError{Root: root, Stage: StageCommit, Err: err}
	}
	res.Watermark = marks[root]
	return nil
}

func (s *Syncer) deliver(
	ctx context.Context,
	dst sink.RecordSink,
	parent sink.Parent,
	file listing.File,
	id barcode.Identity,
	res *Result,
	logger *zap.Logger,
) error {
	containerID, err := dst.LoadOrCreateContainer(ctx, id.GroupKey, parent)
	if err != nil {
		return fmt.Errorf("load or create container %q: %w", id.GroupKey, err)
	}
	recordID, err := dst.LoadOrCreateRecord(ctx, id.ItemKey, containerID)
	if err != nil {
		return fmt.Errorf("load or create record %q: %w", id.ItemKey, err)
	}
	meta := id.Metadata(file.URL)
	if err := dst.AttachMetadata(ctx, recordID, meta); err != nil {
		return fmt.Errorf("attach metadata to %q: %w", recordID, err)
	}
	logger.Debug("slide delivered",
		zap.String("url", file.URL),
		zap.String("container", id.GroupKey),
		zap.String("record", id.ItemKey),
	)

	if s.publisher == nil {
		return nil
	}
	event := IngestEvent{
		RunID:       res.RunID,
		Root:        res.Root,
		URL:         file.URL,
		ModTime:     file.ModTime,
		Barcode:     id.Barcode,
		SlideType:   id.SlideType,
		GroupKey:    id.GroupKey,
		ItemKey:     id.ItemKey,
		ContainerID: containerID,
		RecordID:    recordID,
		Metadata:    meta,
		IngestedAt:  s.now(),
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		logger.Warn("failed to publish ingest event", zap.String("url", file.URL), zap.Error(err))
	}
	return nil
}

func (s *Syncer) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func (s *Syncer) newRunID() string {
	if s.ids == nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("failed to generate run id", zap.Error(err))
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return id
}
