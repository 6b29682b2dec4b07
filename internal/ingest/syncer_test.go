package ingest

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slide-ingest/internal/barcode"
	"github.com/JakeFAU/slide-ingest/internal/listing"
	pubmemory "github.com/JakeFAU/slide-ingest/internal/publisher/memory"
	"github.com/JakeFAU/slide-ingest/internal/sink"
	sinkmemory "github.com/JakeFAU/slide-ingest/internal/sink/memory"
	"github.com/JakeFAU/slide-ingest/internal/watermark"
	wmmemory "github.com/JakeFAU/slide-ingest/internal/watermark/memory"
)

const root = "https://example.org/tcga/"

var (
	parent = sink.Parent{ID: "coll1", Type: "collection"}
	t0     = time.Date(2016, 1, 12, 14, 33, 0, 0, time.UTC)
)

// fakeWalker replays a fixed listing and can fail after a number of files.
type fakeWalker struct {
	files   []listing.File
	failAt  int
	failErr error
	walks   int
}

func (w *fakeWalker) Walk(_ context.Context, _ string) iter.Seq2[listing.File, error] {
	w.walks++
	return func(yield func(listing.File, error) bool) {
		for i, f := range w.files {
			if w.failErr != nil && i == w.failAt {
				yield(listing.File{}, w.failErr)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
		if w.failErr != nil && w.failAt >= len(w.files) {
			yield(listing.File{}, w.failErr)
		}
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return "run-" + string(rune('0'+g.n)), nil
}

func slide(name string, mtime time.Time) listing.File {
	return listing.File{URL: root + name, ModTime: mtime}
}

func fiveSlides() []listing.File {
	return []listing.File{
		slide("TCGA-02-0001-01Z-00-DX1.aaa.svs", t0),
		slide("TCGA-02-0001-01Z-00-TS1.bbb.svs", t0.Add(time.Hour)),
		slide("TCGA-02-0002-01Z-00-DX1.ccc.svs", t0.Add(2*time.Hour)),
		slide("TCGA-06-0003-01Z-00-DX2.ddd.svs", t0.Add(3*time.Hour)),
		slide("TCGA-06-0004-01Z-00-BS1.eee.svs", t0.Add(4*time.Hour)),
	}
}

type harness struct {
	walker *fakeWalker
	store  *wmmemory.Store
	pub    *pubmemory.Publisher
	sink   *sinkmemory.Sink
	syncer *Syncer
}

func newHarness(files []listing.File, cfg Config) *harness {
	h := &harness{
		walker: &fakeWalker{files: files},
		store:  wmmemory.New(),
		pub:    pubmemory.New(),
		sink:   sinkmemory.New(),
	}
	cfg.Topic = "slides"
	h.syncer = New(h.walker, h.store, h.pub, fixedClock{t: t0}, &seqIDs{}, cfg, nil)
	return h
}

func (h *harness) mark(t *testing.T) (time.Time, bool) {
	t.Helper()
	marks, err := h.store.Load(context.Background())
	require.NoError(t, err)
	m, ok := marks[root]
	return m, ok
}

func TestFirstRunIngestsEverythingAndCommitsMax(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	res, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)

	assert.Equal(t, StateCommitted, res.State)
	assert.Nil(t, res.Threshold)
	assert.Equal(t, 5, res.Discovered)
	assert.Equal(t, 5, res.Ingested)
	assert.Equal(t, 0, res.Skipped)
	assert.True(t, t0.Add(4*time.Hour).Equal(res.Watermark))
	assert.Equal(t, "run-1", res.RunID)

	mark, ok := h.mark(t)
	require.True(t, ok)
	assert.True(t, t0.Add(4*time.Hour).Equal(mark))

	assert.Equal(t, []string{
		"collection/coll1/02-0001",
		"collection/coll1/02-0002",
		"collection/coll1/06-0003",
		"collection/coll1/06-0004",
	}, h.sink.ContainerNames())
	assert.Equal(t, 5, h.sink.RecordCount())

	rid, ok := h.sink.Find(parent, "02-0001", "bbb")
	require.True(t, ok)
	meta := h.sink.Metadata(rid)
	assert.Equal(t, "Frozen", meta["SlideType"])
	assert.Equal(t, root+"TCGA-02-0001-01Z-00-TS1.bbb.svs", meta["OriginalUrl"])
	assert.Equal(t, "TCGA-02-0001-01Z-00-TS1", meta["FullBarcode"])
}

func TestSecondRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	ctx := context.Background()
	first, err := h.syncer.Sync(ctx, root, h.sink, parent)
	require.NoError(t, err)
	callsAfterFirst := h.sink.Calls()

	second, err := h.syncer.Sync(ctx, root, h.sink, parent)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, second.State)
	assert.Equal(t, 0, second.Ingested)
	assert.Equal(t, 5, second.Skipped)
	require.NotNil(t, second.Threshold)
	assert.True(t, first.Watermark.Equal(*second.Threshold))
	assert.True(t, first.Watermark.Equal(second.Watermark))
	assert.Equal(t, callsAfterFirst, h.sink.Calls(), "no sink calls for already-synced files")
}

func TestWatermarkNeverRegresses(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	ctx := context.Background()
	_, err := h.syncer.Sync(ctx, root, h.sink, parent)
	require.NoError(t, err)

	// The server now reports only older files.
	h.walker.files = []listing.File{slide("TCGA-02-0001-01Z-00-DX1.aaa.svs", t0.Add(-48*time.Hour))}
	res, err := h.syncer.Sync(ctx, root, h.sink, parent)
	require.NoError(t, err)
	assert.True(t, t0.Add(4*time.Hour).Equal(res.Watermark))

	mark, _ := h.mark(t)
	assert.True(t, t0.Add(4*time.Hour).Equal(mark))
}

func TestFileAtThresholdIsSkippedNewerIsIngested(t *testing.T) {
	t.Parallel()

	h := newHarness([]listing.File{
		slide("TCGA-02-0001-01Z-00-DX1.same.svs", t0),
		slide("TCGA-02-0001-01Z-00-DX2.newer.svs", t0.Add(time.Minute)),
	}, Config{})
	require.NoError(t, h.store.Save(context.Background(), watermark.Marks{root: t0}))

	res, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Ingested)
	_, ok := h.sink.Find(parent, "02-0001", "newer")
	assert.True(t, ok)
	_, ok = h.sink.Find(parent, "02-0001", "same")
	assert.False(t, ok)
}

func TestParseFailureAbortsAndPreservesWatermark(t *testing.T) {
	t.Parallel()

	files := fiveSlides()
	files[2] = slide("TCGA-02-0002-bad.svs", t0.Add(2*time.Hour))
	h := newHarness(files, Config{})
	before := t0.Add(-time.Hour)
	require.NoError(t, h.store.Save(context.Background(), watermark.Marks{root: before}))
	savesBefore := h.store.Saves()

	res, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 2, res.Ingested, "files before the failure were delivered")

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, StageParse, syncErr.Stage)
	assert.Equal(t, root, syncErr.Root)
	var parseErr *barcode.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "TCGA-02-0002-bad.svs", parseErr.Basename)

	assert.Equal(t, savesBefore, h.store.Saves())
	mark, _ := h.mark(t)
	assert.True(t, before.Equal(mark))

	// The rerun re-delivers the first two; the sink absorbs the duplicates.
	h.walker.files = fiveSlides()
	res, err = h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Ingested)
	assert.Equal(t, 5, h.sink.RecordCount())
}

func TestSkipMalformedContinues(t *testing.T) {
	t.Parallel()

	files := fiveSlides()
	files[1] = slide("README.svs", t0.Add(time.Hour))
	h := newHarness(files, Config{SkipMalformed: true})

	res, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 4, res.Ingested)
	assert.True(t, t0.Add(4*time.Hour).Equal(res.Watermark))
}

func TestWrongPrefixAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{Prefix: "ORG"})
	_, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.ErrorIs(t, err, barcode.ErrUnexpectedPrefix)
	_, ok := h.mark(t)
	assert.False(t, ok)
}

func TestCrawlFailureAbortsAfterEarlierDeliveries(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	fetchErr := &listing.FetchError{URL: root + "sub/", Err: errors.New("503")}
	h.walker.failAt, h.walker.failErr = 3, fetchErr

	res, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 3, res.Ingested)

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, StageCrawl, syncErr.Stage)
	var ferr *listing.FetchError
	require.True(t, errors.As(err, &ferr))
	_, ok := h.mark(t)
	assert.False(t, ok, "no mark may be written by an aborted run")
}

func TestCommitFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	h.store.FailSaves(errors.New("read-only filesystem"))

	res, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 5, res.Ingested)
	assert.True(t, res.Watermark.IsZero())

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, StageCommit, syncErr.Stage)
	var ioErr *watermark.IOError
	assert.True(t, errors.As(err, &ioErr))
}

func TestEmptyListingCommitsZeroMark(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, Config{})
	res, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.True(t, res.Watermark.IsZero())

	mark, ok := h.mark(t)
	require.True(t, ok)
	assert.True(t, mark.IsZero())

	// A zero mark means every real file is newer.
	h.walker.files = fiveSlides()[:1]
	res, err = h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ingested)
}

func TestMarksForOtherRootsAreKept(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	other := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.Save(context.Background(), watermark.Marks{"https://other/": other}))

	_, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)

	marks, err := h.syncer.Watermarks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.org/tcga/", "https://other/"}, marks.Roots())
	assert.True(t, other.Equal(marks["https://other/"]))
}

func TestEventsArePublishedAndFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides()[:2], Config{})
	_, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	require.NoError(t, err)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "slides", msgs[0].Topic)
	event, ok := msgs[0].Payload.(IngestEvent)
	require.True(t, ok)
	assert.Equal(t, root, event.Root)
	assert.Equal(t, "02-0001", event.GroupKey)
	assert.Equal(t, "aaa", event.ItemKey)
	assert.Equal(t, "Diagnostic", event.SlideType)
	assert.NotEmpty(t, event.RecordID)

	h2 := newHarness(fiveSlides(), Config{})
	h2.pub.FailWith(errors.New("topic not found"))
	res, err := h2.syncer.Sync(context.Background(), root, h2.sink, parent)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Ingested)
}

// mockSink lets a test fail any single sink call.
type mockSink struct {
	mock.Mock
}

func (m *mockSink) LoadOrCreateContainer(ctx context.Context, name string, p sink.Parent) (string, error) {
	args := m.Called(ctx, name, p)
	return args.String(0), args.Error(1)
}

func (m *mockSink) LoadOrCreateRecord(ctx context.Context, name, containerID string) (string, error) {
	args := m.Called(ctx, name, containerID)
	return args.String(0), args.Error(1)
}

func (m *mockSink) AttachMetadata(ctx context.Context, recordID string, metadata map[string]string) error {
	args := m.Called(ctx, recordID, metadata)
	return args.Error(0)
}

func TestSinkFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides()[:2], Config{})
	dst := &mockSink{}
	dst.On("LoadOrCreateContainer", mock.Anything, "02-0001", parent).Return("folder-1", nil)
	dst.On("LoadOrCreateRecord", mock.Anything, "aaa", "folder-1").Return("item-a", nil)
	dst.On("AttachMetadata", mock.Anything, "item-a", mock.AnythingOfType("map[string]string")).Return(nil)
	dst.On("LoadOrCreateRecord", mock.Anything, "bbb", "folder-1").Return("", errors.New("girder 500"))

	res, err := h.syncer.Sync(context.Background(), root, dst, parent)
	require.Error(t, err)
	assert.Equal(t, 1, res.Ingested)

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, StageDeliver, syncErr.Stage)
	assert.Contains(t, err.Error(), "girder 500")
	dst.AssertExpectations(t)
	dst.AssertNotCalled(t, "AttachMetadata", mock.Anything, "", mock.Anything)

	_, ok := h.mark(t)
	assert.False(t, ok)
}

func TestNilSinkIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	_, err := h.syncer.Sync(context.Background(), root, nil, parent)
	require.Error(t, err)
	assert.Equal(t, 0, h.walker.walks)
}

func TestLoadFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(fiveSlides(), Config{})
	h.syncer.store = failingStore{}
	_, err := h.syncer.Sync(context.Background(), root, h.sink, parent)
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, StageLoad, syncErr.Stage)
	assert.Equal(t, 0, h.walker.walks)
}

type failingStore struct{}

func (failingStore) Load(context.Context) (watermark.Marks, error) {
	return nil, &watermark.IOError{Op: "load", Err: errors.New("permission denied")}
}

func (failingStore) Save(context.Context, watermark.Marks) error {
	return &watermark.IOError{Op: "save", Err: errors.New("permission denied")}
}
