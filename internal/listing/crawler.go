// Package listing walks Apache mod_autoindex directory trees over HTTP and
// yields the tracked leaf files with their server-reported modified times.
package listing

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/slide-ingest/internal/metrics"
)

// Defaults for the autoindex contract.
const (
	// DefaultQuery selects the fancy table listing with name, date and size columns.
	DefaultQuery     = "F=2"
	DefaultExtension = ".svs"
	DefaultTimeout   = 30 * time.Second
)

const (
	rowQuery  = "//table//tr"
	nameQuery = "td[2]/a"
	timeQuery = "td[3]"
)

// Config controls listing fetches.
type Config struct {
	UserAgent string
	// Query is appended to every directory URL to pick the listing mode.
	Query string
	// Extension marks leaf entries worth yielding.
	Extension string
	Timeout   time.Duration
	// MaxBodyBytes caps a single listing page; 0 means unlimited.
	MaxBodyBytes int
}

// Limiter paces outgoing listing requests.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// File is one tracked leaf discovered in a listing.
type File struct {
	URL     string    `json:"url"`
	ModTime time.Time `json:"modified_time"`
}

// Entry is one data row of a listing page, as the server rendered it.
type Entry struct {
	Name    string
	ModTime string
}

// IsDir reports whether the entry denotes a subdirectory.
func (e Entry) IsDir() bool {
	return strings.HasSuffix(e.Name, "/")
}

// FetchError reports a listing that could not be retrieved or understood.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("listing %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Crawler fetches and walks directory listings. Calls share no mutable state,
// so concurrent or repeated walks are independent.
type Crawler struct {
	cfg     Config
	base    *colly.Collector
	limiter Limiter
	logger  *zap.Logger
}

// New builds a Crawler. limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Crawler {
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.WithTransport(newHTTPTransport(cfg.Timeout))
	base.SetRequestTimeout(cfg.Timeout)

	return &Crawler{
		cfg:     cfg,
		base:    base,
		limiter: limiter,
		logger:  logger,
	}
}

// Walk lazily yields every tracked file below root, depth-first in server
// listing order. A directory is fetched only when the consumer advances into
// it. The first failure is yielded as a *FetchError and ends the sequence;
// files yielded before it remain valid.
func (c *Crawler) Walk(ctx context.Context, root string) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		c.walk(ctx, withSlash(root), yield)
	}
}

// walk returns false once the sequence must stop.
func (c *Crawler) walk(ctx context.Context, dir string, yield func(File, error) bool) bool {
	entries, err := c.List(ctx, dir)
	if err != nil {
		yield(File{}, err)
		return false
	}

	for _, entry := range entries {
		if !followable(entry.Name) {
			continue
		}
		switch {
		case entry.IsDir():
			if !c.walk(ctx, dir+entry.Name, yield) {
				return false
			}
		case strings.HasSuffix(entry.Name, c.cfg.Extension):
			fileURL := dir + entry.Name
			mtime, err := ParseModTime(entry.ModTime)
			if err != nil {
				yield(File{}, &FetchError{URL: fileURL, Err: err})
				return false
			}
			metrics.ObserveDiscovered(fileURL)
			if !yield(File{URL: fileURL, ModTime: mtime}, nil) {
				return false
			}
		}
	}
	return true
}

// Collect drains Walk into a slice.
func (c *Crawler) Collect(ctx context.Context, root string) ([]File, error) {
	var files []File
	for f, err := range c.Walk(ctx, root) {
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

// List fetches one directory page and returns its named rows in order.
// Header and footer rows without a name link are dropped.
func (c *Crawler) List(ctx context.Context, dir string) ([]Entry, error) {
	ctx, span := otel.Tracer("github.com/JakeFAU/slide-ingest/internal/listing").Start(ctx, "listing.List")
	defer span.End()
	span.SetAttributes(attribute.String("listing.url", dir))

	entries, err := c.list(ctx, dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("listing.entries", len(entries)))
	return entries, nil
}

func (c *Crawler) list(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{URL: dir, Err: err}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, dir); err != nil {
			return nil, &FetchError{URL: dir, Err: err}
		}
	}

	var (
		entries  []Entry
		fetchErr error
	)
	collector := c.base.Clone()
	collector.Context = ctx
	collector.OnXML(rowQuery, func(e *colly.XMLElement) {
		name := e.ChildText(nameQuery)
		if name == "" {
			return
		}
		entries = append(entries, Entry{Name: name, ModTime: e.ChildText(timeQuery)})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		fetchErr = err
	})

	pageURL := c.pageURL(dir)
	start := time.Now()
	err := runCollector(ctx, collector, pageURL, &fetchErr)
	if err != nil {
		metrics.ObserveListing(dir, "error", time.Since(start))
		c.logger.Debug("listing fetch failed", zap.String("url", pageURL), zap.Error(err))
		return nil, &FetchError{URL: dir, Err: err}
	}
	metrics.ObserveListing(dir, "ok", time.Since(start))
	c.logger.Debug("listing fetched",
		zap.String("url", pageURL),
		zap.Int("entries", len(entries)),
		zap.Duration("duration", time.Since(start)),
	)
	return entries, nil
}

func (c *Crawler) pageURL(dir string) string {
	if c.cfg.Query == "" {
		return dir
	}
	return dir + "?" + c.cfg.Query
}

func runCollector(ctx context.Context, collector *colly.Collector, pageURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("listing fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("listing response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("listing visit failed: %w", err)
		}
		return nil
	}
}

// followable rejects names that would leave the subtree being walked.
func followable(name string) bool {
	switch {
	case name == "", name == "./", name == "../":
		return false
	case strings.HasPrefix(name, "/"), strings.HasPrefix(name, "../"):
		return false
	case strings.Contains(name, "://"):
		return false
	}
	return true
}

func withSlash(dir string) string {
	if strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + "/"
}

func newHTTPTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
