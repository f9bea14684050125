// Package document turns uploaded files into text and remembers the result per
// file identity.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Botify/internal/cache"
)

var (
	// ErrExtraction wraps every failure to read text out of an upload
	ErrExtraction = errors.New("failed to extract document text")
	// ErrTooLarge is returned for uploads over the configured size limit
	ErrTooLarge = errors.New("document too large")
)

// Extractor pulls the plain text out of a document's bytes
type Extractor interface {
	Extract(ctx context.Context, data []byte) (text string, pages int, err error)
}

// Document is the extracted text of one uploaded file
type Document struct {
	Key         string
	Name        string
	Text        string
	Pages       int
	ExtractedAt time.Time
}

// Store extracts each distinct file once and serves the cached text afterwards
type Store struct {
	extractor Extractor
	memo      *cache.Memo[*Document]
	maxBytes  int64
	logger    *slog.Logger
}

// NewStore creates a store caching up to cacheSize documents.
// maxBytes <= 0 disables the size check.
func NewStore(extractor Extractor, cacheSize int, maxBytes int64, logger *slog.Logger) (*Store, error) {
	memo, err := cache.NewMemo[*Document](cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		extractor: extractor,
		memo:      memo,
		maxBytes:  maxBytes,
		logger:    logger.With("component", "document"),
	}, nil
}

// Load returns the document for data, extracting it only if this file has not
// been seen (or has been evicted).
func (s *Store) Load(ctx context.Context, name string, data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrExtraction)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), s.maxBytes)
	}

	key := cache.Key(data)
	// concurrent uploads of the same file share this extraction, so it must not
	// end when the first uploader disconnects
	fillCtx := context.WithoutCancel(ctx)
	doc, hit, err := s.memo.Get(key, func() (*Document, error) {
		start := time.Now()
		text, pages, err := s.extractor.Extract(fillCtx, data)
		if err != nil {
			return nil, err
		}
		s.logger.Info("document extracted",
			"key", key[:16],
			"name", name,
			"pages", pages,
			"chars", len(text),
			"duration_ms", time.Since(start).Milliseconds())
		return &Document{
			Key:         key,
			Name:        name,
			Text:        text,
			Pages:       pages,
			ExtractedAt: time.Now(),
		}, nil
	})
	if err != nil {
		s.logger.Warn("document extraction failed", "name", name, "error", err)
		return nil, err
	}
	if hit {
		s.logger.Debug("document cache hit", "key", key[:16], "name", name)
	}
	return doc, nil
}

// Get returns a previously loaded document by key
func (s *Store) Get(key string) (*Document, bool) {
	e, ok := s.memo.Peek(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}
