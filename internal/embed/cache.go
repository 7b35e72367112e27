package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/been-there-done-that/coderev/internal/metrics"
	"github.com/been-there-done-that/coderev/internal/store"
)

// Cache memoizes a provider in badger, keyed by sha256(model + text), so a
// re-indexed file whose symbols did not change costs no requests.
type Cache struct {
	db       *badger.DB
	provider Provider
	logger   *slog.Logger
}

// OpenCache opens the cache at dir, or in memory when dir is empty.
func OpenCache(dir string, p Provider, logger *slog.Logger) (*Cache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger}).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return &Cache{db: db, provider: p, logger: logger}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Model() string { return c.provider.Model() }

func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.provider.Model(), text)

	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := store.DecodeVector(val)
			vec = v
			return err
		})
	})
	switch {
	case err == nil:
		metrics.EmbeddingRequests.WithLabelValues("cached").Inc()
		return vec, nil
	case !errors.Is(err, badger.ErrKeyNotFound):
		c.logger.Warn("embedding cache read failed", "error", err)
	}

	vec, err = c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, store.EncodeVector(vec))
	}); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
	return vec, nil
}

func cacheKey(model, text string) []byte {
	sum := sha256.Sum256([]byte(model + text))
	return []byte("emb:" + hex.EncodeToString(sum[:]))
}

// badgerLogger routes badger's logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
