package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

const badgerKeyPrefix = "hms/session/"

// BadgerStorage persists credentials in an embedded Badger database.
type BadgerStorage struct {
	db  *badger.DB
	log *slog.Logger
}

// NewBadgerStorage opens (or creates) a Badger database in dir.
func NewBadgerStorage(dir string, log *slog.Logger) (*BadgerStorage, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: badger dir is required", ErrConfig)
	}
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{logger: log}).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	log.Info("storage.badger.open", "dir", dir)
	return &BadgerStorage{db: db, log: log}, nil
}

func (b *BadgerStorage) Put(_ context.Context, entries map[string][]byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for k, v := range entries {
			if err := txn.Set([]byte(badgerKeyPrefix+k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStorage) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(badgerKeyPrefix + k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStorage) Delete(_ context.Context, keys ...string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(badgerKeyPrefix + k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStorage) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("badger: close: %w", err)
	}
	return nil
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("storage.badger", "msg", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("storage.badger", "msg", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("storage.badger", "msg", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug("storage.badger", "msg", strings.TrimSpace(fmt.Sprintf(format, args...)))
}
