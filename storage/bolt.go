package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/secure-values/interfaces"
	bolt "go.etcd.io/bbolt"
)

var bucketPreviews = []byte("previews")

// BoltBackend stores parts and manifests in a local bbolt database, one
// bucket per content type. The database file is created with 0600 permissions.
type BoltBackend struct {
	db          *bolt.DB
	path        string
	log         *slog.Logger
	locationURI string
}

// NewBoltBackend opens or creates the bbolt database at path.
func NewBoltBackend(path string, log *slog.Logger) (*BoltBackend, error) {
	db, err := openBolt(path, []byte(interfaces.FilePartType.String()), []byte(interfaces.ManifestType.String()))
	if err != nil {
		return nil, err
	}

	return &BoltBackend{
		db:          db,
		path:        path,
		log:         log,
		locationURI: fmt.Sprintf("bolt://%s", path),
	}, nil
}

func (b *BoltBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(contentType.String()))
		if bucket == nil {
			return fmt.Errorf("unsupported content type: %v", contentType)
		}
		v := bucket.Get(id[:])
		if v == nil {
			return interfaces.ErrContentNotFound
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return verify(b.Name(), id, data)
}

func (b *BoltBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(contentType.String()))
		if bucket == nil {
			return fmt.Errorf("unsupported content type: %v", contentType)
		}
		return bucket.Put(id[:], data)
	})
	if err != nil {
		return id, fmt.Errorf("failed to store content in bolt: %w", err)
	}

	b.log.Debug("Stored content in bolt", contentAttrs(id, contentType), slog.Int("size", len(data)))
	return id, nil
}

func (b *BoltBackend) Available(ctx context.Context) bool {
	return b.db.Path() != ""
}

func (b *BoltBackend) Name() string {
	return fmt.Sprintf("bolt-%s", b.path)
}

func (b *BoltBackend) LocationURI() string {
	return b.locationURI
}

// Close releases the database file lock.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// BoltPreviewCache implements interfaces.PreviewCache on a local bbolt file.
// It holds decrypted previews, so the file must stay on the user's machine.
type BoltPreviewCache struct {
	db  *bolt.DB
	log *slog.Logger
}

// NewBoltPreviewCache opens or creates the preview database at path.
func NewBoltPreviewCache(path string, log *slog.Logger) (*BoltPreviewCache, error) {
	db, err := openBolt(path, bucketPreviews)
	if err != nil {
		return nil, err
	}
	return &BoltPreviewCache{db: db, log: log}, nil
}

// LoadPreview returns ErrContentNotFound on a miss.
func (c *BoltPreviewCache) LoadPreview(ctx context.Context, key interfaces.FileKey) ([]byte, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPreviews).Get([]byte(key.String()))
		if v == nil {
			return interfaces.ErrContentNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// StorePreview overwrites any earlier preview of key.
func (c *BoltPreviewCache) StorePreview(ctx context.Context, key interfaces.FileKey, data []byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPreviews).Put([]byte(key.String()), data)
	})
	if err != nil {
		c.log.Warn("Failed to cache preview", slog.String("key", key.String()), "err", err)
		return fmt.Errorf("failed to store preview: %w", err)
	}
	return nil
}

func (c *BoltPreviewCache) Close() error {
	return c.db.Close()
}

func openBolt(path string, buckets ...[]byte) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, bErr := tx.CreateBucketIfNotExists(name); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", name, bErr)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return db, nil
}
