package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketObjects = []byte("objects")

// record is what Bolt stores has for each key: the blob itself plus the
// metadata Stat/List need without re-reading the blob.
type record struct {
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Data      []byte    `json:"data"`
}

// Bolt is a Store backed by a single embedded bbolt database, objects
// stored whole in one bucket keyed by their object key. It is intended for
// local development and tests, not for production-scale payloads — the
// bbolt implementation here mirrors the worker's own state-bucket
// conventions rather than a blob service.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (creating if necessary) a Bolt store at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("objectstore: create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the underlying database handle.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func encodeRecord(r record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(r.ModTime.UTC().Format(time.RFC3339Nano))
	buf.WriteByte('\n')
	buf.Write(r.Data)
	return buf.Bytes(), nil
}

func decodeRecord(raw []byte) (record, error) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return record{}, fmt.Errorf("objectstore: corrupt record")
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw[:nl]))
	if err != nil {
		return record{}, fmt.Errorf("objectstore: corrupt record timestamp: %w", err)
	}
	data := raw[nl+1:]
	return record{SizeBytes: int64(len(data)), ModTime: ts, Data: data}, nil
}

// GetStream implements Store.
func (b *Bolt) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	var rec record
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketObjects).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		var err error
		rec, err = decodeRecord(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(rec.Data)), nil
}

// PutStream implements Store.
func (b *Bolt) PutStream(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("objectstore: read payload for %s: %w", key, err)
	}
	rec := record{SizeBytes: int64(len(data)), ModTime: time.Now(), Data: data}
	raw, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(key), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return rec.SizeBytes, nil
}

// List implements Store.
func (b *Bolt) List(ctx context.Context, prefix string) ([]Info, error) {
	var out []Info
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, Info{Key: string(k), SizeBytes: rec.SizeBytes, ModTime: rec.ModTime})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: list %s: %w", prefix, err)
	}
	return out, nil
}

// Stat implements Store.
func (b *Bolt) Stat(ctx context.Context, key string) (Info, error) {
	var info Info
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketObjects).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		info = Info{Key: key, SizeBytes: rec.SizeBytes, ModTime: rec.ModTime}
		return nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("objectstore: stat %s: %w", key, err)
	}
	if !found {
		return Info{}, ErrNotFound
	}
	return info, nil
}

// Delete implements Store.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// SignURL implements Store. Bolt has no notion of a signed URL.
func (b *Bolt) SignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", ErrSignNotSupported
}
