package version

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type BoltStoreOptions struct {
	// DBPath 数据库文件路径，不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`

	// Timeout 获取文件锁的等待时间，零表示无限等待
	Timeout time.Duration `cfg:"timeout" def:"1s"`

	BucketName string `cfg:"bucketName" def:"schemax"`

	Namespace string `cfg:"namespace" def:"schemax"`
}

// BoltStore 本地文件账本，适合没有可写目标库的场景
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	key    []byte
}

func NewBoltStoreWithOptions(options *BoltStoreOptions) (*BoltStore, error) {
	if options == nil || options.DBPath == "" {
		return nil, errors.New("dbPath is required")
	}

	directory := filepath.Dir(options.DBPath)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.Wrapf(err, "os.MkdirAll failed. directory: %s", directory)
	}

	db, err := bolt.Open(options.DBPath, 0600, &bolt.Options{Timeout: options.Timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt.Open failed. dbPath: %s", options.DBPath)
	}

	bucketName := options.BucketName
	if bucketName == "" {
		bucketName = DefaultNamespace
	}
	store := &BoltStore{
		db:     db,
		bucket: []byte(bucketName),
		key:    []byte(RecordName(options.Namespace)),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(store.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket failed")
	}
	return store, nil
}

func (s *BoltStore) Get(ctx context.Context) (string, bool, error) {
	var buf []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return errors.New("bucket not found")
		}
		if v := bucket.Get(s.key); v != nil {
			buf = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if buf == nil {
		return "", false, nil
	}
	record, err := decodeRecord(buf)
	if err != nil {
		return "", false, err
	}
	return record.Version, true, nil
}

func (s *BoltStore) Set(ctx context.Context, version string) error {
	buf, err := encodeRecord(version)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return errors.New("bucket not found")
		}
		return bucket.Put(s.key, buf)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
