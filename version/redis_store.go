package version

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStoreOptions struct {
	// host:port 地址。
	Endpoint string `cfg:"endpoint"`

	// 集群节点的 host:port 地址列表。
	Endpoints []string `cfg:"endpoints"`

	Username string `cfg:"username"`
	Password string `cfg:"password"`

	// 连接到服务器后选择的数据库。
	DB int `cfg:"db" def:"0"`

	// 版本记录的命名空间，键名为 <namespace>_schema_version
	Namespace string `cfg:"namespace" def:"schemax"`

	DialTimeout  time.Duration `cfg:"dialTimeout" def:"5s"`
	ReadTimeout  time.Duration `cfg:"readTimeout" def:"3s"`
	WriteTimeout time.Duration `cfg:"writeTimeout" def:"3s"`
}

// RedisStore 外部账本，版本写入不在目标库的事务中
type RedisStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisStoreWithOptions(options *RedisStoreOptions) (*RedisStore, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	var client redis.Cmdable
	if options.Endpoint != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         options.Endpoint,
			Username:     options.Username,
			Password:     options.Password,
			DB:           options.DB,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
		})
	} else if len(options.Endpoints) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        options.Endpoints,
			Username:     options.Username,
			Password:     options.Password,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
		})
	} else {
		return nil, errors.Errorf("Endpoint or Endpoints must be set")
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.WithMessage(err, "redis.client.Ping failed")
	}

	return NewRedisStore(client, options.Namespace), nil
}

func NewRedisStore(client redis.Cmdable, namespace string) *RedisStore {
	return &RedisStore{client: client, key: RecordName(namespace)}
}

func (s *RedisStore) Get(ctx context.Context) (string, bool, error) {
	buf, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis.Get failed")
	}
	record, err := decodeRecord(buf)
	if err != nil {
		return "", false, err
	}
	return record.Version, true, nil
}

func (s *RedisStore) Set(ctx context.Context, version string) error {
	buf, err := encodeRecord(version)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, buf, 0).Err(); err != nil {
		return errors.Wrap(err, "redis.Set failed")
	}
	return nil
}

func (s *RedisStore) Close() error {
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
