package version

import (
	"context"
	"time"

	"github.com/hatlonely/schemax/ref"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultNamespace 未指定命名空间时使用
const DefaultNamespace = "schemax"

// Store 当前版本记录，每个命名空间一条
type Store interface {
	// Get 记录不存在时返回 false
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, version string) error
}

// RecordSuffix 版本记录名的后缀
const RecordSuffix = "_schema_version"

// RecordName 版本记录所在的表/集合/键名
func RecordName(namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + RecordSuffix
}

// Record 外部账本中保存的记录
type Record struct {
	Version   string    `msgpack:"version"`
	UpdatedAt time.Time `msgpack:"updatedAt"`
}

func encodeRecord(version string) ([]byte, error) {
	buf, err := msgpack.Marshal(&Record{Version: version, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return nil, errors.Wrap(err, "msgpack.Marshal failed")
	}
	return buf, nil
}

func decodeRecord(buf []byte) (*Record, error) {
	var record Record
	if err := msgpack.Unmarshal(buf, &record); err != nil {
		return nil, errors.Wrap(err, "msgpack.Unmarshal failed")
	}
	return &record, nil
}

func init() {
	ref.MustRegisterT[*MemoryStore](NewMemoryStoreWithOptions)
	ref.MustRegisterT[*RedisStore](NewRedisStoreWithOptions)
	ref.MustRegisterT[*BoltStore](NewBoltStoreWithOptions)
}

func NewStoreWithOptions(options *ref.TypeOptions) (Store, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	namespace := options.Namespace
	if namespace == "" {
		namespace = "github.com/hatlonely/schemax/version"
	}
	store, err := ref.New(namespace, options.Type, options.Options)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.New failed")
	}
	s, ok := store.(Store)
	if !ok {
		return nil, errors.Errorf("%T is not a Store", store)
	}
	return s, nil
}
