package executor

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hatlonely/schemax/schema"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrCoerce 值无法转换为目标类型
var ErrCoerce = errors.New("cannot coerce value")

// Coerce 文档库修改列类型时逐个文档转换字段值，nil 保持为 nil
//
// 整数：integer 为 int32，bigint 为 int64，浮点数向零截断
// 二进制：int64/float64 为 8 字节大端，bool 为 1 字节，字符串为 UTF-8
// 时间：字符串按 RFC3339 或 2006-01-02 解析，整数视为 unix 毫秒
func Coerce(v any, target schema.Type) (any, error) {
	v = normalize(v)
	if v == nil {
		return nil, nil
	}
	var out any
	var err error
	switch target {
	case schema.TypeString, schema.TypeVarchar:
		out, err = toString(v)
	case schema.TypeInteger:
		var n int64
		if n, err = toInt(v); err == nil {
			if n > math.MaxInt32 || n < math.MinInt32 {
				err = errors.Errorf("%d overflows integer", n)
			}
			out = int32(n)
		}
	case schema.TypeBigInt:
		out, err = toInt(v)
	case schema.TypeDecimal:
		out, err = toFloat(v)
	case schema.TypeBoolean:
		out, err = toBool(v)
	case schema.TypeJSON:
		out, err = toJSON(v)
	case schema.TypeBinary:
		out, err = toBinary(v)
	case schema.TypeDate:
		var t time.Time
		if t, err = toTime(v); err == nil {
			out = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	case schema.TypeTimestamp:
		out, err = toTime(v)
	default:
		return nil, errors.Wrapf(ErrCoerce, "unknown type %s", target)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCoerce, "%T to %s: %v", v, target, err)
	}
	return out, nil
}

// normalize 把驱动类型转换为普通 Go 类型
func normalize(v any) any {
	switch val := v.(type) {
	case primitive.Null, primitive.Undefined:
		return nil
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Binary:
		return val.Data
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return val.String()
		}
		return f
	case primitive.ObjectID:
		return val.Hex()
	case primitive.M:
		return map[string]any(val)
	case primitive.D:
		return map[string]any(val.Map())
	case primitive.A:
		return []any(val)
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	}
	return v
}

func toString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return string(val), nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func toInt(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case uint64:
		if val > math.MaxInt64 {
			return 0, errors.Errorf("%d overflows bigint", val)
		}
		return int64(val), nil
	case uint:
		return toInt(uint64(val))
	case float64:
		// float64(math.MaxInt64) 等于 2^63，已经越界
		if math.IsNaN(val) || math.IsInf(val, 0) || val >= math.MaxInt64 || val < math.MinInt64 {
			return 0, errors.Errorf("%v out of range", val)
		}
		return int64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(val)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errors.Errorf("%q is not a number", val)
		}
		return toInt(f)
	case time.Time:
		return val.UnixMilli(), nil
	case []byte:
		if len(val) != 8 {
			return 0, errors.Errorf("expect 8 bytes, got %d", len(val))
		}
		return int64(binary.BigEndian.Uint64(val)), nil
	}
	return 0, errors.Errorf("unsupported source %T", v)
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int64:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, errors.Errorf("%q is not a number", val)
		}
		return f, nil
	case time.Time:
		return float64(val.UnixMilli()), nil
	case []byte:
		if len(val) != 8 {
			return 0, errors.Errorf("expect 8 bytes, got %d", len(val))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(val)), nil
	}
	return 0, errors.Errorf("unsupported source %T", v)
}

func toBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int64:
		return val != 0, nil
	case uint64:
		return val != 0, nil
	case uint:
		return val != 0, nil
	case float64:
		return val != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, errors.Errorf("%q is not a boolean", val)
		}
		return b, nil
	case []byte:
		if len(val) != 1 {
			return false, errors.Errorf("expect 1 byte, got %d", len(val))
		}
		return val[0] != 0, nil
	}
	return false, errors.Errorf("unsupported source %T", v)
}

// toJSON 字符串按 JSON 解析，失败时保留为 JSON 字符串；其他值原样保留
func toJSON(v any) (any, error) {
	switch val := v.(type) {
	case string:
		var out any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return val, nil
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return nil, errors.Errorf("binary is not valid json")
		}
		return out, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	}
	return v, nil
}

func toBinary(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case bool:
		if val {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case int64:
		return binary.BigEndian.AppendUint64(nil, uint64(val)), nil
	case uint64:
		return binary.BigEndian.AppendUint64(nil, val), nil
	case uint:
		return binary.BigEndian.AppendUint64(nil, uint64(val)), nil
	case float64:
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(val)), nil
	case time.Time:
		return binary.BigEndian.AppendUint64(nil, uint64(val.UnixMilli())), nil
	}
	kind := reflect.ValueOf(v).Kind()
	if kind == reflect.Map || kind == reflect.Slice {
		return json.Marshal(v)
	}
	return nil, errors.Errorf("unsupported source %T", v)
}

func toTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case int64:
		return time.UnixMilli(val).UTC(), nil
	case uint64:
		return time.UnixMilli(int64(val)).UTC(), nil
	case float64:
		return time.UnixMilli(int64(val)).UTC(), nil
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, errors.Errorf("%q is not a time", val)
	case []byte:
		if len(val) != 8 {
			return time.Time{}, errors.Errorf("expect 8 bytes, got %d", len(val))
		}
		return time.UnixMilli(int64(binary.BigEndian.Uint64(val))).UTC(), nil
	}
	return time.Time{}, errors.Errorf("unsupported source %T", v)
}
