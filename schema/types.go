package schema

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Family 后端类别，物理名按类别记录
type Family string

const (
	FamilySQL      Family = "sql"
	FamilyDocument Family = "document"
)

// Type 列的语义类型
type Type string

const (
	TypeString    Type = "string"
	TypeVarchar   Type = "varchar"
	TypeInteger   Type = "integer"
	TypeBigInt    Type = "bigint"
	TypeDecimal   Type = "decimal"
	TypeBoolean   Type = "boolean"
	TypeJSON      Type = "json"
	TypeBinary    Type = "binary"
	TypeDate      Type = "date"
	TypeTimestamp Type = "timestamp"
)

// Types 全部语义类型，顺序固定
var Types = []Type{
	TypeString, TypeVarchar, TypeInteger, TypeBigInt, TypeDecimal,
	TypeBoolean, TypeJSON, TypeBinary, TypeDate, TypeTimestamp,
}

func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// DefaultVarcharSize varchar 未指定长度时使用
const DefaultVarcharSize = 255

// Action 外键的 onUpdate/onDelete 行为
type Action string

const (
	ActionRestrict Action = "RESTRICT"
	ActionCascade  Action = "CASCADE"
	ActionSetNull  Action = "SET NULL"
)

// OrRestrict 空值视为 RESTRICT
func (a Action) OrRestrict() Action {
	if a == "" {
		return ActionRestrict
	}
	return a
}

// DefaultFunc 运行时生成默认值的函数，闭集
type DefaultFunc string

const (
	FuncUUID          DefaultFunc = "uuid"
	FuncNow           DefaultFunc = "now"
	FuncAutoIncrement DefaultFunc = "autoincrement"
)

var ErrNotGeneratable = errors.New("default is not generatable")

// Default 列默认值，Func 非空时表示运行时生成，否则为字面值 Value
type Default struct {
	Value any
	Func  DefaultFunc
}

func Value(v any) *Default {
	return &Default{Value: v}
}

func Func(fn DefaultFunc) *Default {
	return &Default{Func: fn}
}

func (d *Default) IsFunc() bool {
	return d != nil && d.Func != ""
}

// Equal nil 与 nil 相等；函数默认值按名称比较，字面值按值比较
func (d *Default) Equal(o *Default) bool {
	if d == nil || o == nil {
		return d == nil && o == nil
	}
	if d.IsFunc() || o.IsFunc() {
		return d.Func == o.Func
	}
	return literalEqual(d.Value, o.Value)
}

func literalEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// GenerateDefault 在插入时解析默认值，autoincrement 只能由后端生成
func GenerateDefault(d *Default) (any, error) {
	if d == nil {
		return nil, nil
	}
	switch d.Func {
	case "":
		return d.Value, nil
	case FuncUUID:
		return uuid.NewString(), nil
	case FuncNow:
		return time.Now().UTC(), nil
	}
	return nil, errors.Wrapf(ErrNotGeneratable, "default func %s", d.Func)
}
