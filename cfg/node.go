package cfg

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Node 是解码后的原始配置数据（map/slice/标量），实现了 ref.Convertable
// 嵌套的 ref.TypeOptions.Options 会以 Node 的形式保留，直到构造函数需要时再转换
type Node map[string]any

// ConvertTo 将配置数据转换为目标结构体，并设置默认值、执行校验
func (n Node) ConvertTo(object any) error {
	if err := Decode(map[string]any(n), object); err != nil {
		return err
	}
	if err := SetDefaults(object); err != nil {
		return err
	}
	return Validate(object)
}

// Decode 将 map 结构的数据按 cfg tag 写入 object
func Decode(data any, object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Errorf("object must be a non-nil pointer, got %T", object)
	}
	return convertValue(data, rv.Elem())
}

func fieldKey(field reflect.StructField) string {
	if tag := field.Tag.Get("cfg"); tag != "" {
		return strings.Split(tag, ",")[0]
	}
	return strings.ToLower(field.Name[:1]) + field.Name[1:]
}

func convertValue(src any, dst reflect.Value) error {
	if src == nil {
		return nil
	}

	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return convertValue(src, dst.Elem())
	}

	sv := reflect.ValueOf(src)

	// any 类型的字段保留原始数据，map 包装成 Node 以便延迟转换
	if dst.Kind() == reflect.Interface && dst.Type().NumMethod() == 0 {
		if m, ok := src.(map[string]any); ok {
			dst.Set(reflect.ValueOf(Node(m)))
			return nil
		}
		dst.Set(sv)
		return nil
	}

	if dst.Type() == reflect.TypeOf(time.Duration(0)) {
		switch v := src.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "invalid duration %q", v)
			}
			dst.SetInt(int64(d))
			return nil
		case int, int64, float64:
			dst.SetInt(reflect.ValueOf(v).Convert(reflect.TypeOf(int64(0))).Int())
			return nil
		}
	}

	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}

	switch dst.Kind() {
	case reflect.Struct:
		m, ok := toStringMap(src)
		if !ok {
			return errors.Errorf("cannot convert %T to %v", src, dst.Type())
		}
		for i := 0; i < dst.NumField(); i++ {
			field := dst.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			value, ok := lookup(m, fieldKey(field))
			if !ok {
				continue
			}
			if err := convertValue(value, dst.Field(i)); err != nil {
				return errors.WithMessagef(err, "field %s", field.Name)
			}
		}
		return nil
	case reflect.Map:
		m, ok := toStringMap(src)
		if !ok || dst.Type().Key().Kind() != reflect.String {
			return errors.Errorf("cannot convert %T to %v", src, dst.Type())
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMap(dst.Type()))
		}
		for k, v := range m {
			item := reflect.New(dst.Type().Elem()).Elem()
			if err := convertValue(v, item); err != nil {
				return errors.WithMessagef(err, "key %s", k)
			}
			dst.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), item)
		}
		return nil
	case reflect.Slice:
		if s, ok := src.(string); ok {
			src = strings.Split(s, ",")
			sv = reflect.ValueOf(src)
		}
		if sv.Kind() != reflect.Slice {
			return errors.Errorf("cannot convert %T to %v", src, dst.Type())
		}
		out := reflect.MakeSlice(dst.Type(), sv.Len(), sv.Len())
		for i := 0; i < sv.Len(); i++ {
			if err := convertValue(sv.Index(i).Interface(), out.Index(i)); err != nil {
				return errors.WithMessagef(err, "index %d", i)
			}
		}
		dst.Set(out)
		return nil
	}

	// 环境变量等来源的值都是字符串
	if s, ok := src.(string); ok {
		return setDefaultValue(dst, s)
	}

	if dst.Kind() == reflect.String {
		dst.SetString(fmt.Sprint(src))
		return nil
	}
	if sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return errors.Errorf("cannot convert %T to %v", src, dst.Type())
}

func toStringMap(src any) (map[string]any, bool) {
	switch v := src.(type) {
	case map[string]any:
		return v, true
	case Node:
		return v, true
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = val
		}
		return m, true
	}
	return nil, false
}

// lookup 大小写不敏感地查找 key，env 覆盖产生的 key 都是小写
func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
