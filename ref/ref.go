package ref

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Convertable 可以自我转换为构造函数参数类型的配置数据
// cfg.Node 实现了该接口，从配置文件读出的 options 会在调用构造函数前被转换
type Convertable interface {
	ConvertTo(object any) error
}

// TypeOptions 描述如何通过注册表构造一个对象
type TypeOptions struct {
	Namespace string `cfg:"namespace"`
	Type      string `cfg:"type" validate:"required"`
	Options   any    `cfg:"options"`
}

type constructor struct {
	fn           reflect.Value
	hasOptions   bool
	returnsError bool
}

func newConstructor(fn any) (*constructor, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, errors.Errorf("constructor must be a function, got %T", fn)
	}

	ft := fv.Type()
	if ft.NumIn() > 1 {
		return nil, errors.Errorf("constructor must have 0 or 1 input parameters, got %d", ft.NumIn())
	}
	if ft.NumOut() != 1 && ft.NumOut() != 2 {
		return nil, errors.Errorf("constructor must have 1 or 2 return values, got %d", ft.NumOut())
	}
	if ft.NumOut() == 2 && !ft.Out(1).Implements(errorType) {
		return nil, errors.New("second return value must be error")
	}

	return &constructor{
		fn:           fv,
		hasOptions:   ft.NumIn() == 1,
		returnsError: ft.NumOut() == 2,
	}, nil
}

func (c *constructor) new(options any) (any, error) {
	var args []reflect.Value
	if c.hasOptions {
		arg, err := c.convert(options)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	results := c.fn.Call(args)
	if c.returnsError && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// convert 把 options 转换为构造函数需要的参数类型
func (c *constructor) convert(options any) (reflect.Value, error) {
	paramType := c.fn.Type().In(0)

	if options == nil {
		// 指针参数允许传 nil，由构造函数自行处理默认值
		if paramType.Kind() == reflect.Ptr {
			return reflect.Zero(paramType), nil
		}
		return reflect.Value{}, errors.Errorf("constructor requires options of type %v", paramType)
	}

	if convertable, ok := options.(Convertable); ok {
		target := paramType
		if paramType.Kind() == reflect.Ptr {
			target = paramType.Elem()
		}
		value := reflect.New(target)
		if err := convertable.ConvertTo(value.Interface()); err != nil {
			return reflect.Value{}, errors.WithMessagef(err, "convert options to %v failed", paramType)
		}
		if paramType.Kind() == reflect.Ptr {
			return value, nil
		}
		return value.Elem(), nil
	}

	ov := reflect.ValueOf(options)
	if ov.Type().AssignableTo(paramType) {
		return ov, nil
	}
	if ov.Kind() == reflect.Ptr && ov.Elem().Type().AssignableTo(paramType) {
		return ov.Elem(), nil
	}
	if paramType.Kind() == reflect.Ptr && ov.Type().AssignableTo(paramType.Elem()) {
		ptr := reflect.New(paramType.Elem())
		ptr.Elem().Set(ov)
		return ptr, nil
	}
	return reflect.Value{}, errors.Errorf("options type %T is not assignable to %v", options, paramType)
}

var registry sync.Map

func key(namespace, type_ string) string {
	return namespace + ":" + type_
}

// Register 注册构造函数，同一个 key 重复注册同一个函数是允许的
func Register(namespace string, type_ string, fn any) error {
	c, err := newConstructor(fn)
	if err != nil {
		return errors.WithMessagef(err, "register %s:%s failed", namespace, type_)
	}

	if existing, ok := registry.Load(key(namespace, type_)); ok {
		if existing.(*constructor).fn.Pointer() == c.fn.Pointer() {
			return nil
		}
		return errors.Errorf("constructor for %s:%s already registered with different function", namespace, type_)
	}

	registry.Store(key(namespace, type_), c)
	return nil
}

// RegisterT 以 T 的包路径和类型名作为 namespace 和 type 注册
func RegisterT[T any](fn any) error {
	namespace, type_, err := typeKey[T]()
	if err != nil {
		return err
	}
	return Register(namespace, type_, fn)
}

func MustRegister(namespace string, type_ string, fn any) {
	if err := Register(namespace, type_, fn); err != nil {
		panic(err)
	}
}

func MustRegisterT[T any](fn any) {
	if err := RegisterT[T](fn); err != nil {
		panic(err)
	}
}

// New 通过注册的构造函数创建对象
func New(namespace string, type_ string, options any) (any, error) {
	value, ok := registry.Load(key(namespace, type_))
	if !ok {
		return nil, errors.Errorf("constructor not found for %s:%s", namespace, type_)
	}
	return value.(*constructor).new(options)
}

// NewWithOptions 是 New 的 TypeOptions 形式
func NewWithOptions(options *TypeOptions) (any, error) {
	if options == nil {
		return nil, errors.New("type options is nil")
	}
	return New(options.Namespace, options.Type, options.Options)
}

func NewT[T any](options any) (T, error) {
	var zero T
	namespace, type_, err := typeKey[T]()
	if err != nil {
		return zero, err
	}

	obj, err := New(namespace, type_, options)
	if err != nil {
		return zero, err
	}
	result, ok := obj.(T)
	if !ok {
		return zero, errors.Errorf("created object %T is not %T", obj, zero)
	}
	return result, nil
}

func typeKey[T any]() (string, string, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return "", "", errors.Errorf("cannot determine package path or type name for %v", t)
	}
	return t.PkgPath(), t.Name(), nil
}
