package log

import (
	"github.com/hatlonely/schemax/ref"
	"github.com/pkg/errors"
)

var defaultLogger Logger

func init() {
	ref.MustRegisterT[*SLog](NewSLogWithOptions)

	l, err := NewSLogWithOptions(&SLogOptions{Level: "info", Format: "text"})
	if err != nil {
		panic("failed to initialize default logger: " + err.Error())
	}
	defaultLogger = l
}

func Default() Logger {
	return defaultLogger
}

// NewLoggerWithOptions 通过 ref 创建日志器，options 为 nil 时返回默认日志器
func NewLoggerWithOptions(options *ref.TypeOptions) (Logger, error) {
	if options == nil {
		return Default(), nil
	}

	namespace := options.Namespace
	if namespace == "" {
		namespace = "github.com/hatlonely/schemax/log"
	}
	obj, err := ref.New(namespace, options.Type, options.Options)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.New failed")
	}
	l, ok := obj.(Logger)
	if !ok {
		return nil, errors.Errorf("%T does not implement Logger", obj)
	}
	return l, nil
}
