package executor

import (
	"context"
	"fmt"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/ref"
	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/transform"
	"github.com/hatlonely/schemax/version"
	"github.com/pkg/errors"
)

// ErrUnsupported 后端无法表达的操作
var ErrUnsupported = errors.New("operation unsupported for this backend")

// ErrForeignKeyViolation 关闭外键执行后仍有悬空引用
var ErrForeignKeyViolation = errors.New("foreign key violation")

// Executor 把抽象操作翻译为后端动作并执行
type Executor interface {
	Name() string
	Family() schema.Family
	Capabilities() differ.Capabilities
	// Passes 执行前需要应用的改写
	Passes() []transform.Pass
	// Versions 目标库内的版本记录
	Versions() version.Store
	// Execute 支持事务的后端在一个事务中执行全部操作，否则逐个执行并在第一个失败处停止
	Execute(ctx context.Context, ops []schema.Operation) error
	// CompileToText 生成预览文本，不访问后端
	CompileToText(ops []schema.Operation) (string, error)
	Close() error
}

// OperationError 执行失败的操作，Statement 为失败的语句（如果有）
type OperationError struct {
	Index     int
	Operation schema.Operation
	Statement string
	Err       error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("operation #%d %s failed", e.Index, schema.Describe(e.Operation))
	if e.Statement != "" {
		msg += fmt.Sprintf(" [%s]", e.Statement)
	}
	return msg + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Cause() error {
	return e.Err
}

func unsupported(op schema.Operation, backend string) error {
	return errors.Wrapf(ErrUnsupported, "%s on %s", op.Kind(), backend)
}

func init() {
	ref.MustRegisterT[*SQL](NewSQLWithOptions)
	ref.MustRegisterT[*Document](NewMongoWithOptions)
	ref.MustRegisterT[*ObservableExecutor](NewObservableExecutorWithOptions)
}

func NewExecutorWithOptions(options *ref.TypeOptions) (Executor, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	namespace := options.Namespace
	if namespace == "" {
		namespace = "github.com/hatlonely/schemax/executor"
	}
	obj, err := ref.New(namespace, options.Type, options.Options)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.New failed")
	}
	exec, ok := obj.(Executor)
	if !ok {
		return nil, errors.Errorf("%T is not an Executor", obj)
	}
	return exec, nil
}
