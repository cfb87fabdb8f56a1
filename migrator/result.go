package migrator

import (
	"context"

	"github.com/hatlonely/schemax/schema"
	"github.com/pkg/errors"
)

// Result 一次迁移的计划，Operations 的最后一个操作是 update-version
type Result struct {
	From       string
	To         string
	Operations []schema.Operation

	migrator *Migrator
}

// Empty 已经在目标版本
func (r *Result) Empty() bool {
	return len(r.Operations) == 0
}

// Execute 执行计划。执行器返回的错误原样返回，非事务后端失败时库处于部分迁移的状态
func (r *Result) Execute(ctx context.Context) error {
	if r.Empty() {
		return nil
	}
	m := r.migrator
	m.logger.InfoContext(ctx, "migrate", "from", r.From, "to", r.To, "operations", len(r.Operations))
	for _, op := range r.Operations {
		m.logger.DebugContext(ctx, "operation", "op", schema.Describe(op))
	}

	if err := m.exec.Execute(ctx, r.Operations); err != nil {
		m.logger.ErrorContext(ctx, "migrate failed", "from", r.From, "to", r.To, "error", err)
		return err
	}
	if m.external {
		// 外部账本不在后端事务中
		if err := m.versions.Set(ctx, r.To); err != nil {
			return errors.WithMessagef(err, "record version %s failed", r.To)
		}
	}
	m.logger.InfoContext(ctx, "migrate completed", "version", r.To)
	return nil
}

// Text 编译后的迁移文本，不访问后端
func (r *Result) Text() (string, error) {
	if r.Empty() {
		return "", nil
	}
	return r.migrator.exec.CompileToText(r.Operations)
}
