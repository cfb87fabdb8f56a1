package migrator

import (
	"context"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/executor"
	"github.com/hatlonely/schemax/introspect"
	"github.com/hatlonely/schemax/log"
	"github.com/hatlonely/schemax/ref"
	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/transform"
	"github.com/hatlonely/schemax/version"
	"github.com/pkg/errors"
)

var (
	ErrVersionNotDeclared    = errors.New("version not declared")
	ErrAlreadyLatest         = errors.New("already at the latest version")
	ErrAlreadyOldest         = errors.New("already at the oldest version")
	ErrUnknownCurrentVersion = errors.New("current version is not declared")
)

type Options struct {
	// DropUnusedTables 删除新版本中不存在的表，迁移到版本零时总是删除
	DropUnusedTables bool `cfg:"dropUnusedTables"`
	// DropUnusedColumns 删除新版本中不存在的可空列或有默认值的列
	DropUnusedColumns bool `cfg:"dropUnusedColumns"`

	// VersionStore 外部账本，为空时版本记录保存在目标库中
	VersionStore *ref.TypeOptions `cfg:"versionStore"`
	Logger       *ref.TypeOptions `cfg:"logger"`
}

// Migrator 在声明的版本之间迁移。不做跨进程加锁，并发迁移同一个库需要调用方自行加锁
type Migrator struct {
	schemas  []*schema.Schema
	exec     executor.Executor
	versions version.Store
	external bool
	options  Options
	logger   log.Logger
}

// NewMigrator schemas 按版本递增排列
func NewMigrator(schemas []*schema.Schema, exec executor.Executor, options *Options) (*Migrator, error) {
	if exec == nil {
		return nil, errors.New("executor is nil")
	}
	if len(schemas) == 0 {
		return nil, errors.New("no schema declared")
	}
	if err := schema.ValidateVersions(schemas); err != nil {
		return nil, errors.WithMessage(err, "invalid schemas")
	}
	if options == nil {
		options = &Options{}
	}

	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}

	m := &Migrator{
		schemas:  schemas,
		exec:     exec,
		versions: exec.Versions(),
		options:  *options,
		logger:   logger.WithGroup("migrator").With("backend", exec.Name()),
	}
	if options.VersionStore != nil {
		store, err := version.NewStoreWithOptions(options.VersionStore)
		if err != nil {
			return nil, errors.WithMessage(err, "create version store failed")
		}
		m.versions = store
		m.external = true
	}
	return m, nil
}

func (m *Migrator) Schemas() []*schema.Schema {
	return m.schemas
}

func (m *Migrator) Executor() executor.Executor {
	return m.exec
}

// index 版本零返回 -1
func (m *Migrator) index(v string) (int, error) {
	if v == "" {
		return -1, nil
	}
	for i, s := range m.schemas {
		if schema.CanonicalVersion(s.Version) == schema.CanonicalVersion(v) {
			return i, nil
		}
	}
	return 0, errors.Wrapf(ErrVersionNotDeclared, "version %s", v)
}

func (m *Migrator) schemaAt(i int) *schema.Schema {
	if i < 0 {
		return schema.Zero()
	}
	return m.schemas[i]
}

func (m *Migrator) currentIndex(ctx context.Context) (int, error) {
	v, ok, err := m.versions.Get(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "read current version failed")
	}
	if !ok {
		return -1, nil
	}
	i, err := m.index(v)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownCurrentVersion, "version %s", v)
	}
	return i, nil
}

// Current 当前版本的声明，没有版本记录时返回版本零
func (m *Migrator) Current(ctx context.Context) (*schema.Schema, error) {
	i, err := m.currentIndex(ctx)
	if err != nil {
		return nil, err
	}
	return m.schemaAt(i), nil
}

// Up 前进一个版本
func (m *Migrator) Up(ctx context.Context) (*Result, error) {
	cur, err := m.currentIndex(ctx)
	if err != nil {
		return nil, err
	}
	if cur == len(m.schemas)-1 {
		return nil, errors.Wrapf(ErrAlreadyLatest, "version %s", m.schemas[cur].Version)
	}
	return m.plan(ctx, cur, cur+1)
}

// Down 后退一个版本，第一个版本的下一步是版本零
func (m *Migrator) Down(ctx context.Context) (*Result, error) {
	cur, err := m.currentIndex(ctx)
	if err != nil {
		return nil, err
	}
	if cur < 0 {
		return nil, ErrAlreadyOldest
	}
	return m.plan(ctx, cur, cur-1)
}

// MigrateTo 迁移到指定版本，空字符串表示版本零
func (m *Migrator) MigrateTo(ctx context.Context, v string) (*Result, error) {
	target, err := m.index(v)
	if err != nil {
		return nil, err
	}
	cur, err := m.currentIndex(ctx)
	if err != nil {
		return nil, err
	}
	return m.plan(ctx, cur, target)
}

func (m *Migrator) MigrateToLatest(ctx context.Context) (*Result, error) {
	cur, err := m.currentIndex(ctx)
	if err != nil {
		return nil, err
	}
	return m.plan(ctx, cur, len(m.schemas)-1)
}

// DiffFromStore 以库中实际的结构作为旧版本，与目标版本比较
func (m *Migrator) DiffFromStore(ctx context.Context, in introspect.Introspector, target string) (*Result, error) {
	if in == nil {
		return nil, errors.New("introspector is nil")
	}
	to, err := m.index(target)
	if err != nil {
		return nil, err
	}
	next := m.schemaAt(to)

	// 物理名按当前版本的声明映射回逻辑名，版本零时使用目标版本
	cur, err := m.currentIndex(ctx)
	if err != nil {
		return nil, err
	}
	declared := next
	if cur >= 0 {
		declared = m.schemas[cur]
	}
	prev, err := in.Introspect(ctx, declared)
	if err != nil {
		return nil, errors.WithMessage(err, "introspect failed")
	}

	ops, err := differ.Diff(prev, next, m.diffOptions(to < 0))
	if err != nil {
		return nil, errors.WithMessage(err, "diff failed")
	}
	return m.result(prev, next, ops)
}

func (m *Migrator) diffOptions(toZero bool) *differ.Options {
	return &differ.Options{
		DropUnusedTables:  m.options.DropUnusedTables || toZero,
		DropUnusedColumns: m.options.DropUnusedColumns,
		Family:            m.exec.Family(),
		Capabilities:      m.exec.Capabilities(),
	}
}

// plan 只有相邻版本之间的迁移才使用自定义钩子，跨多个版本时总是自动比较首尾两个版本
func (m *Migrator) plan(ctx context.Context, from, to int) (*Result, error) {
	prev, next := m.schemaAt(from), m.schemaAt(to)
	if from == to {
		return &Result{From: prev.Version, To: next.Version, migrator: m}, nil
	}

	var ops []schema.Operation
	var err error
	switch {
	case to == from+1 && next.Up != nil:
		m.logger.DebugContext(ctx, "use up hook", "from", prev.Version, "to", next.Version)
		ops, err = next.Up(ctx, prev, next)
	case to == from-1 && prev.Down != nil:
		m.logger.DebugContext(ctx, "use down hook", "from", prev.Version, "to", next.Version)
		ops, err = prev.Down(ctx, prev, next)
	default:
		ops, err = differ.Diff(prev, next, m.diffOptions(to < 0))
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "plan %s -> %s failed", prev.Version, next.Version)
	}
	return m.result(prev, next, ops)
}

func (m *Migrator) result(prev, next *schema.Schema, ops []schema.Operation) (*Result, error) {
	ops, err := transform.Apply(m.exec.Passes(), ops, &transform.Context{Prev: prev, Next: next, Family: m.exec.Family()})
	if err != nil {
		return nil, errors.WithMessage(err, "transform failed")
	}
	ops = append(ops, &schema.UpdateVersion{Version: next.Version, External: m.external})
	return &Result{From: prev.Version, To: next.Version, Operations: ops, migrator: m}, nil
}
