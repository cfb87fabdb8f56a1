package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/log"
	"github.com/hatlonely/schemax/ref"
	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/transform"
	"github.com/hatlonely/schemax/version"
	"github.com/pkg/errors"
)

// DocumentDriver 文档库的原语，MongoDriver 是其实现
type DocumentDriver interface {
	CreateCollection(ctx context.Context, name string) error
	DropCollection(ctx context.Context, name string) error
	RenameCollection(ctx context.Context, from, to string) error
	// SetField 为所有缺少该字段的文档设置值
	SetField(ctx context.Context, collection, field string, value any) error
	UnsetField(ctx context.Context, collection, field string) error
	RenameField(ctx context.Context, collection, from, to string) error
	// CreateUniqueIndex 部分索引，只约束字段存在且非 null 的文档
	CreateUniqueIndex(ctx context.Context, collection, name string, fields []string) error
	DropIndex(ctx context.Context, collection, name string) error
	Each(ctx context.Context, collection string, fn func(doc map[string]any) error) error
	Patch(ctx context.Context, collection string, id any, set map[string]any) error
	Insert(ctx context.Context, collection string, docs []map[string]any) error
	Versions(namespace string) version.Store
	Close(ctx context.Context) error
}

// DocumentAction 文档库的自定义操作负载
type DocumentAction func(ctx context.Context, driver DocumentDriver) error

type DocumentOptions struct {
	Namespace string `cfg:"namespace" def:"schemax"`
	// 复制数据时每批插入的文档数
	BatchSize int              `cfg:"batchSize" def:"500" validate:"gte=1"`
	Logger    *ref.TypeOptions `cfg:"logger"`
}

// Document 文档库执行器，没有事务，逐个执行并在第一个失败处停止
type Document struct {
	driver    DocumentDriver
	name      string
	namespace string
	batchSize int
	logger    log.Logger
}

func NewDocument(name string, driver DocumentDriver, options *DocumentOptions) (*Document, error) {
	if driver == nil {
		return nil, errors.New("driver is nil")
	}
	if options == nil {
		options = &DocumentOptions{}
	}
	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	e := &Document{
		driver:    driver,
		name:      name,
		namespace: options.Namespace,
		batchSize: options.BatchSize,
		logger:    logger.WithGroup("executor").With("dialect", name),
	}
	if e.namespace == "" {
		e.namespace = version.DefaultNamespace
	}
	if e.batchSize <= 0 {
		e.batchSize = 500
	}
	return e, nil
}

func (e *Document) Name() string          { return e.name }
func (e *Document) Family() schema.Family { return schema.FamilyDocument }
func (e *Document) Driver() DocumentDriver {
	return e.driver
}

// Capabilities 删除字段不会删除索引，默认值只用于回填
func (e *Document) Capabilities() differ.Capabilities {
	return differ.Capabilities{
		BatchAlter: true,
		NativeDefaultFuncs: map[schema.DefaultFunc]bool{
			schema.FuncUUID:          true,
			schema.FuncNow:           true,
			schema.FuncAutoIncrement: true,
		},
	}
}

func (e *Document) Passes() []transform.Pass {
	return []transform.Pass{transform.DropEmpty}
}

func (e *Document) Versions() version.Store {
	return e.driver.Versions(e.namespace)
}

func (e *Document) Close() error {
	return e.driver.Close(context.Background())
}

func (e *Document) Execute(ctx context.Context, ops []schema.Operation) error {
	for i, op := range ops {
		e.logger.DebugContext(ctx, "apply", "op", schema.Describe(op))
		if err := e.apply(ctx, op); err != nil {
			return &OperationError{Index: i, Operation: op, Err: err}
		}
	}
	return nil
}

func collection(t *schema.Table) string {
	return t.PhysicalName(schema.FamilyDocument)
}

func field(c *schema.Column) string {
	return c.PhysicalName(schema.FamilyDocument)
}

func fields(t *schema.Table, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if c := t.Column(name); c != nil {
			out = append(out, field(c))
		} else {
			out = append(out, name)
		}
	}
	return out
}

func (e *Document) apply(ctx context.Context, op schema.Operation) error {
	switch o := op.(type) {
	case *schema.CreateTable:
		name := collection(o.Table)
		if err := e.driver.CreateCollection(ctx, name); err != nil {
			return err
		}
		for _, c := range o.Table.Columns {
			if c.Unique && !c.Primary {
				if err := e.driver.CreateUniqueIndex(ctx, name, UniqueName(o.Table, c), []string{field(c)}); err != nil {
					return err
				}
			}
		}
		for _, u := range o.Table.Uniques {
			if err := e.driver.CreateUniqueIndex(ctx, name, u.Name, fields(o.Table, u.Columns)); err != nil {
				return err
			}
		}
		return nil
	case *schema.DropTable:
		return e.driver.DropCollection(ctx, collection(o.Table))
	case *schema.RenameTable:
		return e.driver.RenameCollection(ctx, o.From, o.To)
	case *schema.UpdateTable:
		for _, c := range o.Columns {
			if err := e.applyColumn(ctx, o.New, c); err != nil {
				return errors.WithMessagef(err, "%s on %s", schema.DescribeColumn(c), o.New.Name)
			}
		}
		return nil
	case *schema.AddForeignKey, *schema.DropForeignKey:
		// 文档库不维护引用完整性
		return nil
	case *schema.AddUniqueConstraint:
		return e.driver.CreateUniqueIndex(ctx, collection(o.Table), o.Constraint.Name, fields(o.Table, o.Constraint.Columns))
	case *schema.DropUniqueConstraint:
		return e.driver.DropIndex(ctx, collection(o.Table), o.Constraint.Name)
	case *schema.RecreateTable:
		for _, sub := range transform.ExpandRecreate(o, schema.FamilyDocument, false) {
			if err := e.apply(ctx, sub); err != nil {
				return errors.WithMessage(err, schema.Describe(sub))
			}
		}
		return nil
	case *schema.Custom:
		switch p := o.Payload.(type) {
		case DocumentAction:
			return p(ctx, e.driver)
		case func(context.Context, DocumentDriver) error:
			return p(ctx, e.driver)
		case *schema.CopyData:
			return e.copy(ctx, p)
		}
		return unsupported(op, e.name)
	case *schema.UpdateVersion:
		if o.External {
			return nil
		}
		return e.Versions().Set(ctx, o.Version)
	}
	return unsupported(op, e.name)
}

func (e *Document) applyColumn(ctx context.Context, t *schema.Table, op schema.ColumnOperation) error {
	name := collection(t)
	switch o := op.(type) {
	case *schema.RenameColumn:
		return e.driver.RenameField(ctx, name, o.From, o.To)
	case *schema.CreateColumn:
		if err := e.backfill(ctx, name, o.Column); err != nil {
			return err
		}
		if o.Column.Unique {
			return e.driver.CreateUniqueIndex(ctx, name, UniqueName(t, o.Column), []string{field(o.Column)})
		}
		return nil
	case *schema.DropColumn:
		return e.driver.UnsetField(ctx, name, field(o.Column))
	case *schema.UpdateColumn:
		if o.Dirty.Unique && !o.New.Unique {
			if err := e.driver.DropIndex(ctx, name, UniqueName(t, o.Old)); err != nil {
				return err
			}
		}
		if o.Dirty.Type || (o.Dirty.Nullable && !o.New.Nullable) {
			if err := e.convert(ctx, name, o); err != nil {
				return err
			}
		}
		if o.Dirty.Unique && o.New.Unique {
			return e.driver.CreateUniqueIndex(ctx, name, UniqueName(t, o.New), []string{field(o.New)})
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupported, "%s on %s", op.Kind(), e.name)
}

// backfill 新字段写入默认值，函数默认值逐个文档生成
func (e *Document) backfill(ctx context.Context, name string, c *schema.Column) error {
	f := field(c)
	if !c.Default.IsFunc() {
		var value any
		if c.Default != nil {
			value = c.Default.Value
		}
		return e.driver.SetField(ctx, name, f, value)
	}

	var patches []patch
	var counter int64
	err := e.driver.Each(ctx, name, func(doc map[string]any) error {
		if _, ok := doc[f]; ok {
			return nil
		}
		var value any
		if c.Default.Func == schema.FuncAutoIncrement {
			counter++
			value = counter
		} else {
			v, err := schema.GenerateDefault(c.Default)
			if err != nil {
				return err
			}
			value = v
		}
		patches = append(patches, patch{id: doc["_id"], set: map[string]any{f: value}})
		return nil
	})
	if err != nil {
		return err
	}
	return e.patch(ctx, name, patches)
}

// convert 修改类型时逐个文档转换字段值，变为非空时用默认值填充空值
func (e *Document) convert(ctx context.Context, name string, o *schema.UpdateColumn) error {
	f := field(o.New)
	var fill any
	if !o.New.Nullable && o.New.Default != nil && !o.New.Default.IsFunc() {
		fill = o.New.Default.Value
	}

	var patches []patch
	err := e.driver.Each(ctx, name, func(doc map[string]any) error {
		v := doc[f]
		if v == nil {
			if fill != nil {
				patches = append(patches, patch{id: doc["_id"], set: map[string]any{f: fill}})
			}
			return nil
		}
		if !o.Dirty.Type {
			return nil
		}
		out, err := Coerce(v, o.New.Type)
		if err != nil {
			return errors.WithMessagef(err, "document %v field %s", doc["_id"], f)
		}
		patches = append(patches, patch{id: doc["_id"], set: map[string]any{f: out}})
		return nil
	})
	if err != nil {
		return err
	}
	return e.patch(ctx, name, patches)
}

type patch struct {
	id  any
	set map[string]any
}

// patch 遍历结束后再写回，避免在游标上修改正在遍历的集合
func (e *Document) patch(ctx context.Context, name string, patches []patch) error {
	for _, p := range patches {
		if err := e.driver.Patch(ctx, name, p.id, p.set); err != nil {
			return errors.WithMessagef(err, "patch document %v", p.id)
		}
	}
	return nil
}

// copy 按列对应关系把文档投影到新集合，保留 _id
func (e *Document) copy(ctx context.Context, p *schema.CopyData) error {
	to := collection(p.To)
	batch := make([]map[string]any, 0, e.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.driver.Insert(ctx, to, batch); err != nil {
			return err
		}
		batch = make([]map[string]any, 0, e.batchSize)
		return nil
	}
	err := e.driver.Each(ctx, collection(p.From), func(doc map[string]any) error {
		out := map[string]any{}
		if id, ok := doc["_id"]; ok {
			out["_id"] = id
		}
		for _, pair := range p.Columns {
			if v, ok := doc[field(pair.From)]; ok {
				out[field(pair.To)] = v
			}
		}
		batch = append(batch, out)
		if len(batch) >= e.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// CompileToText 生成 mongo shell 风格的预览
func (e *Document) CompileToText(ops []schema.Operation) (string, error) {
	var sb strings.Builder
	for i, op := range ops {
		lines, err := e.text(op)
		if err != nil {
			return "", &OperationError{Index: i, Operation: op, Err: err}
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("// " + schema.Describe(op) + "\n")
		for _, line := range lines {
			sb.WriteString(line + "\n")
		}
	}
	return sb.String(), nil
}

func js(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return string(buf)
}

func coll(name string) string {
	return "db.getCollection(" + js(name) + ")"
}

func createIndexText(name, index string, fields []string) string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, js(f)+": 1")
	}
	return fmt.Sprintf(`%s.createIndex({%s}, {"name": %s, "unique": true})`, coll(name), strings.Join(keys, ", "), js(index))
}

func (e *Document) text(op schema.Operation) ([]string, error) {
	switch o := op.(type) {
	case *schema.CreateTable:
		name := collection(o.Table)
		lines := []string{"db.createCollection(" + js(name) + ")"}
		for _, c := range o.Table.Columns {
			if c.Unique && !c.Primary {
				lines = append(lines, createIndexText(name, UniqueName(o.Table, c), []string{field(c)}))
			}
		}
		for _, u := range o.Table.Uniques {
			lines = append(lines, createIndexText(name, u.Name, fields(o.Table, u.Columns)))
		}
		return lines, nil
	case *schema.DropTable:
		return []string{coll(collection(o.Table)) + ".drop()"}, nil
	case *schema.RenameTable:
		return []string{coll(o.From) + ".renameCollection(" + js(o.To) + ")"}, nil
	case *schema.UpdateTable:
		name := collection(o.New)
		var lines []string
		for _, c := range o.Columns {
			switch co := c.(type) {
			case *schema.RenameColumn:
				lines = append(lines, fmt.Sprintf(`%s.updateMany({}, {"$rename": {%s: %s}})`, coll(name), js(co.From), js(co.To)))
			case *schema.CreateColumn:
				f := field(co.Column)
				if co.Column.Default.IsFunc() {
					lines = append(lines, fmt.Sprintf("// backfill %s with %s()", f, co.Column.Default.Func))
				} else {
					var value any
					if co.Column.Default != nil {
						value = co.Column.Default.Value
					}
					lines = append(lines, fmt.Sprintf(`%s.updateMany({%s: {"$exists": false}}, {"$set": {%s: %s}})`, coll(name), js(f), js(f), js(value)))
				}
				if co.Column.Unique {
					lines = append(lines, createIndexText(name, UniqueName(o.New, co.Column), []string{f}))
				}
			case *schema.DropColumn:
				lines = append(lines, fmt.Sprintf(`%s.updateMany({}, {"$unset": {%s: ""}})`, coll(name), js(field(co.Column))))
			case *schema.UpdateColumn:
				if co.Dirty.Unique && !co.New.Unique {
					lines = append(lines, coll(name)+".dropIndex("+js(UniqueName(o.New, co.Old))+")")
				}
				if co.Dirty.Type {
					lines = append(lines, fmt.Sprintf("// convert %s to %s", field(co.New), co.New.Type))
				}
				if co.Dirty.Unique && co.New.Unique {
					lines = append(lines, createIndexText(name, UniqueName(o.New, co.New), []string{field(co.New)}))
				}
			}
		}
		return lines, nil
	case *schema.AddForeignKey:
		return []string{"// foreign key " + o.ForeignKey.Name + " is not enforced"}, nil
	case *schema.DropForeignKey:
		return []string{"// foreign key " + o.ForeignKey.Name + " is not enforced"}, nil
	case *schema.AddUniqueConstraint:
		return []string{createIndexText(collection(o.Table), o.Constraint.Name, fields(o.Table, o.Constraint.Columns))}, nil
	case *schema.DropUniqueConstraint:
		return []string{coll(collection(o.Table)) + ".dropIndex(" + js(o.Constraint.Name) + ")"}, nil
	case *schema.RecreateTable:
		var lines []string
		for _, sub := range transform.ExpandRecreate(o, schema.FamilyDocument, false) {
			l, err := e.text(sub)
			if err != nil {
				return nil, err
			}
			lines = append(lines, l...)
		}
		return lines, nil
	case *schema.Custom:
		switch p := o.Payload.(type) {
		case DocumentAction, func(context.Context, DocumentDriver) error:
			return []string{"// custom action"}, nil
		case *schema.CopyData:
			pairs := make([]string, 0, len(p.Columns))
			for _, pair := range p.Columns {
				pairs = append(pairs, field(pair.From)+" -> "+field(pair.To))
			}
			return []string{fmt.Sprintf("// copy %s -> %s (%s)", collection(p.From), collection(p.To), strings.Join(pairs, ", "))}, nil
		}
		return nil, unsupported(op, e.name)
	case *schema.UpdateVersion:
		if o.External {
			return nil, nil
		}
		return []string{fmt.Sprintf(`%s.updateOne({"_id": "current"}, {"$set": {"version": %s}}, {"upsert": true})`,
			coll(version.RecordName(e.namespace)), js(o.Version))}, nil
	}
	return nil, unsupported(op, e.name)
}

var _ Executor = (*Document)(nil)
