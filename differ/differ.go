package differ

import (
	"slices"

	"github.com/hatlonely/schemax/schema"
	"github.com/pkg/errors"
)

var ErrIdentityColumnChanged = errors.New("identity column changed")

// Capabilities 后端能力，影响 diff 的分组和默认值比较
type Capabilities struct {
	// BatchAlter 一条 ALTER 可以包含多个列变更，列操作合并到一个 update-table
	BatchAlter bool
	// InlineForeignKeys 新表的外键在建表语句中声明
	InlineForeignKeys bool
	// AutoDropsUniqueIndexes 删除列时后端会自动删除依赖的唯一索引
	AutoDropsUniqueIndexes bool
	// NativeDefaultFuncs 后端可以直接表达的默认值函数
	NativeDefaultFuncs map[schema.DefaultFunc]bool
	// NoDefaultTypes 不能设置数据库默认值的类型
	NoDefaultTypes map[schema.Type]bool
	// KeyedTypes 这些类型的列在索引中时使用不同的物理类型，加入或移出表级约束时需要修改列类型
	KeyedTypes map[schema.Type]bool
}

// EffectiveDefault 列在数据库层面实际生效的默认值
func (c *Capabilities) EffectiveDefault(col *schema.Column) *schema.Default {
	if col.Default == nil || c.NoDefaultTypes[col.Type] {
		return nil
	}
	if col.Default.IsFunc() && !c.NativeDefaultFuncs[col.Default.Func] {
		return nil
	}
	return col.Default
}

type Options struct {
	// DropUnusedTables 删除新版本中不存在的表
	DropUnusedTables bool `cfg:"dropUnusedTables"`
	// DropUnusedColumns 删除新版本中不存在的列，必填列无论如何都会删除
	DropUnusedColumns bool          `cfg:"dropUnusedColumns"`
	Family            schema.Family `cfg:"family" def:"sql" validate:"omitempty,oneof=sql document"`
	Capabilities      Capabilities
}

func DefaultOptions() *Options {
	return &Options{
		Family: schema.FamilySQL,
		Capabilities: Capabilities{
			BatchAlter:             true,
			AutoDropsUniqueIndexes: true,
		},
	}
}

type differ struct {
	options *Options
	old     *schema.Schema
	next    *schema.Schema
	ops     []schema.Operation
}

// Diff 比较两个版本，返回重排后的操作列表。只读取输入，不做任何 I/O
func Diff(old, next *schema.Schema, options *Options) ([]schema.Operation, error) {
	if options == nil {
		options = DefaultOptions()
	}
	if options.Family == "" {
		o := *options
		o.Family = schema.FamilySQL
		options = &o
	}
	if old == nil {
		old = schema.Zero()
	}
	if next == nil {
		next = schema.Zero()
	}

	d := &differ{options: options, old: old, next: next}
	for _, t := range next.Tables {
		o := old.Table(t.Name)
		if o == nil {
			d.createTable(t)
			continue
		}
		if err := d.diffTable(o, t); err != nil {
			return nil, err
		}
	}

	if options.DropUnusedTables {
		d.dropUnusedTables()
	}

	return schema.Reorder(d.ops), nil
}

var (
	pre  = schema.Tag{Enforce: schema.EnforcePre}
	post = schema.Tag{Enforce: schema.EnforcePost}
)

func (d *differ) emit(ops ...schema.Operation) {
	d.ops = append(d.ops, ops...)
}

func (d *differ) reference(fk *schema.ForeignKey) schema.Reference {
	ref := d.next.Table(fk.RefTable)
	if ref == nil {
		ref = schema.NewTable(fk.RefTable)
	}
	return schema.Reference{ForeignKey: fk, Ref: ref}
}

func (d *differ) createTable(t *schema.Table) {
	op := &schema.CreateTable{Table: t}
	if d.options.Capabilities.InlineForeignKeys {
		for _, fk := range t.ForeignKeys {
			op.ForeignKeys = append(op.ForeignKeys, d.reference(fk))
		}
		d.emit(op)
		return
	}
	d.emit(op)
	for _, fk := range t.ForeignKeys {
		d.emit(&schema.AddForeignKey{Tag: post, Table: t, Reference: d.reference(fk)})
	}
}

func (d *differ) diffTable(o, t *schema.Table) error {
	family := d.options.Family

	// 不再使用的外键最先删除
	for _, fk := range o.ForeignKeys {
		if t.ForeignKey(fk.Name) == nil {
			d.emit(&schema.DropForeignKey{Tag: pre, Table: o, ForeignKey: fk})
		}
	}

	if from, to := o.PhysicalName(family), t.PhysicalName(family); from != to {
		d.emit(&schema.RenameTable{Tag: pre, Old: o, New: t, From: from, To: to})
	}

	columnOps, unkeyed, err := d.diffColumns(o, t)
	if err != nil {
		return err
	}
	d.emitColumns(schema.Tag{}, o, t, columnOps)

	dropped := d.diffUniques(o, t)
	d.diffForeignKeys(o, t)
	// 移出索引的列在约束删除之后才能改为不可索引的类型
	d.emitColumns(post, o, t, unkeyed)
	d.dropUnusedColumns(o, t, dropped)
	return nil
}

// diffColumns 第二个返回值是移出索引的列的修改，需要在约束删除之后执行
func (d *differ) diffColumns(o, t *schema.Table) ([]schema.ColumnOperation, []schema.ColumnOperation, error) {
	family := d.options.Family
	caps := &d.options.Capabilities

	oldID, newID := o.PrimaryColumn(), t.PrimaryColumn()
	if oldID == nil || newID == nil || oldID.Name != newID.Name ||
		oldID.Type != newID.Type || oldID.EffectiveSize() != newID.EffectiveSize() {
		return nil, nil, errors.Wrapf(ErrIdentityColumnChanged, "table %s", t.Name)
	}

	var ops, unkeyed []schema.ColumnOperation
	for _, c := range t.Columns {
		oc := o.Column(c.Name)
		if oc == nil {
			ops = append(ops, &schema.CreateColumn{Column: c})
			continue
		}
		if from, to := oc.PhysicalName(family), c.PhysicalName(family); from != to {
			ops = append(ops, &schema.RenameColumn{Old: oc, New: c, From: from, To: to})
		}
		if c.Primary {
			continue
		}
		dirty := schema.Dirty{
			Type:     oc.Type != c.Type || oc.EffectiveSize() != c.EffectiveSize(),
			Default:  !caps.EffectiveDefault(oc).Equal(caps.EffectiveDefault(c)),
			Nullable: oc.Nullable != c.Nullable,
			Unique:   oc.Unique != c.Unique,
		}
		// 唯一标志变化时由 update-column 自己处理索引和类型
		dirty.Indexed = caps.KeyedTypes[c.Type] && !dirty.Unique && o.Keyed(oc.Name) != t.Keyed(c.Name)
		if !dirty.Any() {
			continue
		}
		op := &schema.UpdateColumn{Old: oc, New: c, Dirty: dirty}
		if caps.KeyedTypes[c.Type] && o.Indexed(oc.Name) && !t.Keyed(c.Name) {
			unkeyed = append(unkeyed, op)
			continue
		}
		ops = append(ops, op)
	}
	return ops, unkeyed, nil
}

// emitColumns 按后端能力合并或拆分列操作
func (d *differ) emitColumns(tag schema.Tag, o, t *schema.Table, ops []schema.ColumnOperation) {
	if len(ops) == 0 {
		return
	}
	if d.options.Capabilities.BatchAlter {
		d.emit(&schema.UpdateTable{Tag: tag, Old: o, New: t, Columns: ops})
		return
	}
	for _, op := range ops {
		d.emit(&schema.UpdateTable{Tag: tag, Old: o, New: t, Columns: []schema.ColumnOperation{op}})
	}
}

// diffUniques 返回已删除的约束名
func (d *differ) diffUniques(o, t *schema.Table) map[string]bool {
	dropped := map[string]bool{}
	for _, u := range t.Uniques {
		ou := o.Unique(u.Name)
		if ou == nil {
			d.emit(&schema.AddUniqueConstraint{Tag: post, Table: t, Constraint: u})
			continue
		}
		if !ou.Equal(u) {
			d.emit(
				&schema.DropUniqueConstraint{Tag: post, Table: t, Constraint: ou},
				&schema.AddUniqueConstraint{Tag: post, Table: t, Constraint: u},
			)
			dropped[ou.Name] = true
		}
	}
	for _, ou := range o.Uniques {
		if t.Unique(ou.Name) == nil {
			d.emit(&schema.DropUniqueConstraint{Tag: post, Table: t, Constraint: ou})
			dropped[ou.Name] = true
		}
	}
	return dropped
}

func (d *differ) diffForeignKeys(o, t *schema.Table) {
	for _, fk := range t.ForeignKeys {
		ofk := o.ForeignKey(fk.Name)
		if ofk != nil && ofk.Equal(fk) {
			continue
		}
		if ofk != nil {
			// 在重命名之后执行，所以使用新表
			d.emit(&schema.DropForeignKey{Tag: pre, Table: t, ForeignKey: ofk})
		}
		d.emit(&schema.AddForeignKey{Tag: post, Table: t, Reference: d.reference(fk)})
	}
}

// dropUnusedTables 引用方先于被引用方删除。循环引用时先删除指向该表的外键，
// 建表时内联外键的后端删除表时外键随之删除
func (d *differ) dropUnusedTables() {
	var unused []*schema.Table
	for _, o := range d.old.Tables {
		if d.next.Table(o.Name) == nil {
			unused = append(unused, o)
		}
	}

	type referrer struct {
		table *schema.Table
		fk    *schema.ForeignKey
	}
	referrers := func(target *schema.Table, tables []*schema.Table) []referrer {
		var out []referrer
		for _, t := range tables {
			if t.Name == target.Name {
				continue
			}
			for _, fk := range t.ForeignKeys {
				if fk.RefTable == target.Name {
					out = append(out, referrer{table: t, fk: fk})
				}
			}
		}
		return out
	}

	for len(unused) > 0 {
		i := slices.IndexFunc(unused, func(t *schema.Table) bool {
			return len(referrers(t, unused)) == 0
		})
		if i < 0 {
			i = 0
			if !d.options.Capabilities.InlineForeignKeys {
				for _, r := range referrers(unused[0], unused) {
					d.emit(&schema.DropForeignKey{Tag: pre, Table: r.table, ForeignKey: r.fk})
				}
			}
		}
		d.emit(&schema.DropTable{Tag: post, Table: unused[i]})
		unused = slices.Delete(unused, i, i+1)
	}
}

// dropUnusedColumns 必填列即使未开启 DropUnusedColumns 也会删除，否则新版本的插入会违反约束
func (d *differ) dropUnusedColumns(o, t *schema.Table, dropped map[string]bool) {
	var ops []schema.ColumnOperation
	for _, oc := range o.Columns {
		if t.Column(oc.Name) != nil {
			continue
		}
		if !d.options.DropUnusedColumns && !oc.Required() {
			continue
		}
		if !d.options.Capabilities.AutoDropsUniqueIndexes {
			for _, ou := range o.Uniques {
				if !dropped[ou.Name] && slices.Contains(ou.Columns, oc.Name) {
					d.emit(&schema.DropUniqueConstraint{Tag: post, Table: t, Constraint: ou})
					dropped[ou.Name] = true
				}
			}
			if oc.Unique {
				plain := oc.Clone()
				plain.Unique = false
				ops = append(ops, &schema.UpdateColumn{Old: oc, New: plain, Dirty: schema.Dirty{Unique: true}})
			}
		}
		ops = append(ops, &schema.DropColumn{Column: oc})
	}
	d.emitColumns(post, o, t, ops)
}
