package schema

import (
	"context"
	"slices"
)

// Column 列定义，Name 为逻辑名，用于跨版本匹配
type Column struct {
	Name     string            `validate:"required"`
	Names    map[Family]string `validate:"omitempty,dive,required"`
	Type     Type              `validate:"required,oneof=string varchar integer bigint decimal boolean json binary date timestamp"`
	Size     int               `validate:"gte=0"`
	Nullable bool
	Unique   bool
	Primary  bool
	Default  *Default
}

// Col 创建列，链式方法返回副本
func Col(name string, t Type) Column {
	return Column{Name: name, Type: t}
}

// ID 创建标识列
func ID(name string, t Type) Column {
	return Col(name, t).WithPrimary()
}

func (c Column) WithSize(size int) Column {
	c.Size = size
	return c
}

func (c Column) WithNullable() Column {
	c.Nullable = true
	return c
}

func (c Column) WithUnique() Column {
	c.Unique = true
	return c
}

func (c Column) WithPrimary() Column {
	c.Primary = true
	return c
}

func (c Column) WithDefault(d *Default) Column {
	c.Default = d
	return c
}

// WithName 设置某个后端类别下的物理名
func (c Column) WithName(family Family, name string) Column {
	c.Names = cloneNames(c.Names)
	c.Names[family] = name
	return c
}

// PhysicalName 未指定时使用逻辑名
func (c *Column) PhysicalName(family Family) string {
	if name, ok := c.Names[family]; ok && name != "" {
		return name
	}
	return c.Name
}

// Required 非空且无默认值
func (c *Column) Required() bool {
	return !c.Nullable && c.Default == nil
}

// EffectiveSize varchar 的长度，未指定时为 DefaultVarcharSize
func (c *Column) EffectiveSize() int {
	if c.Type != TypeVarchar {
		return c.Size
	}
	if c.Size <= 0 {
		return DefaultVarcharSize
	}
	return c.Size
}

func (c *Column) Clone() *Column {
	out := *c
	out.Names = cloneNames(c.Names)
	if c.Default != nil {
		d := *c.Default
		out.Default = &d
	}
	return &out
}

// ForeignKey 外键，列名均为逻辑名
type ForeignKey struct {
	Name       string   `validate:"required"`
	Columns    []string `validate:"required,min=1,dive,required"`
	RefTable   string   `validate:"required"`
	RefColumns []string `validate:"required,min=1,dive,required"`
	OnUpdate   Action   `validate:"omitempty,oneof=RESTRICT CASCADE 'SET NULL'"`
	OnDelete   Action   `validate:"omitempty,oneof=RESTRICT CASCADE 'SET NULL'"`
}

func (fk *ForeignKey) Equal(o *ForeignKey) bool {
	return fk.Name == o.Name &&
		slices.Equal(fk.Columns, o.Columns) &&
		fk.RefTable == o.RefTable &&
		slices.Equal(fk.RefColumns, o.RefColumns) &&
		fk.OnUpdate.OrRestrict() == o.OnUpdate.OrRestrict() &&
		fk.OnDelete.OrRestrict() == o.OnDelete.OrRestrict()
}

func (fk *ForeignKey) Clone() *ForeignKey {
	out := *fk
	out.Columns = slices.Clone(fk.Columns)
	out.RefColumns = slices.Clone(fk.RefColumns)
	return &out
}

// UniqueConstraint 表级联合唯一约束，包含 NULL 的重复行是允许的
type UniqueConstraint struct {
	Name    string   `validate:"required"`
	Columns []string `validate:"required,min=1,dive,required"`
}

func (u *UniqueConstraint) Equal(o *UniqueConstraint) bool {
	return u.Name == o.Name && slices.Equal(u.Columns, o.Columns)
}

func (u *UniqueConstraint) Clone() *UniqueConstraint {
	return &UniqueConstraint{Name: u.Name, Columns: slices.Clone(u.Columns)}
}

// Table 表定义，Name 为逻辑名
type Table struct {
	Name        string              `validate:"required"`
	Names       map[Family]string   `validate:"omitempty,dive,required"`
	Columns     []*Column           `validate:"required,min=1,dive,required"`
	ForeignKeys []*ForeignKey       `validate:"dive,required"`
	Uniques     []*UniqueConstraint `validate:"dive,required"`
}

func NewTable(name string, columns ...Column) *Table {
	t := &Table{Name: name}
	for i := range columns {
		t.Columns = append(t.Columns, columns[i].Clone())
	}
	return t
}

func (t *Table) WithName(family Family, name string) *Table {
	out := t.Clone()
	out.Names[family] = name
	return out
}

func (t *Table) WithForeignKey(fk ForeignKey) *Table {
	out := t.Clone()
	out.ForeignKeys = append(out.ForeignKeys, fk.Clone())
	return out
}

func (t *Table) WithUnique(name string, columns ...string) *Table {
	out := t.Clone()
	out.Uniques = append(out.Uniques, &UniqueConstraint{Name: name, Columns: slices.Clone(columns)})
	return out
}

func (t *Table) PhysicalName(family Family) string {
	if name, ok := t.Names[family]; ok && name != "" {
		return name
	}
	return t.Name
}

func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ColumnByPhysicalName 按物理名查找列
func (t *Table) ColumnByPhysicalName(family Family, name string) *Column {
	for _, c := range t.Columns {
		if c.PhysicalName(family) == name {
			return c
		}
	}
	return nil
}

// PrimaryColumn 标识列，校验通过的表有且只有一个
func (t *Table) PrimaryColumn() *Column {
	for _, c := range t.Columns {
		if c.Primary {
			return c
		}
	}
	return nil
}

func (t *Table) ForeignKey(name string) *ForeignKey {
	for _, fk := range t.ForeignKeys {
		if fk.Name == name {
			return fk
		}
	}
	return nil
}

func (t *Table) Unique(name string) *UniqueConstraint {
	for _, u := range t.Uniques {
		if u.Name == name {
			return u
		}
	}
	return nil
}

// Indexed 列是否属于表级唯一约束或外键
func (t *Table) Indexed(name string) bool {
	for _, u := range t.Uniques {
		if slices.Contains(u.Columns, name) {
			return true
		}
	}
	for _, fk := range t.ForeignKeys {
		if slices.Contains(fk.Columns, name) {
			return true
		}
	}
	return false
}

// Keyed 列是否出现在某个索引中
func (t *Table) Keyed(name string) bool {
	c := t.Column(name)
	if c == nil {
		return false
	}
	return c.Primary || c.Unique || t.Indexed(name)
}

func (t *Table) Clone() *Table {
	out := &Table{Name: t.Name, Names: cloneNames(t.Names)}
	for _, c := range t.Columns {
		out.Columns = append(out.Columns, c.Clone())
	}
	for _, fk := range t.ForeignKeys {
		out.ForeignKeys = append(out.ForeignKeys, fk.Clone())
	}
	for _, u := range t.Uniques {
		out.Uniques = append(out.Uniques, u.Clone())
	}
	return out
}

// Hook 自定义的版本迁移函数，返回的操作替代自动 diff 的结果
type Hook func(ctx context.Context, prev, next *Schema) ([]Operation, error)

// Schema 某个版本的完整声明，构造后不可修改
type Schema struct {
	Version string   `validate:"required"`
	Tables  []*Table `validate:"dive,required"`
	Up      Hook
	Down    Hook
}

// NewSchema 复制传入的表，之后对表的修改不会影响 schema
func NewSchema(version string, tables ...*Table) *Schema {
	s := &Schema{Version: version}
	for _, t := range tables {
		s.Tables = append(s.Tables, t.Clone())
	}
	return s
}

// Zero 版本零，表示未初始化的存储
func Zero() *Schema {
	return &Schema{}
}

func (s *Schema) IsZero() bool {
	return s.Version == "" && len(s.Tables) == 0
}

func (s *Schema) WithUp(hook Hook) *Schema {
	out := *s
	out.Up = hook
	return &out
}

func (s *Schema) WithDown(hook Hook) *Schema {
	out := *s
	out.Down = hook
	return &out
}

func (s *Schema) Table(name string) *Table {
	for _, t := range s.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// TableByPhysicalName 按物理名查找表
func (s *Schema) TableByPhysicalName(family Family, name string) *Table {
	for _, t := range s.Tables {
		if t.PhysicalName(family) == name {
			return t
		}
	}
	return nil
}

// RelationKind 关联的基数
type RelationKind string

const (
	RelationOne  RelationKind = "one"
	RelationMany RelationKind = "many"
)

// Relation 由外键推导出的关联，不单独存储
type Relation struct {
	Name       string
	Table      string
	Kind       RelationKind
	ForeignKey *ForeignKey
}

// Relations 返回表的所有关联：自身外键指向的表为 one，引用自身的表为 many
func (s *Schema) Relations(table string) []Relation {
	t := s.Table(table)
	if t == nil {
		return nil
	}

	var relations []Relation
	for _, fk := range t.ForeignKeys {
		relations = append(relations, Relation{Name: fk.Name, Table: fk.RefTable, Kind: RelationOne, ForeignKey: fk})
	}
	for _, other := range s.Tables {
		for _, fk := range other.ForeignKeys {
			if fk.RefTable == table {
				relations = append(relations, Relation{Name: fk.Name, Table: other.Name, Kind: RelationMany, ForeignKey: fk})
			}
		}
	}
	return relations
}

func cloneNames(names map[Family]string) map[Family]string {
	out := make(map[Family]string, len(names))
	for k, v := range names {
		out[k] = v
	}
	return out
}
