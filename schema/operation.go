package schema

import (
	"fmt"
	"strings"
)

// Enforce 排序提示，只用于最终重排
type Enforce int

const (
	EnforceNone Enforce = iota
	EnforcePre
	EnforcePost
)

func (e Enforce) String() string {
	switch e {
	case EnforcePre:
		return "pre"
	case EnforcePost:
		return "post"
	}
	return ""
}

type Kind string

const (
	KindCreateTable          Kind = "create-table"
	KindDropTable            Kind = "drop-table"
	KindRenameTable          Kind = "rename-table"
	KindUpdateTable          Kind = "update-table"
	KindAddForeignKey        Kind = "add-foreign-key"
	KindDropForeignKey       Kind = "drop-foreign-key"
	KindAddUniqueConstraint  Kind = "add-unique-constraint"
	KindDropUniqueConstraint Kind = "drop-unique-constraint"
	KindRecreateTable        Kind = "recreate-table"
	KindCustom               Kind = "custom"
	KindUpdateVersion        Kind = "update-version"

	KindRenameColumn Kind = "rename-column"
	KindDropColumn   Kind = "drop-column"
	KindCreateColumn Kind = "create-column"
	KindUpdateColumn Kind = "update-column"
)

// Operation 一次原子的结构变更
type Operation interface {
	Kind() Kind
	Enforcement() Enforce
}

// Tag 嵌入到每个操作中的排序提示
type Tag struct {
	Enforce Enforce
}

func (t Tag) Enforcement() Enforce {
	return t.Enforce
}

// Reference 外键及其引用的表
type Reference struct {
	ForeignKey *ForeignKey
	Ref        *Table
}

// CreateTable ForeignKeys 只在后端支持建表时内联外键时填充
type CreateTable struct {
	Tag
	Table       *Table
	ForeignKeys []Reference
}

type DropTable struct {
	Tag
	Table *Table
}

// RenameTable 逻辑名不变，物理名从 From 变为 To
type RenameTable struct {
	Tag
	Old  *Table
	New  *Table
	From string
	To   string
}

// UpdateTable 同一张表上的一组列操作，表名取 New 的物理名
type UpdateTable struct {
	Tag
	Old     *Table
	New     *Table
	Columns []ColumnOperation
}

type AddForeignKey struct {
	Tag
	Table *Table
	Reference
}

type DropForeignKey struct {
	Tag
	Table      *Table
	ForeignKey *ForeignKey
}

type AddUniqueConstraint struct {
	Tag
	Table      *Table
	Constraint *UniqueConstraint
}

type DropUniqueConstraint struct {
	Tag
	Table      *Table
	Constraint *UniqueConstraint
}

// RecreateTable 整表替换，只迁移新旧定义中逻辑名相同的列
type RecreateTable struct {
	Tag
	Old         *Table
	New         *Table
	ForeignKeys []Reference
}

// Custom 后端相关的不透明负载，例如 SQL 文本
type Custom struct {
	Tag
	Payload any
}

// UpdateVersion 迁移的最后一步，External 为 true 时版本记录在外部账本中
type UpdateVersion struct {
	Tag
	Version  string
	External bool
}

func (*CreateTable) Kind() Kind          { return KindCreateTable }
func (*DropTable) Kind() Kind            { return KindDropTable }
func (*RenameTable) Kind() Kind          { return KindRenameTable }
func (*UpdateTable) Kind() Kind          { return KindUpdateTable }
func (*AddForeignKey) Kind() Kind        { return KindAddForeignKey }
func (*DropForeignKey) Kind() Kind       { return KindDropForeignKey }
func (*AddUniqueConstraint) Kind() Kind  { return KindAddUniqueConstraint }
func (*DropUniqueConstraint) Kind() Kind { return KindDropUniqueConstraint }
func (*RecreateTable) Kind() Kind        { return KindRecreateTable }
func (*Custom) Kind() Kind               { return KindCustom }
func (*UpdateVersion) Kind() Kind        { return KindUpdateVersion }

// ColumnPair 数据迁移时旧列到新列的对应
type ColumnPair struct {
	From *Column
	To   *Column
}

// CopyData 标准的数据迁移负载，由各后端执行器解释
type CopyData struct {
	From    *Table
	To      *Table
	Columns []ColumnPair
}

// SharedColumns 新旧表中逻辑名相同的列
func SharedColumns(old, next *Table) []ColumnPair {
	var pairs []ColumnPair
	for _, c := range next.Columns {
		if o := old.Column(c.Name); o != nil {
			pairs = append(pairs, ColumnPair{From: o, To: c})
		}
	}
	return pairs
}

// ColumnOperation update-table 中的列操作
type ColumnOperation interface {
	Kind() Kind
}

type RenameColumn struct {
	Old  *Column
	New  *Column
	From string
	To   string
}

type DropColumn struct {
	Column *Column
}

type CreateColumn struct {
	Column *Column
}

// Dirty update-column 中各属性是否变化，互相独立
type Dirty struct {
	Type     bool
	Default  bool
	Nullable bool
	Unique   bool
	// Indexed 列是否属于表级唯一约束或外键发生变化，只在索引列类型受限的后端产生
	Indexed bool
}

func (d Dirty) Any() bool {
	return d.Type || d.Default || d.Nullable || d.Unique || d.Indexed
}

func (d Dirty) String() string {
	var parts []string
	if d.Type {
		parts = append(parts, "type")
	}
	if d.Default {
		parts = append(parts, "default")
	}
	if d.Nullable {
		parts = append(parts, "nullable")
	}
	if d.Unique {
		parts = append(parts, "unique")
	}
	if d.Indexed {
		parts = append(parts, "indexed")
	}
	return strings.Join(parts, ",")
}

type UpdateColumn struct {
	Old   *Column
	New   *Column
	Dirty Dirty
}

func (*RenameColumn) Kind() Kind { return KindRenameColumn }
func (*DropColumn) Kind() Kind   { return KindDropColumn }
func (*CreateColumn) Kind() Kind { return KindCreateColumn }
func (*UpdateColumn) Kind() Kind { return KindUpdateColumn }

// Reorder 稳定分区：pre、无标记、post
func Reorder(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, enforce := range []Enforce{EnforcePre, EnforceNone, EnforcePost} {
		for _, op := range ops {
			if op.Enforcement() == enforce {
				out = append(out, op)
			}
		}
	}
	return out
}

// TableName 操作涉及的表的逻辑名，与表无关的操作返回空
func TableName(op Operation) string {
	switch o := op.(type) {
	case *CreateTable:
		return o.Table.Name
	case *DropTable:
		return o.Table.Name
	case *RenameTable:
		return o.New.Name
	case *UpdateTable:
		return o.New.Name
	case *AddForeignKey:
		return o.Table.Name
	case *DropForeignKey:
		return o.Table.Name
	case *AddUniqueConstraint:
		return o.Table.Name
	case *DropUniqueConstraint:
		return o.Table.Name
	case *RecreateTable:
		return o.New.Name
	}
	return ""
}

// Describe 单行描述，用于日志和错误
func Describe(op Operation) string {
	var s string
	switch o := op.(type) {
	case *CreateTable:
		s = fmt.Sprintf("create-table %s", o.Table.Name)
	case *DropTable:
		s = fmt.Sprintf("drop-table %s", o.Table.Name)
	case *RenameTable:
		s = fmt.Sprintf("rename-table %s -> %s", o.From, o.To)
	case *UpdateTable:
		parts := make([]string, 0, len(o.Columns))
		for _, c := range o.Columns {
			parts = append(parts, DescribeColumn(c))
		}
		s = fmt.Sprintf("update-table %s [%s]", o.New.Name, strings.Join(parts, ", "))
	case *AddForeignKey:
		s = fmt.Sprintf("add-foreign-key %s.%s -> %s", o.Table.Name, o.ForeignKey.Name, o.ForeignKey.RefTable)
	case *DropForeignKey:
		s = fmt.Sprintf("drop-foreign-key %s.%s", o.Table.Name, o.ForeignKey.Name)
	case *AddUniqueConstraint:
		s = fmt.Sprintf("add-unique-constraint %s.%s (%s)", o.Table.Name, o.Constraint.Name, strings.Join(o.Constraint.Columns, ", "))
	case *DropUniqueConstraint:
		s = fmt.Sprintf("drop-unique-constraint %s.%s", o.Table.Name, o.Constraint.Name)
	case *RecreateTable:
		s = fmt.Sprintf("recreate-table %s", o.New.Name)
	case *Custom:
		s = fmt.Sprintf("custom %T", o.Payload)
		if text, ok := o.Payload.(string); ok {
			s = "custom " + text
		}
	case *UpdateVersion:
		s = fmt.Sprintf("update-version %s", o.Version)
	default:
		s = string(op.Kind())
	}
	if e := op.Enforcement(); e != EnforceNone {
		s += " (" + e.String() + ")"
	}
	return s
}

func DescribeColumn(op ColumnOperation) string {
	switch o := op.(type) {
	case *RenameColumn:
		return fmt.Sprintf("rename-column %s -> %s", o.From, o.To)
	case *DropColumn:
		return fmt.Sprintf("drop-column %s", o.Column.Name)
	case *CreateColumn:
		return fmt.Sprintf("create-column %s", o.Column.Name)
	case *UpdateColumn:
		return fmt.Sprintf("update-column %s {%s}", o.New.Name, o.Dirty)
	}
	return string(op.Kind())
}
