package transform

import (
	"github.com/hatlonely/schemax/schema"
	"github.com/pkg/errors"
)

// TempPrefix 整表重建时临时表的物理名前缀
const TempPrefix = "__tmp_"

// Context 传给每个 pass 的迁移上下文
type Context struct {
	Prev   *schema.Schema
	Next   *schema.Schema
	Family schema.Family
}

// Pass 针对某个后端限制对操作列表做改写
type Pass func(ops []schema.Operation, ctx *Context) ([]schema.Operation, error)

// Apply 依次执行 pass
func Apply(passes []Pass, ops []schema.Operation, ctx *Context) ([]schema.Operation, error) {
	if ctx == nil {
		ctx = &Context{Family: schema.FamilySQL}
	}
	var err error
	for i, pass := range passes {
		if ops, err = pass(ops, ctx); err != nil {
			return nil, errors.WithMessagef(err, "pass %d failed", i)
		}
	}
	return ops, nil
}

// ForDialect 每个后端需要的 pass
func ForDialect(name string) []Pass {
	switch name {
	case "sqlite3", "sqlite":
		return []Pass{SQLiteRecreate, DropEmpty}
	}
	return []Pass{DropEmpty}
}

// DropEmpty 去掉没有列操作的 update-table
func DropEmpty(ops []schema.Operation, _ *Context) ([]schema.Operation, error) {
	out := make([]schema.Operation, 0, len(ops))
	for _, op := range ops {
		if op == nil {
			continue
		}
		if u, ok := op.(*schema.UpdateTable); ok && len(u.Columns) == 0 {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// ExpandRecreate 把整表重建展开为：建临时表、复制数据、删旧表、临时表改名、重建唯一约束
//
// 新旧物理名不同时直接以新名建表，省去改名。inline 为 false 时外键在最后单独添加
func ExpandRecreate(op *schema.RecreateTable, family schema.Family, inline bool) []schema.Operation {
	oldName := op.Old.PhysicalName(family)
	finalName := op.New.PhysicalName(family)

	tempName := finalName
	if tempName == oldName {
		tempName = TempPrefix + finalName
	}
	temp := op.New.Clone()
	temp.Uniques = nil
	temp.Names[family] = tempName

	create := &schema.CreateTable{Table: temp}
	if inline {
		create.ForeignKeys = op.ForeignKeys
	}
	out := []schema.Operation{
		create,
		&schema.Custom{Payload: &schema.CopyData{From: op.Old, To: temp, Columns: schema.SharedColumns(op.Old, op.New)}},
		&schema.DropTable{Table: op.Old},
	}
	if tempName != finalName {
		out = append(out, &schema.RenameTable{Old: temp, New: op.New, From: tempName, To: finalName})
	}
	// 索引名在整个库内唯一，旧表删除后才能创建
	for _, u := range op.New.Uniques {
		out = append(out, &schema.AddUniqueConstraint{Table: op.New, Constraint: u})
	}
	if !inline {
		for _, ref := range op.ForeignKeys {
			out = append(out, &schema.AddForeignKey{Table: op.New, Reference: ref})
		}
	}
	return out
}

// References 解析表的外键引用，找不到的表用同名的空表代替
func References(s *schema.Schema, t *schema.Table) []schema.Reference {
	var refs []schema.Reference
	for _, fk := range t.ForeignKeys {
		var ref *schema.Table
		if s != nil {
			ref = s.Table(fk.RefTable)
		}
		if ref == nil {
			ref = schema.NewTable(fk.RefTable)
		}
		refs = append(refs, schema.Reference{ForeignKey: fk, Ref: ref})
	}
	return refs
}
