package transform

import (
	"github.com/hatlonely/schemax/schema"
)

// SQLiteRecreate SQLite 不支持修改列、删除列和增删外键，涉及这些操作的表整表重建
//
// 该表的所有表级操作被移除，重建操作插入到第一个被移除的操作的位置
func SQLiteRecreate(ops []schema.Operation, ctx *Context) ([]schema.Operation, error) {
	if ctx == nil || ctx.Prev == nil || ctx.Next == nil {
		return ops, nil
	}

	recreate := map[string]bool{}
	for _, op := range ops {
		name := schema.TableName(op)
		if name == "" || !sqliteUnsupported(op) {
			continue
		}
		if ctx.Prev.Table(name) == nil || ctx.Next.Table(name) == nil {
			continue
		}
		recreate[name] = true
	}
	if len(recreate) == 0 {
		return ops, nil
	}

	out := make([]schema.Operation, 0, len(ops))
	expanded := map[string]bool{}
	for _, op := range ops {
		name := schema.TableName(op)
		if !recreate[name] || !tableLevel(op) {
			out = append(out, op)
			continue
		}
		if expanded[name] {
			continue
		}
		expanded[name] = true

		next := ctx.Next.Table(name)
		out = append(out, ExpandRecreate(&schema.RecreateTable{
			Old:         ctx.Prev.Table(name),
			New:         next,
			ForeignKeys: References(ctx.Next, next),
		}, ctx.Family, true)...)
	}
	return out, nil
}

func sqliteUnsupported(op schema.Operation) bool {
	switch o := op.(type) {
	case *schema.AddForeignKey, *schema.DropForeignKey:
		return true
	case *schema.UpdateTable:
		for _, c := range o.Columns {
			switch co := c.(type) {
			case *schema.UpdateColumn, *schema.DropColumn:
				return true
			case *schema.CreateColumn:
				col := co.Column
				// ADD COLUMN 不能带 UNIQUE、主键或非常量默认值，非空列必须有默认值
				if col.Unique || col.Primary || col.Default.IsFunc() || col.Required() {
					return true
				}
			}
		}
	}
	return false
}

func tableLevel(op schema.Operation) bool {
	switch op.(type) {
	case *schema.RenameTable, *schema.UpdateTable,
		*schema.AddForeignKey, *schema.DropForeignKey,
		*schema.AddUniqueConstraint, *schema.DropUniqueConstraint:
		return true
	}
	return false
}
