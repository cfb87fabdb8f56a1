package transform

import (
	"testing"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/schema"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteOptions() *differ.Options {
	return &differ.Options{
		Family: schema.FamilySQL,
		Capabilities: differ.Capabilities{
			InlineForeignKeys:      true,
			AutoDropsUniqueIndexes: true,
		},
	}
}

func kinds(ops []schema.Operation) []schema.Kind {
	var out []schema.Kind
	for _, op := range ops {
		out = append(out, op.Kind())
	}
	return out
}

func diffAndTransform(t *testing.T, prev, next *schema.Schema) []schema.Operation {
	ops, err := differ.Diff(prev, next, sqliteOptions())
	require.NoError(t, err)
	ops, err = Apply(ForDialect("sqlite3"), ops, &Context{Prev: prev, Next: next, Family: schema.FamilySQL})
	require.NoError(t, err)
	return ops
}

func TestSQLiteRecreate(t *testing.T) {
	items := schema.NewTable("items",
		schema.ID("id", schema.TypeInteger),
		schema.Col("price", schema.TypeInteger),
		schema.Col("note", schema.TypeString).WithNullable(),
	).WithUnique("uq_items_price", "price")
	prev := schema.NewSchema("1.0.0", items, schema.NewTable("logs", schema.ID("id", schema.TypeInteger)))

	Convey("修改列类型触发整表重建", t, func() {
		next := schema.NewSchema("2.0.0",
			schema.NewTable("items",
				schema.ID("id", schema.TypeInteger),
				schema.Col("price", schema.TypeDecimal),
				schema.Col("note", schema.TypeString).WithNullable(),
			).WithUnique("uq_items_price", "price"),
			schema.NewTable("logs", schema.ID("id", schema.TypeInteger), schema.Col("msg", schema.TypeString).WithNullable()),
		)

		ops := diffAndTransform(t, prev, next)
		So(kinds(ops), ShouldResemble, []schema.Kind{
			schema.KindCreateTable,
			schema.KindCustom,
			schema.KindDropTable,
			schema.KindRenameTable,
			schema.KindAddUniqueConstraint,
			schema.KindUpdateTable,
		})

		create := ops[0].(*schema.CreateTable)
		So(create.Table.PhysicalName(schema.FamilySQL), ShouldEqual, "__tmp_items")
		So(create.Table.Uniques, ShouldBeEmpty)

		copyData := ops[1].(*schema.Custom).Payload.(*schema.CopyData)
		So(len(copyData.Columns), ShouldEqual, 3)
		So(copyData.From.PhysicalName(schema.FamilySQL), ShouldEqual, "items")

		So(ops[2].(*schema.DropTable).Table.PhysicalName(schema.FamilySQL), ShouldEqual, "items")
		rename := ops[3].(*schema.RenameTable)
		So(rename.From, ShouldEqual, "__tmp_items")
		So(rename.To, ShouldEqual, "items")

		// logs 只新增可空列，不受影响
		So(ops[5].(*schema.UpdateTable).New.Name, ShouldEqual, "logs")
		for _, op := range ops {
			if u, ok := op.(*schema.UpdateTable); ok {
				So(u.New.Name, ShouldNotEqual, "items")
			}
		}
	})

	Convey("改名同时删除列时直接以新名建表", t, func() {
		next := schema.NewSchema("2.0.0",
			schema.NewTable("items",
				schema.ID("id", schema.TypeInteger),
				schema.Col("note", schema.TypeString).WithNullable(),
			).WithName(schema.FamilySQL, "products"),
			schema.NewTable("logs", schema.ID("id", schema.TypeInteger)),
		)

		ops := diffAndTransform(t, prev, next)
		So(kinds(ops), ShouldResemble, []schema.Kind{
			schema.KindCreateTable,
			schema.KindCustom,
			schema.KindDropTable,
		})
		So(ops[0].(*schema.CreateTable).Table.PhysicalName(schema.FamilySQL), ShouldEqual, "products")
		So(len(ops[1].(*schema.Custom).Payload.(*schema.CopyData).Columns), ShouldEqual, 2)
	})

	Convey("支持的操作保持不变", t, func() {
		next := schema.NewSchema("2.0.0",
			items.WithName(schema.FamilySQL, "goods"),
			schema.NewTable("logs", schema.ID("id", schema.TypeInteger),
				schema.Col("level", schema.TypeInteger).WithDefault(schema.Value(0))),
		)

		ops := diffAndTransform(t, prev, next)
		So(kinds(ops), ShouldResemble, []schema.Kind{schema.KindRenameTable, schema.KindUpdateTable})
	})

	Convey("新增唯一列或函数默认值的列需要重建", t, func() {
		for _, col := range []schema.Column{
			schema.Col("code", schema.TypeVarchar).WithNullable().WithUnique(),
			schema.Col("created_at", schema.TypeTimestamp).WithDefault(schema.Func(schema.FuncNow)),
			schema.Col("count", schema.TypeInteger),
		} {
			next := schema.NewSchema("2.0.0", items, schema.NewTable("logs", schema.ID("id", schema.TypeInteger), col))
			ops := diffAndTransform(t, prev, next)
			So(kinds(ops), ShouldResemble, []schema.Kind{
				schema.KindCreateTable,
				schema.KindCustom,
				schema.KindDropTable,
				schema.KindRenameTable,
			})
		}
	})
}

func TestExpandRecreate(t *testing.T) {
	users := schema.NewTable("users", schema.ID("id", schema.TypeInteger))
	old := schema.NewTable("posts",
		schema.ID("id", schema.TypeInteger),
		schema.Col("user_id", schema.TypeInteger),
	)
	next := old.WithForeignKey(schema.ForeignKey{
		Name: "fk_posts_user", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"},
	}).WithUnique("uq_posts_user", "user_id")
	refs := References(schema.NewSchema("1.0.0", users, next), next)

	ops := ExpandRecreate(&schema.RecreateTable{Old: old, New: next, ForeignKeys: refs}, schema.FamilySQL, false)
	assert.Equal(t, []schema.Kind{
		schema.KindCreateTable,
		schema.KindCustom,
		schema.KindDropTable,
		schema.KindRenameTable,
		schema.KindAddUniqueConstraint,
		schema.KindAddForeignKey,
	}, kinds(ops))
	assert.Empty(t, ops[0].(*schema.CreateTable).ForeignKeys)
	assert.Equal(t, "users", ops[5].(*schema.AddForeignKey).Ref.Name)

	ops = ExpandRecreate(&schema.RecreateTable{Old: old, New: next, ForeignKeys: refs}, schema.FamilySQL, true)
	assert.Len(t, ops[0].(*schema.CreateTable).ForeignKeys, 1)
	assert.Len(t, ops, 5)
}

func TestDropEmpty(t *testing.T) {
	table := schema.NewTable("t", schema.ID("id", schema.TypeInteger))
	ops, err := DropEmpty([]schema.Operation{
		&schema.UpdateTable{Old: table, New: table},
		nil,
		&schema.CreateTable{Table: table},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []schema.Kind{schema.KindCreateTable}, kinds(ops))
	assert.Len(t, ForDialect("mysql"), 1)
	assert.Len(t, ForDialect("sqlite3"), 2)
}
