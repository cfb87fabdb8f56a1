package introspect

import (
	"context"
	"testing"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/executor"
	"github.com/hatlonely/schemax/schema"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func declaredSchema() *schema.Schema {
	users := schema.NewTable("users",
		schema.ID("id", schema.TypeBigInt).WithDefault(schema.Func(schema.FuncAutoIncrement)),
		schema.Col("email", schema.TypeVarchar).WithSize(64).WithUnique(),
		schema.Col("name", schema.TypeString).WithDefault(schema.Value("anon")),
		schema.Col("age", schema.TypeInteger).WithNullable(),
		schema.Col("active", schema.TypeBoolean).WithDefault(schema.Value(true)),
		schema.Col("created_at", schema.TypeTimestamp).WithDefault(schema.Func(schema.FuncNow)),
	)
	posts := schema.NewTable("posts",
		schema.ID("id", schema.TypeBigInt).WithDefault(schema.Func(schema.FuncAutoIncrement)),
		schema.Col("title", schema.TypeVarchar).WithName(schema.FamilySQL, "headline"),
		schema.Col("user_id", schema.TypeBigInt),
		schema.Col("score", schema.TypeDecimal).WithDefault(schema.Value(1.5)),
	).WithName(schema.FamilySQL, "articles").
		WithForeignKey(schema.ForeignKey{
			Name:       "fk_posts_user",
			Columns:    []string{"user_id"},
			RefTable:   "users",
			RefColumns: []string{"id"},
			OnDelete:   schema.ActionCascade,
		}).
		WithUnique("uq_posts_user_title", "user_id", "title")
	return schema.NewSchema("1.0.0", users, posts)
}

func newExecutor(t *testing.T) *executor.SQL {
	exec, err := executor.NewSQLWithOptions(&executor.SQLOptions{Driver: "sqlite3", Database: ":memory:", Namespace: "test", MaxConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	return exec
}

func sqliteOptions(exec *executor.SQL) *differ.Options {
	return &differ.Options{Family: schema.FamilySQL, Capabilities: exec.Capabilities()}
}

func TestSQLiteIntrospect(t *testing.T) {
	Convey("sqlite 读取结构", t, func() {
		ctx := context.Background()
		exec := newExecutor(t)
		declared := declaredSchema()

		ops, err := differ.Diff(schema.Zero(), declared, sqliteOptions(exec))
		So(err, ShouldBeNil)
		So(exec.Execute(ctx, append(ops, &schema.UpdateVersion{Version: declared.Version})), ShouldBeNil)

		actual, err := NewSQLite(exec.DB()).Introspect(ctx, declared)
		So(err, ShouldBeNil)

		Convey("与声明没有差异", func() {
			ops, err := differ.Diff(actual, declared, sqliteOptions(exec))
			So(err, ShouldBeNil)
			So(ops, ShouldBeEmpty)
		})

		Convey("版本记录表被忽略", func() {
			So(actual.Tables, ShouldHaveLength, 2)
			So(actual.Table("users"), ShouldNotBeNil)
		})

		Convey("物理名映射回逻辑名", func() {
			posts := actual.Table("posts")
			So(posts, ShouldNotBeNil)
			So(posts.PhysicalName(schema.FamilySQL), ShouldEqual, "articles")
			So(posts.Column("title").PhysicalName(schema.FamilySQL), ShouldEqual, "headline")
			So(posts.Column("title").Type, ShouldEqual, schema.TypeVarchar)
			So(posts.Unique("uq_posts_user_title").Columns, ShouldResemble, []string{"user_id", "title"})

			fk := posts.ForeignKey("fk_posts_user")
			So(fk, ShouldNotBeNil)
			So(fk.RefTable, ShouldEqual, "users")
			So(fk.OnDelete, ShouldEqual, schema.ActionCascade)
			So(fk.OnUpdate.OrRestrict(), ShouldEqual, schema.ActionRestrict)
		})

		Convey("列属性", func() {
			users := actual.Table("users")
			So(users.PrimaryColumn().Name, ShouldEqual, "id")
			So(users.PrimaryColumn().Default.Func, ShouldEqual, schema.FuncAutoIncrement)
			So(users.Column("email").Unique, ShouldBeTrue)
			So(users.Column("email").Size, ShouldEqual, 64)
			So(users.Column("age").Nullable, ShouldBeTrue)
			So(users.Column("name").Nullable, ShouldBeFalse)
			So(users.Column("created_at").Default.Func, ShouldEqual, schema.FuncNow)
		})

		Convey("库中被改动后可以发现差异", func() {
			_, err := exec.DB().ExecContext(ctx, `ALTER TABLE "users" ADD COLUMN "nickname" TEXT`)
			So(err, ShouldBeNil)

			actual, err := NewSQLite(exec.DB()).Introspect(ctx, declared)
			So(err, ShouldBeNil)
			So(actual.Table("users").Column("nickname"), ShouldNotBeNil)

			options := sqliteOptions(exec)
			options.DropUnusedColumns = true
			ops, err := differ.Diff(actual, declared, options)
			So(err, ShouldBeNil)
			So(ops, ShouldHaveLength, 1)
			So(schema.Describe(ops[0]), ShouldContainSubstring, "nickname")
		})

		Convey("没有声明时使用物理名", func() {
			actual, err := NewSQLite(exec.DB()).Introspect(ctx, nil)
			So(err, ShouldBeNil)
			So(actual.Table("articles"), ShouldNotBeNil)
			So(actual.Table("articles").Column("headline").Type, ShouldEqual, schema.TypeString)
		})
	})
}

func TestPredict(t *testing.T) {
	varchar := schema.Col("code", schema.TypeVarchar).WithSize(32)
	json := schema.Col("payload", schema.TypeJSON)

	for _, c := range []struct {
		physical string
		declared *schema.Column
		identity bool
		typ      schema.Type
		size     int
	}{
		{"TEXT", nil, false, schema.TypeString, 0},
		{"TEXT", nil, true, schema.TypeVarchar, 0},
		{"TEXT", &varchar, false, schema.TypeVarchar, 32},
		{"TEXT", &json, false, schema.TypeJSON, 0},
		{"VARCHAR(64)", nil, false, schema.TypeVarchar, 64},
		{"varchar(64)", &varchar, false, schema.TypeVarchar, 64},
		{"character varying(10)", nil, false, schema.TypeVarchar, 10},
		{"INTEGER", nil, false, schema.TypeInteger, 0},
		{"tinyint(1)", nil, false, schema.TypeBoolean, 0},
		{"int(11) unsigned", nil, false, schema.TypeInteger, 0},
		{"DOUBLE PRECISION", nil, false, schema.TypeDecimal, 0},
		{"jsonb", nil, false, schema.TypeJSON, 0},
		{"bytea", nil, false, schema.TypeBinary, 0},
		{"timestamp(3) without time zone", nil, false, schema.TypeTimestamp, 0},
		{"DATETIME2(3)", nil, false, schema.TypeTimestamp, 0},
		{"geometry", nil, false, schema.TypeString, 0},
	} {
		typ, size := Predict(c.physical, c.declared, c.identity)
		assert.Equal(t, c.typ, typ, c.physical)
		assert.Equal(t, c.size, size, c.physical)
	}
}

func TestParseDefault(t *testing.T) {
	sqlite, err := executor.NewDialect("sqlite3")
	require.NoError(t, err)
	postgres, err := executor.NewDialect("pgx")
	require.NoError(t, err)

	Convey("默认值表达式还原", t, func() {
		So(parseDefault(sqlite, "NULL", nil), ShouldBeNil)
		So(parseDefault(sqlite, "", nil), ShouldBeNil)
		So(parseDefault(sqlite, "CURRENT_TIMESTAMP", nil).Func, ShouldEqual, schema.FuncNow)
		So(parseDefault(sqlite, "'it''s'", nil).Value, ShouldEqual, "it's")
		So(parseDefault(sqlite, "42", nil).Value, ShouldEqual, int64(42))
		So(parseDefault(sqlite, "1.5", nil).Value, ShouldEqual, 1.5)
		So(parseDefault(postgres, "'guest'::character varying", nil).Value, ShouldEqual, "guest")
		So(parseDefault(postgres, "gen_random_uuid()", nil).Func, ShouldEqual, schema.FuncUUID)
		So(parseDefault(postgres, "true", nil).Value, ShouldEqual, true)
		So(parseDefault(postgres, "nextval('users_id_seq'::regclass)", nil).Func, ShouldEqual, schema.FuncAutoIncrement)

		Convey("与声明的字面值一致时使用声明", func() {
			c := schema.Col("active", schema.TypeBoolean).WithDefault(schema.Value(true))
			So(parseDefault(sqlite, "1", &c), ShouldEqual, c.Default)
			So(parseDefault(sqlite, "0", &c).Value, ShouldEqual, int64(0))
		})
	})
}

func TestNewInformationSchema(t *testing.T) {
	_, err := NewInformationSchema(nil, "sqlite3", "")
	assert.Error(t, err)
	_, err = NewInformationSchema(nil, "oracle", "")
	assert.Error(t, err)

	s, err := NewInformationSchema(nil, "pgx", "")
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.bind("SELECT a FROM t WHERE x = ? AND y = ?"))

	m, err := NewInformationSchema(nil, "mysql", "app")
	require.NoError(t, err)
	assert.Equal(t, "x = ?", m.bind("x = ?"))
	name, err := m.schemaName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "app", name)
}
