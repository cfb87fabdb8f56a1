package executor

import (
	"testing"
	"time"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/schema"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersTable() *schema.Table {
	return schema.NewTable("users",
		schema.ID("id", schema.TypeBigInt).WithDefault(schema.Func(schema.FuncAutoIncrement)),
		schema.Col("email", schema.TypeVarchar).WithSize(128).WithUnique(),
		schema.Col("name", schema.TypeString).WithDefault(schema.Value("anon")),
		schema.Col("created_at", schema.TypeTimestamp).WithDefault(schema.Func(schema.FuncNow)),
	)
}

func mustDialect(t *testing.T, driver string) *Dialect {
	d, err := NewDialect(driver)
	require.NoError(t, err)
	return d
}

func TestDialectCreateTable(t *testing.T) {
	Convey("建表语句", t, func() {
		op := &schema.CreateTable{Table: usersTable()}

		Convey("sqlite", func() {
			stmts, err := mustDialect(t, "sqlite3").Compile(op)
			So(err, ShouldBeNil)
			So(stmts, ShouldHaveLength, 1)
			So(stmts[0], ShouldEqual, "CREATE TABLE \"users\" (\n"+
				"  \"id\" INTEGER PRIMARY KEY AUTOINCREMENT,\n"+
				"  \"email\" TEXT NOT NULL UNIQUE,\n"+
				"  \"name\" TEXT NOT NULL DEFAULT 'anon',\n"+
				"  \"created_at\" TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP\n"+
				")")
		})

		Convey("postgres", func() {
			stmts, err := mustDialect(t, "pgx").Compile(op)
			So(err, ShouldBeNil)
			So(stmts, ShouldHaveLength, 2)
			So(stmts[0], ShouldContainSubstring, `"id" BIGINT GENERATED BY DEFAULT AS IDENTITY NOT NULL PRIMARY KEY`)
			So(stmts[0], ShouldContainSubstring, `"email" VARCHAR(128) NOT NULL,`)
			So(stmts[0], ShouldContainSubstring, `"created_at" TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP`)
			So(stmts[1], ShouldEqual, `ALTER TABLE "users" ADD CONSTRAINT "uq_users_email" UNIQUE ("email")`)
		})

		Convey("mysql 的 TEXT 列不带默认值", func() {
			stmts, err := mustDialect(t, "mysql").Compile(op)
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring, "`id` BIGINT AUTO_INCREMENT NOT NULL PRIMARY KEY")
			So(stmts[0], ShouldContainSubstring, "`name` TEXT NOT NULL,")
			So(stmts[0], ShouldContainSubstring, "`created_at` DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)")
			So(stmts[1], ShouldEqual, "ALTER TABLE `users` ADD CONSTRAINT `uq_users_email` UNIQUE (`email`)")
		})

		Convey("sqlserver 使用命名的默认值约束和过滤唯一索引", func() {
			stmts, err := mustDialect(t, "sqlserver").Compile(op)
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring, "[id] BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY")
			So(stmts[0], ShouldContainSubstring, "[name] NVARCHAR(MAX) NOT NULL CONSTRAINT [DF_users_name] DEFAULT N'anon'")
			So(stmts[1], ShouldEqual, "CREATE UNIQUE INDEX [uq_users_email] ON [users] ([email]) WHERE [email] IS NOT NULL")
		})

		Convey("内联外键", func() {
			posts := schema.NewTable("posts",
				schema.ID("id", schema.TypeBigInt),
				schema.Col("author_id", schema.TypeBigInt),
			).WithForeignKey(schema.ForeignKey{
				Name: "fk_posts_author", Columns: []string{"author_id"},
				RefTable: "users", RefColumns: []string{"id"}, OnDelete: schema.ActionCascade,
			})
			op := &schema.CreateTable{Table: posts, ForeignKeys: []schema.Reference{{ForeignKey: posts.ForeignKeys[0], Ref: usersTable()}}}
			stmts, err := mustDialect(t, "sqlite3").Compile(op)
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring,
				`CONSTRAINT "fk_posts_author" FOREIGN KEY ("author_id") REFERENCES "users" ("id") ON DELETE CASCADE ON UPDATE RESTRICT`)
		})
	})
}

func TestDialectUpdateTable(t *testing.T) {
	Convey("列变更", t, func() {
		old := usersTable()
		next := old.WithName(schema.FamilySQL, "members")
		email := old.Column("email")
		loose := email.Clone()
		loose.Type = schema.TypeString
		loose.Unique = false
		loose.Nullable = true
		age := schema.Col("age", schema.TypeInteger).WithNullable()

		op := &schema.UpdateTable{Old: old, New: next, Columns: []schema.ColumnOperation{
			&schema.RenameColumn{Old: old.Column("name"), New: old.Column("name"), From: "name", To: "full_name"},
			&schema.CreateColumn{Column: &age},
			&schema.UpdateColumn{Old: email, New: loose, Dirty: schema.Dirty{Type: true, Nullable: true, Unique: true}},
			&schema.DropColumn{Column: old.Column("name")},
		}}

		Convey("postgres", func() {
			stmts, err := mustDialect(t, "postgres").Compile(op)
			So(err, ShouldBeNil)
			So(stmts, ShouldResemble, []string{
				`ALTER TABLE "members" RENAME COLUMN "name" TO "full_name"`,
				`ALTER TABLE "members" ADD COLUMN "age" INTEGER NULL`,
				`ALTER TABLE "members" ALTER COLUMN "email" TYPE TEXT USING "email"::TEXT`,
				`ALTER TABLE "members" ALTER COLUMN "email" DROP NOT NULL`,
				`ALTER TABLE "members" DROP CONSTRAINT "uq_users_email"`,
				`ALTER TABLE "members" DROP COLUMN "name"`,
			})
		})

		Convey("mysql", func() {
			stmts, err := mustDialect(t, "mysql").Compile(op)
			So(err, ShouldBeNil)
			So(stmts[2], ShouldEqual, "ALTER TABLE `members` DROP INDEX `uq_users_email`")
			So(stmts[3], ShouldEqual, "ALTER TABLE `members` MODIFY COLUMN `email` TEXT NULL")
		})

		Convey("sqlserver 先删索引再改类型", func() {
			stmts, err := mustDialect(t, "sqlserver").Compile(op)
			So(err, ShouldBeNil)
			So(stmts, ShouldResemble, []string{
				"EXEC sp_rename N'members.name', N'full_name', 'COLUMN'",
				"ALTER TABLE [members] ADD [age] INT NULL",
				"DROP INDEX [uq_users_email] ON [members]",
				"ALTER TABLE [members] ALTER COLUMN [email] NVARCHAR(MAX) NULL",
				"ALTER TABLE [members] DROP CONSTRAINT [DF_users_name]",
				"ALTER TABLE [members] DROP COLUMN [name]",
			})
		})

		Convey("sqlite 不支持修改列", func() {
			_, err := mustDialect(t, "sqlite3").Compile(op)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, ErrUnsupported.Error())
		})
	})
}

func keyedSchemas() (*schema.Schema, *schema.Schema) {
	accounts := schema.NewTable("accounts",
		schema.ID("id", schema.TypeString),
		schema.Col("handle", schema.TypeString),
		schema.Col("region", schema.TypeString),
	)
	posts := schema.NewTable("posts",
		schema.ID("id", schema.TypeBigInt),
		schema.Col("author_id", schema.TypeString),
	).WithForeignKey(schema.ForeignKey{
		Name: "fk_posts_author", Columns: []string{"author_id"},
		RefTable: "accounts", RefColumns: []string{"id"},
	})
	return schema.NewSchema("1.0.0", accounts, posts),
		schema.NewSchema("2.0.0", accounts.WithUnique("uq_accounts_handle_region", "handle", "region"), posts)
}

func compileAll(t *testing.T, d *Dialect, ops []schema.Operation) []string {
	var out []string
	for _, op := range ops {
		stmts, err := d.Compile(op)
		require.NoError(t, err)
		out = append(out, stmts...)
	}
	return out
}

func TestDialectKeyedString(t *testing.T) {
	Convey("索引中的 string 列使用可索引的类型", t, func() {
		v1, v2 := keyedSchemas()

		Convey("外键列和联合唯一约束的列", func() {
			mysql := mustDialect(t, "mysql")
			posts := v2.Table("posts")
			stmts, err := mysql.Compile(&schema.CreateTable{Table: v2.Table("accounts")})
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring, "`id` VARCHAR(191) NOT NULL PRIMARY KEY")
			So(stmts[0], ShouldContainSubstring, "`handle` VARCHAR(191) NOT NULL")
			So(stmts[0], ShouldContainSubstring, "`region` VARCHAR(191) NOT NULL")
			So(stmts[1], ShouldEqual, "ALTER TABLE `accounts` ADD CONSTRAINT `uq_accounts_handle_region` UNIQUE (`handle`, `region`)")

			stmts, err = mysql.Compile(&schema.CreateTable{Table: posts})
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring, "`author_id` VARCHAR(191) NOT NULL")

			mssql := mustDialect(t, "sqlserver")
			stmts, err = mssql.Compile(&schema.CreateTable{Table: posts})
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring, "[author_id] NVARCHAR(450) NOT NULL")
			stmts, err = mssql.Compile(&schema.CreateTable{Table: v1.Table("accounts")})
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring, "[handle] NVARCHAR(MAX) NOT NULL")

			pg := mustDialect(t, "postgres")
			stmts, err = pg.Compile(&schema.CreateTable{Table: posts})
			So(err, ShouldBeNil)
			So(stmts[0], ShouldContainSubstring, `"author_id" TEXT NOT NULL`)
		})

		Convey("加入联合唯一约束前修改类型，移出之后改回", func() {
			mysql := mustDialect(t, "mysql")
			options := &differ.Options{Family: schema.FamilySQL, Capabilities: mysql.Capabilities()}

			ops, err := differ.Diff(v1, v2, options)
			So(err, ShouldBeNil)
			So(compileAll(t, mysql, ops), ShouldResemble, []string{
				"ALTER TABLE `accounts` MODIFY COLUMN `handle` VARCHAR(191) NOT NULL",
				"ALTER TABLE `accounts` MODIFY COLUMN `region` VARCHAR(191) NOT NULL",
				"ALTER TABLE `accounts` ADD CONSTRAINT `uq_accounts_handle_region` UNIQUE (`handle`, `region`)",
			})

			ops, err = differ.Diff(v2, v1, options)
			So(err, ShouldBeNil)
			So(compileAll(t, mysql, ops), ShouldResemble, []string{
				"ALTER TABLE `accounts` DROP INDEX `uq_accounts_handle_region`",
				"ALTER TABLE `accounts` MODIFY COLUMN `handle` TEXT NOT NULL",
				"ALTER TABLE `accounts` MODIFY COLUMN `region` TEXT NOT NULL",
			})

			mssql := mustDialect(t, "sqlserver")
			ops, err = differ.Diff(v1, v2, &differ.Options{Family: schema.FamilySQL, Capabilities: mssql.Capabilities()})
			So(err, ShouldBeNil)
			So(compileAll(t, mssql, ops), ShouldResemble, []string{
				"ALTER TABLE [accounts] ALTER COLUMN [handle] NVARCHAR(450) NOT NULL",
				"ALTER TABLE [accounts] ALTER COLUMN [region] NVARCHAR(450) NOT NULL",
				"CREATE UNIQUE INDEX [uq_accounts_handle_region] ON [accounts] ([handle], [region]) WHERE [handle] IS NOT NULL AND [region] IS NOT NULL",
			})

			pg := mustDialect(t, "postgres")
			ops, err = differ.Diff(v1, v2, &differ.Options{Family: schema.FamilySQL, Capabilities: pg.Capabilities()})
			So(err, ShouldBeNil)
			So(compileAll(t, pg, ops), ShouldResemble, []string{
				`ALTER TABLE "accounts" ADD CONSTRAINT "uq_accounts_handle_region" UNIQUE ("handle", "region")`,
			})
		})

		Convey("只切换唯一标志", func() {
			accounts := v1.Table("accounts")
			handle := accounts.Column("handle")
			unique := handle.Clone()
			unique.Unique = true
			next := accounts.Clone()
			next.Columns[1] = unique

			mysql := mustDialect(t, "mysql")
			stmts, err := mysql.Compile(&schema.UpdateTable{Old: accounts, New: next, Columns: []schema.ColumnOperation{
				&schema.UpdateColumn{Old: handle, New: unique, Dirty: schema.Dirty{Unique: true}},
			}})
			So(err, ShouldBeNil)
			So(stmts, ShouldResemble, []string{
				"ALTER TABLE `accounts` MODIFY COLUMN `handle` VARCHAR(191) NOT NULL",
				"ALTER TABLE `accounts` ADD CONSTRAINT `uq_accounts_handle` UNIQUE (`handle`)",
			})

			stmts, err = mysql.Compile(&schema.UpdateTable{Old: next, New: accounts, Columns: []schema.ColumnOperation{
				&schema.UpdateColumn{Old: unique, New: handle, Dirty: schema.Dirty{Unique: true}},
			}})
			So(err, ShouldBeNil)
			So(stmts, ShouldResemble, []string{
				"ALTER TABLE `accounts` DROP INDEX `uq_accounts_handle`",
				"ALTER TABLE `accounts` MODIFY COLUMN `handle` TEXT NOT NULL",
			})
		})
	})
}

func TestDialectMisc(t *testing.T) {
	pg := mustDialect(t, "postgres")
	sqlite := mustDialect(t, "sqlite")
	mssql := mustDialect(t, "mssql")
	mysql := mustDialect(t, "mysql")

	_, err := NewDialect("oracle")
	assert.Error(t, err)

	assert.True(t, pg.Transactional())
	assert.False(t, mysql.Transactional())
	assert.True(t, pg.Capabilities().NativeDefaultFuncs[schema.FuncUUID])
	assert.False(t, sqlite.Capabilities().NativeDefaultFuncs[schema.FuncUUID])
	assert.True(t, sqlite.Capabilities().InlineForeignKeys)
	assert.False(t, mssql.Capabilities().AutoDropsUniqueIndexes)

	lit, err := pg.Literal(true, schema.TypeBoolean)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", lit)
	lit, _ = mysql.Literal(true, schema.TypeBoolean)
	assert.Equal(t, "1", lit)
	lit, _ = mssql.Literal("it's", schema.TypeString)
	assert.Equal(t, "N'it''s'", lit)
	lit, _ = pg.Literal([]byte{0xab, 0x01}, schema.TypeBinary)
	assert.Equal(t, `'\xab01'`, lit)
	lit, _ = sqlite.Literal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), schema.TypeDate)
	assert.Equal(t, "'2024-01-02'", lit)
	lit, _ = sqlite.Literal(map[string]any{"a": 1}, schema.TypeJSON)
	assert.Equal(t, `'{"a":1}'`, lit)

	stmts, err := mysql.Compile(&schema.RenameTable{From: "a", To: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"RENAME TABLE `a` TO `b`"}, stmts)
	stmts, _ = mssql.Compile(&schema.RenameTable{From: "a", To: "b"})
	assert.Equal(t, []string{"EXEC sp_rename N'a', N'b'"}, stmts)

	fk := &schema.ForeignKey{Name: "fk", Columns: []string{"author_id"}, RefTable: "users", RefColumns: []string{"id"}}
	posts := schema.NewTable("posts", schema.ID("id", schema.TypeBigInt), schema.Col("author_id", schema.TypeBigInt))
	stmts, err = mssql.Compile(&schema.AddForeignKey{Table: posts, Reference: schema.Reference{ForeignKey: fk, Ref: usersTable()}})
	require.NoError(t, err)
	assert.Equal(t, "ALTER TABLE [posts] ADD CONSTRAINT [fk] FOREIGN KEY ([author_id]) REFERENCES [users] ([id]) ON DELETE NO ACTION ON UPDATE NO ACTION", stmts[0])
	stmts, _ = mysql.Compile(&schema.DropForeignKey{Table: posts, ForeignKey: fk})
	assert.Equal(t, "ALTER TABLE `posts` DROP FOREIGN KEY `fk`", stmts[0])
	_, err = sqlite.Compile(&schema.AddForeignKey{Table: posts, Reference: schema.Reference{ForeignKey: fk, Ref: usersTable()}})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = pg.Compile(&schema.RecreateTable{Old: posts, New: posts})
	assert.ErrorIs(t, err, ErrUnsupported)

	copyOp := &schema.Custom{Payload: &schema.CopyData{From: posts, To: posts.WithName(schema.FamilySQL, "__tmp_posts"), Columns: schema.SharedColumns(posts, posts)}}
	stmts, err = pg.Compile(copyOp)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "__tmp_posts" ("id", "author_id") SELECT "id", "author_id" FROM "posts"`, stmts[0])
	_, err = pg.Compile(&schema.Custom{Payload: 42})
	assert.ErrorIs(t, err, ErrUnsupported)
}
