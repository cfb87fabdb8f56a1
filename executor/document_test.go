package executor

import (
	"context"
	"testing"

	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/version"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDriver 内存中的 DocumentDriver
type memoryDriver struct {
	collections map[string][]map[string]any
	indexes     map[string]map[string][]string
	versions    map[string]*version.MemoryStore
	calls       []string
}

func newMemoryDriver() *memoryDriver {
	return &memoryDriver{
		collections: map[string][]map[string]any{},
		indexes:     map[string]map[string][]string{},
		versions:    map[string]*version.MemoryStore{},
	}
}

func (d *memoryDriver) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *memoryDriver) CreateCollection(ctx context.Context, name string) error {
	if _, ok := d.collections[name]; ok {
		return errors.Errorf("collection %s exists", name)
	}
	d.record("create " + name)
	d.collections[name] = nil
	d.indexes[name] = map[string][]string{}
	return nil
}

func (d *memoryDriver) DropCollection(ctx context.Context, name string) error {
	d.record("drop " + name)
	delete(d.collections, name)
	delete(d.indexes, name)
	return nil
}

func (d *memoryDriver) RenameCollection(ctx context.Context, from, to string) error {
	d.record("rename " + from + " " + to)
	d.collections[to] = d.collections[from]
	d.indexes[to] = d.indexes[from]
	delete(d.collections, from)
	delete(d.indexes, from)
	return nil
}

func (d *memoryDriver) SetField(ctx context.Context, collection, field string, value any) error {
	for _, doc := range d.collections[collection] {
		if _, ok := doc[field]; !ok {
			doc[field] = value
		}
	}
	return nil
}

func (d *memoryDriver) UnsetField(ctx context.Context, collection, field string) error {
	for _, doc := range d.collections[collection] {
		delete(doc, field)
	}
	return nil
}

func (d *memoryDriver) RenameField(ctx context.Context, collection, from, to string) error {
	for _, doc := range d.collections[collection] {
		if v, ok := doc[from]; ok {
			doc[to] = v
			delete(doc, from)
		}
	}
	return nil
}

func (d *memoryDriver) CreateUniqueIndex(ctx context.Context, collection, name string, fields []string) error {
	d.record("index " + collection + " " + name)
	if d.indexes[collection] == nil {
		d.indexes[collection] = map[string][]string{}
	}
	d.indexes[collection][name] = fields
	return nil
}

func (d *memoryDriver) DropIndex(ctx context.Context, collection, name string) error {
	d.record("dropIndex " + collection + " " + name)
	if _, ok := d.indexes[collection][name]; !ok {
		return errors.Errorf("index %s not found", name)
	}
	delete(d.indexes[collection], name)
	return nil
}

func (d *memoryDriver) Each(ctx context.Context, collection string, fn func(doc map[string]any) error) error {
	for _, doc := range d.collections[collection] {
		copied := map[string]any{}
		for k, v := range doc {
			copied[k] = v
		}
		if err := fn(copied); err != nil {
			return err
		}
	}
	return nil
}

func (d *memoryDriver) Patch(ctx context.Context, collection string, id any, set map[string]any) error {
	for _, doc := range d.collections[collection] {
		if doc["_id"] == id {
			for k, v := range set {
				doc[k] = v
			}
			return nil
		}
	}
	return errors.Errorf("document %v not found", id)
}

func (d *memoryDriver) Insert(ctx context.Context, collection string, docs []map[string]any) error {
	d.collections[collection] = append(d.collections[collection], docs...)
	return nil
}

func (d *memoryDriver) Versions(namespace string) version.Store {
	if d.versions[namespace] == nil {
		d.versions[namespace] = version.NewMemoryStoreWithOptions(nil)
	}
	return d.versions[namespace]
}

func (d *memoryDriver) Close(ctx context.Context) error {
	return nil
}

func TestDocumentExecute(t *testing.T) {
	Convey("文档执行器", t, func() {
		ctx := context.Background()
		driver := newMemoryDriver()
		exec, err := NewDocument("memory", driver, &DocumentOptions{Namespace: "test", BatchSize: 2})
		So(err, ShouldBeNil)

		users := schema.NewTable("users",
			schema.ID("id", schema.TypeString).WithName(schema.FamilyDocument, "_id"),
			schema.Col("email", schema.TypeString).WithUnique(),
			schema.Col("age", schema.TypeString).WithNullable(),
		)
		So(exec.Execute(ctx, []schema.Operation{
			&schema.CreateTable{Table: users},
			&schema.UpdateVersion{Version: "1.0.0"},
		}), ShouldBeNil)
		So(driver.indexes["users"]["uq_users_email"], ShouldResemble, []string{"email"})
		v, _, _ := exec.Versions().Get(ctx)
		So(v, ShouldEqual, "1.0.0")

		So(driver.Insert(ctx, "users", []map[string]any{
			{"_id": "u1", "email": "a@example.com", "age": "18"},
			{"_id": "u2", "email": "b@example.com", "age": nil},
			{"_id": "u3", "email": "c@example.com"},
		}), ShouldBeNil)

		Convey("新增字段回填默认值", func() {
			status := schema.Col("status", schema.TypeString).WithDefault(schema.Value("active"))
			seq := schema.Col("seq", schema.TypeBigInt).WithDefault(schema.Func(schema.FuncAutoIncrement))
			token := schema.Col("token", schema.TypeString).WithDefault(schema.Func(schema.FuncUUID))
			So(exec.Execute(ctx, []schema.Operation{&schema.UpdateTable{Old: users, New: users, Columns: []schema.ColumnOperation{
				&schema.CreateColumn{Column: &status},
				&schema.CreateColumn{Column: &seq},
				&schema.CreateColumn{Column: &token},
			}}}), ShouldBeNil)

			docs := driver.collections["users"]
			So(docs[0]["status"], ShouldEqual, "active")
			So(docs[2]["status"], ShouldEqual, "active")
			So(docs[0]["seq"], ShouldEqual, int64(1))
			So(docs[2]["seq"], ShouldEqual, int64(3))
			So(docs[0]["token"], ShouldNotEqual, docs[1]["token"])
			So(docs[0]["token"], ShouldHaveLength, 36)
		})

		Convey("修改类型逐个文档转换", func() {
			age := users.Column("age").Clone()
			age.Type = schema.TypeInteger
			So(exec.Execute(ctx, []schema.Operation{&schema.UpdateTable{Old: users, New: users, Columns: []schema.ColumnOperation{
				&schema.UpdateColumn{Old: users.Column("age"), New: age, Dirty: schema.Dirty{Type: true}},
			}}}), ShouldBeNil)
			docs := driver.collections["users"]
			So(docs[0]["age"], ShouldEqual, int32(18))
			So(docs[1]["age"], ShouldBeNil)
			_, ok := docs[2]["age"]
			So(ok, ShouldBeFalse)

			Convey("无法转换时报错", func() {
				driver.collections["users"][0]["age"] = "eighteen"
				bad := age.Clone()
				bad.Type = schema.TypeTimestamp
				err := exec.Execute(ctx, []schema.Operation{&schema.UpdateTable{Old: users, New: users, Columns: []schema.ColumnOperation{
					&schema.UpdateColumn{Old: age, New: bad, Dirty: schema.Dirty{Type: true}},
				}}})
				So(err, ShouldNotBeNil)
				So(errors.Is(err, ErrCoerce), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "u1")
			})
		})

		Convey("变为非空时填充默认值", func() {
			age := users.Column("age").Clone()
			age.Nullable = false
			age.Default = schema.Value("0")
			So(exec.Execute(ctx, []schema.Operation{&schema.UpdateTable{Old: users, New: users, Columns: []schema.ColumnOperation{
				&schema.UpdateColumn{Old: users.Column("age"), New: age, Dirty: schema.Dirty{Nullable: true, Default: true}},
			}}}), ShouldBeNil)
			docs := driver.collections["users"]
			So(docs[0]["age"], ShouldEqual, "18")
			So(docs[1]["age"], ShouldEqual, "0")
			So(docs[2]["age"], ShouldEqual, "0")
		})

		Convey("重命名和删除字段，唯一索引", func() {
			email := users.Column("email").Clone()
			email.Unique = false
			So(exec.Execute(ctx, []schema.Operation{
				&schema.UpdateTable{Old: users, New: users, Columns: []schema.ColumnOperation{
					&schema.RenameColumn{Old: users.Column("age"), New: users.Column("age"), From: "age", To: "years"},
					&schema.UpdateColumn{Old: users.Column("email"), New: email, Dirty: schema.Dirty{Unique: true}},
					&schema.DropColumn{Column: email},
				}},
				&schema.AddForeignKey{Table: users, Reference: schema.Reference{ForeignKey: &schema.ForeignKey{Name: "fk"}, Ref: users}},
			}), ShouldBeNil)
			docs := driver.collections["users"]
			So(docs[0]["years"], ShouldEqual, "18")
			_, ok := docs[0]["email"]
			So(ok, ShouldBeFalse)
			So(driver.indexes["users"], ShouldBeEmpty)
		})

		Convey("整表重建复制文档", func() {
			next := schema.NewTable("users",
				schema.ID("id", schema.TypeString).WithName(schema.FamilyDocument, "_id"),
				schema.Col("email", schema.TypeString).WithName(schema.FamilyDocument, "mail"),
			).WithUnique("uq_users_mail", "email")
			So(exec.Execute(ctx, []schema.Operation{&schema.RecreateTable{Old: users, New: next}}), ShouldBeNil)
			docs := driver.collections["users"]
			So(docs, ShouldHaveLength, 3)
			So(docs[0], ShouldResemble, map[string]any{"_id": "u1", "mail": "a@example.com"})
			So(driver.indexes["users"]["uq_users_mail"], ShouldResemble, []string{"mail"})
			_, ok := driver.collections["__tmp_users"]
			So(ok, ShouldBeFalse)
			So(driver.calls, ShouldContain, "rename __tmp_users users")
		})

		Convey("自定义操作", func() {
			called := false
			So(exec.Execute(ctx, []schema.Operation{&schema.Custom{Payload: DocumentAction(func(ctx context.Context, d DocumentDriver) error {
				called = true
				return d.DropCollection(ctx, "users")
			})}}), ShouldBeNil)
			So(called, ShouldBeTrue)

			err := exec.Execute(ctx, []schema.Operation{&schema.Custom{Payload: "db.users.drop()"}})
			So(errors.Is(err, ErrUnsupported), ShouldBeTrue)
		})
	})
}

func TestDocumentCompileToText(t *testing.T) {
	exec, err := NewDocument("memory", newMemoryDriver(), nil)
	require.NoError(t, err)

	users := schema.NewTable("users",
		schema.ID("id", schema.TypeString),
		schema.Col("email", schema.TypeString).WithUnique(),
	)
	status := schema.Col("status", schema.TypeString).WithDefault(schema.Value("active"))
	text, err := exec.CompileToText([]schema.Operation{
		&schema.CreateTable{Table: users},
		&schema.UpdateTable{Old: users, New: users, Columns: []schema.ColumnOperation{&schema.CreateColumn{Column: &status}}},
		&schema.UpdateVersion{Version: "1.0.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, `// create-table users
db.createCollection("users")
db.getCollection("users").createIndex({"email": 1}, {"name": "uq_users_email", "unique": true})

// update-table users [create-column status]
db.getCollection("users").updateMany({"status": {"$exists": false}}, {"$set": {"status": "active"}})

// update-version 1.0.0
db.getCollection("schemax_schema_version").updateOne({"_id": "current"}, {"$set": {"version": "1.0.0"}}, {"upsert": true})
`, text)

	assert.Equal(t, schema.FamilyDocument, exec.Family())
	assert.True(t, exec.Capabilities().NativeDefaultFuncs[schema.FuncAutoIncrement])
}
