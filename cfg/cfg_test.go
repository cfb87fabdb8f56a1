package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	. "github.com/smartystreets/goconvey/convey"
)

type databaseOptions struct {
	Driver   string        `cfg:"driver" def:"sqlite3" validate:"oneof=sqlite3 mysql pgx"`
	DSN      string        `cfg:"dsn" validate:"required"`
	MaxConns int           `cfg:"maxConns" def:"10"`
	Timeout  time.Duration `cfg:"timeout" def:"3s"`
}

type appOptions struct {
	Namespace string           `cfg:"namespace" def:"schemax"`
	Database  databaseOptions  `cfg:"database"`
	Tags      []string         `cfg:"tags"`
	Labels    map[string]string `cfg:"labels"`
	Extra     any              `cfg:"extra"`
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	Convey("加载不同格式的配置文件", t, func() {
		Convey("yaml", func() {
			path := writeFile(t, "app.yaml", `
database:
  dsn: ":memory:"
  maxConns: 3
tags: [a, b]
labels:
  env: test
extra:
  key: value
`)
			var options appOptions
			So(Load(path, &options), ShouldBeNil)
			So(options.Namespace, ShouldEqual, "schemax")
			So(options.Database.Driver, ShouldEqual, "sqlite3")
			So(options.Database.DSN, ShouldEqual, ":memory:")
			So(options.Database.MaxConns, ShouldEqual, 3)
			So(options.Database.Timeout, ShouldEqual, 3*time.Second)
			So(options.Tags, ShouldResemble, []string{"a", "b"})
			So(options.Labels["env"], ShouldEqual, "test")
			So(options.Extra, ShouldResemble, Node{"key": "value"})
		})

		Convey("json", func() {
			path := writeFile(t, "app.json", `{"database": {"dsn": "x", "maxConns": 7, "timeout": "1m"}}`)
			var options appOptions
			So(Load(path, &options), ShouldBeNil)
			So(options.Database.MaxConns, ShouldEqual, 7)
			So(options.Database.Timeout, ShouldEqual, time.Minute)
		})

		Convey("toml", func() {
			path := writeFile(t, "app.toml", "namespace = \"app\"\n[database]\ndsn = \"x\"\ndriver = \"mysql\"\n")
			var options appOptions
			So(Load(path, &options), ShouldBeNil)
			So(options.Namespace, ShouldEqual, "app")
			So(options.Database.Driver, ShouldEqual, "mysql")
		})

		Convey("ini", func() {
			path := writeFile(t, "app.ini", "namespace = app\n[database]\ndsn = x\nmaxConns = 5\n")
			var options appOptions
			So(Load(path, &options), ShouldBeNil)
			So(options.Database.MaxConns, ShouldEqual, 5)
		})

		Convey("校验失败", func() {
			path := writeFile(t, "app.yaml", "database:\n  driver: oracle\n  dsn: x\n")
			var options appOptions
			So(Load(path, &options), ShouldNotBeNil)
		})

		Convey("不支持的格式", func() {
			path := writeFile(t, "app.xml", "<a/>")
			var options appOptions
			So(Load(path, &options), ShouldNotBeNil)
		})
	})
}

func TestLoadWithPrefix(t *testing.T) {
	path := writeFile(t, "app.yaml", "database:\n  dsn: file\n")
	t.Setenv("SCHEMAX_TEST_DATABASE_DSN", "env")
	t.Setenv("SCHEMAX_TEST_DATABASE_MAXCONNS", "42")

	var options appOptions
	require.NoError(t, LoadWithPrefix(path, "SCHEMAX_TEST", &options))
	assert.Equal(t, "env", options.Database.DSN)
	assert.Equal(t, 42, options.Database.MaxConns)
}

func TestSetDefaults(t *testing.T) {
	options := &databaseOptions{MaxConns: 1}
	require.NoError(t, SetDefaults(options))
	assert.Equal(t, "sqlite3", options.Driver)
	assert.Equal(t, 1, options.MaxConns)
	assert.Equal(t, 3*time.Second, options.Timeout)

	assert.Error(t, SetDefaults(databaseOptions{}))
}
