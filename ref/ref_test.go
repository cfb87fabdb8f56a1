package ref

import (
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

type value struct {
	Name string
}

type valueOptions struct {
	Name string
}

func newValue(options *valueOptions) (*value, error) {
	if options == nil {
		return &value{Name: "default"}, nil
	}
	if options.Name == "" {
		return nil, errors.New("name cannot be empty")
	}
	return &value{Name: options.Name}, nil
}

func newPlainValue() *value {
	return &value{Name: "plain"}
}

type mapOptions map[string]string

func (m mapOptions) ConvertTo(object any) error {
	object.(*valueOptions).Name = m["name"]
	return nil
}

func TestRegisterAndNew(t *testing.T) {
	Convey("注册并创建对象", t, func() {
		So(Register("test", "value", newValue), ShouldBeNil)
		So(Register("test", "plain", newPlainValue), ShouldBeNil)

		Convey("重复注册同一函数", func() {
			So(Register("test", "value", newValue), ShouldBeNil)
		})

		Convey("重复注册不同函数", func() {
			So(Register("test", "value", newPlainValue), ShouldNotBeNil)
		})

		Convey("指针参数", func() {
			obj, err := New("test", "value", &valueOptions{Name: "ptr"})
			So(err, ShouldBeNil)
			So(obj.(*value).Name, ShouldEqual, "ptr")
		})

		Convey("值参数自动取地址", func() {
			obj, err := New("test", "value", valueOptions{Name: "val"})
			So(err, ShouldBeNil)
			So(obj.(*value).Name, ShouldEqual, "val")
		})

		Convey("nil 参数", func() {
			obj, err := New("test", "value", nil)
			So(err, ShouldBeNil)
			So(obj.(*value).Name, ShouldEqual, "default")
		})

		Convey("Convertable 参数", func() {
			obj, err := New("test", "value", mapOptions{"name": "converted"})
			So(err, ShouldBeNil)
			So(obj.(*value).Name, ShouldEqual, "converted")
		})

		Convey("构造函数返回错误", func() {
			_, err := New("test", "value", &valueOptions{})
			So(err, ShouldNotBeNil)
		})

		Convey("无参构造函数", func() {
			obj, err := NewWithOptions(&TypeOptions{Namespace: "test", Type: "plain"})
			So(err, ShouldBeNil)
			So(obj.(*value).Name, ShouldEqual, "plain")
		})

		Convey("未注册", func() {
			_, err := New("test", "missing", nil)
			So(err, ShouldNotBeNil)
		})

		Convey("类型不匹配", func() {
			_, err := New("test", "value", 123)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestRegisterT(t *testing.T) {
	Convey("RegisterT/NewT", t, func() {
		So(RegisterT[*value](newValue), ShouldBeNil)
		v, err := NewT[*value](&valueOptions{Name: "typed"})
		So(err, ShouldBeNil)
		So(v.Name, ShouldEqual, "typed")

		So(Register("test", "bad", 1), ShouldNotBeNil)
	})
}
