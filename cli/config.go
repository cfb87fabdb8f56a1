package cli

import (
	"context"

	"github.com/hatlonely/schemax/cfg"
	"github.com/hatlonely/schemax/executor"
	"github.com/hatlonely/schemax/migrator"
	"github.com/hatlonely/schemax/ref"
	"github.com/hatlonely/schemax/schema"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// EnvPrefix 环境变量覆盖配置的前缀，例如 SCHEMAX_EXECUTOR_OPTIONS_DSN
const EnvPrefix = "SCHEMAX"

// Config 配置文件的结构
//
//	executor:
//	  type: SQL
//	  options:
//	    driver: mysql
//	    dsn: user:pass@tcp(localhost:3306)/app
//	migrator:
//	  dropUnusedColumns: true
type Config struct {
	Executor *ref.TypeOptions `cfg:"executor" validate:"required"`
	Migrator migrator.Options `cfg:"migrator"`
}

// ConfigFactory 从配置文件创建执行器和迁移器
func ConfigFactory(schemas []*schema.Schema, filename string) Factory {
	return func(ctx context.Context) (*migrator.Migrator, error) {
		var config Config
		if err := cfg.LoadWithPrefix(filename, EnvPrefix, &config); err != nil {
			return nil, errors.WithMessage(err, "load config failed")
		}
		exec, err := executor.NewExecutorWithOptions(config.Executor)
		if err != nil {
			return nil, errors.WithMessage(err, "create executor failed")
		}
		m, err := migrator.NewMigrator(schemas, exec, &config.Migrator)
		if err != nil {
			_ = exec.Close()
			return nil, err
		}
		return m, nil
	}
}

// NewConfigCommand 同 NewCommand，迁移器由 --config 指定的配置文件创建
func NewConfigCommand(schemas []*schema.Schema) *cobra.Command {
	var filename string
	cmd := NewCommand(func(ctx context.Context) (*migrator.Migrator, error) {
		return ConfigFactory(schemas, filename)(ctx)
	})
	cmd.PersistentFlags().StringVarP(&filename, "config", "c", "schemax.yaml", "config file (yaml, json, toml or ini)")
	return cmd
}
