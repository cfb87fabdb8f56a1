package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hatlonely/schemax/migrator"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Factory 每次执行命令时创建迁移器，命令结束后关闭它的执行器
type Factory func(ctx context.Context) (*migrator.Migrator, error)

type command struct {
	factory Factory
	envFile string
	dryRun  bool
	output  string
}

// NewCommand 迁移命令：migrate:up, migrate:down, migrate:to, migrate:latest, generate, status
func NewCommand(factory Factory) *cobra.Command {
	c := &command{factory: factory}

	root := &cobra.Command{
		Use:           "schemax",
		Short:         "Versioned schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(c.envFile)
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "environment file loaded before running")

	step := func(use, short string, plan func(ctx context.Context, m *migrator.Migrator, args []string) (*migrator.Result, error), nargs cobra.PositionalArgs) *cobra.Command {
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  nargs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.migrate(cmd, args, plan)
			},
		}
		cmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "print the migration instead of executing it")
		return cmd
	}

	root.AddCommand(
		step("migrate:up", "Migrate one version forward", func(ctx context.Context, m *migrator.Migrator, _ []string) (*migrator.Result, error) {
			return m.Up(ctx)
		}, cobra.NoArgs),
		step("migrate:down", "Migrate one version back", func(ctx context.Context, m *migrator.Migrator, _ []string) (*migrator.Result, error) {
			return m.Down(ctx)
		}, cobra.NoArgs),
		step("migrate:to <version>", "Migrate to the given version", func(ctx context.Context, m *migrator.Migrator, args []string) (*migrator.Result, error) {
			return m.MigrateTo(ctx, args[0])
		}, cobra.ExactArgs(1)),
		step("migrate:latest", "Migrate to the latest version", func(ctx context.Context, m *migrator.Migrator, _ []string) (*migrator.Result, error) {
			return m.MigrateToLatest(ctx)
		}, cobra.NoArgs),
	)

	generate := &cobra.Command{
		Use:   "generate [version]",
		Short: "Write the migration to the given version (default latest) without executing it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.generate,
	}
	generate.Flags().StringVarP(&c.output, "output", "o", "", "output file (default: stdout)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the current version",
		Args:  cobra.NoArgs,
		RunE:  c.status,
	}

	root.AddCommand(generate, status)
	return root
}

// loadEnv 文件不存在时忽略
func loadEnv(filename string) error {
	if filename == "" {
		return nil
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(filename); err != nil {
		return errors.Wrapf(err, "load env file %s failed", filename)
	}
	return nil
}

func (c *command) open(ctx context.Context) (*migrator.Migrator, func(), error) {
	if c.factory == nil {
		return nil, nil, errors.New("migrator factory is nil")
	}
	m, err := c.factory(ctx)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "create migrator failed")
	}
	return m, func() { _ = m.Executor().Close() }, nil
}

func (c *command) migrate(cmd *cobra.Command, args []string, plan func(context.Context, *migrator.Migrator, []string) (*migrator.Result, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	m, closer, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closer()

	res, err := plan(ctx, m, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Empty() {
		fmt.Fprintf(out, "already at version %s\n", display(res.To))
		return nil
	}
	if c.dryRun {
		return writeText(out, res)
	}
	if err := res.Execute(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "migrated %s -> %s (%d operations)\n", display(res.From), display(res.To), len(res.Operations))
	return nil
}

func (c *command) generate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	m, closer, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closer()

	var res *migrator.Result
	if len(args) == 1 {
		res, err = m.MigrateTo(ctx, args[0])
	} else {
		res, err = m.MigrateToLatest(ctx)
	}
	if err != nil {
		return err
	}

	if c.output == "" {
		return writeText(cmd.OutOrStdout(), res)
	}
	f, err := os.Create(c.output)
	if err != nil {
		return errors.Wrapf(err, "create %s failed", c.output)
	}
	if err := writeText(f, res); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "close %s failed", c.output)
}

func (c *command) status(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	m, closer, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closer()

	cur, err := m.Current(ctx)
	if err != nil {
		return err
	}
	schemas := m.Schemas()
	fmt.Fprintf(cmd.OutOrStdout(), "current: %s\nlatest: %s\n", display(cur.Version), schemas[len(schemas)-1].Version)
	return nil
}

func writeText(w io.Writer, res *migrator.Result) error {
	text, err := res.Text()
	if err != nil {
		return errors.WithMessage(err, "compile migration failed")
	}
	if text == "" {
		return nil
	}
	if _, err := io.WriteString(w, text+"\n"); err != nil {
		return errors.Wrap(err, "write migration failed")
	}
	return nil
}

func display(v string) string {
	if v == "" {
		return "zero"
	}
	return v
}

// Run 执行命令，失败时把错误写到 stderr 并返回非零退出码
func Run(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}
