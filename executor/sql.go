package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/log"
	"github.com/hatlonely/schemax/ref"
	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/transform"
	"github.com/hatlonely/schemax/version"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLOptions struct {
	// pgx 和 postgres 都使用 pgx 驱动；sqlserver 需要调用方注册驱动
	Driver   string `cfg:"driver" def:"sqlite3" validate:"oneof=sqlite3 sqlite mysql pgx postgres sqlserver"`
	DSN      string `cfg:"dsn"`
	Host     string `cfg:"host" def:"localhost"`
	Port     string `cfg:"port"`
	Database string `cfg:"database"`
	Username string `cfg:"username"`
	Password string `cfg:"password"`
	Charset  string `cfg:"charset" def:"utf8mb4"`
	MaxConns int    `cfg:"maxConns" def:"10"`
	MaxIdle  int    `cfg:"maxIdle" def:"5"`

	// 版本表名前缀
	Namespace string `cfg:"namespace" def:"schemax"`

	Logger *ref.TypeOptions `cfg:"logger"`
}

// SQL 关系型数据库执行器
type SQL struct {
	db        *sql.DB
	dialect   *Dialect
	namespace string
	logger    log.Logger
}

func NewSQLWithOptions(options *SQLOptions) (*SQL, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	driver := options.Driver
	if driver == "postgres" {
		driver = "pgx"
	}
	if driver == "sqlite" {
		driver = "sqlite3"
	}

	dsn := options.DSN
	if dsn == "" {
		switch driver {
		case "mysql":
			port := options.Port
			if port == "" {
				port = "3306"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=%s&parseTime=True&loc=UTC",
				options.Username, options.Password, options.Host, port, options.Database, options.Charset)
		case "pgx":
			port := options.Port
			if port == "" {
				port = "5432"
			}
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				options.Username, options.Password, options.Host, port, options.Database)
		case "sqlite3":
			dsn = options.Database
		default:
			return nil, errors.Errorf("dsn is required for driver %s", options.Driver)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sql.Open %s failed", driver)
	}
	if driver == "sqlite3" {
		// 单写者，同时保证 :memory: 只有一个库
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(options.MaxConns)
		db.SetMaxIdleConns(options.MaxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s failed", driver)
	}

	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "create logger failed")
	}

	exec, err := NewSQL(db, driver, options.Namespace, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return exec, nil
}

// NewSQL 使用调用方提供的连接，Close 会关闭该连接
func NewSQL(db *sql.DB, driver string, namespace string, logger log.Logger) (*SQL, error) {
	dialect, err := NewDialect(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Discard()
	}
	if namespace == "" {
		namespace = version.DefaultNamespace
	}
	return &SQL{
		db:        db,
		dialect:   dialect,
		namespace: namespace,
		logger:    logger.WithGroup("executor").With("dialect", dialect.Name()),
	}, nil
}

func (e *SQL) Name() string                      { return e.dialect.Name() }
func (e *SQL) Family() schema.Family             { return schema.FamilySQL }
func (e *SQL) Capabilities() differ.Capabilities { return e.dialect.Capabilities() }
func (e *SQL) Passes() []transform.Pass          { return e.dialect.Passes() }
func (e *SQL) Dialect() *Dialect                 { return e.dialect }
func (e *SQL) DB() *sql.DB                       { return e.db }

func (e *SQL) Versions() version.Store {
	return version.NewSQLStore(e.db, e.dialect.Name(), e.namespace)
}

func (e *SQL) Close() error {
	return e.db.Close()
}

// Execute 支持事务 DDL 的方言整体提交或回滚，mysql 逐条执行，失败时之前的语句已生效
func (e *SQL) Execute(ctx context.Context, ops []schema.Operation) error {
	if !e.dialect.Transactional() {
		for i, op := range ops {
			if err := e.execute(ctx, e.db, i, op); err != nil {
				return err
			}
		}
		return nil
	}
	if e.dialect.Name() == DialectSQLite && dropsTable(ops) {
		return e.executeWithoutForeignKeys(ctx, ops)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	return e.executeTx(ctx, tx, ops, nil)
}

func (e *SQL) executeTx(ctx context.Context, tx *sql.Tx, ops []schema.Operation, check func(tx *sql.Tx) error) error {
	rollback := func() {
		if err := tx.Rollback(); err != nil {
			e.logger.WarnContext(ctx, "rollback failed", "error", err)
		}
	}
	for i, op := range ops {
		if err := e.execute(ctx, tx, i, op); err != nil {
			rollback()
			return err
		}
	}
	if check != nil {
		if err := check(tx); err != nil {
			rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit failed")
	}
	return nil
}

func dropsTable(ops []schema.Operation) bool {
	for _, op := range ops {
		switch op.(type) {
		case *schema.DropTable, *schema.RecreateTable:
			return true
		}
	}
	return false
}

// executeWithoutForeignKeys sqlite 删除被引用的表时会检查外键，整表重建需要在事务外关闭外键，
// 提交前用 foreign_key_check 确认没有破坏引用
func (e *SQL) executeWithoutForeignKeys(ctx context.Context, ops []schema.Operation) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "get connection failed")
	}
	defer conn.Close()

	var enabled bool
	if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return errors.Wrap(err, "query foreign_keys failed")
	}

	var check func(tx *sql.Tx) error
	if enabled {
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
			return errors.Wrap(err, "disable foreign_keys failed")
		}
		defer func() {
			if _, err := conn.ExecContext(context.Background(), "PRAGMA foreign_keys = ON"); err != nil {
				e.logger.WarnContext(ctx, "enable foreign_keys failed", "error", err)
			}
		}()
		check = func(tx *sql.Tx) error {
			return e.foreignKeyCheck(ctx, tx)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	return e.executeTx(ctx, tx, ops, check)
}

func (e *SQL) foreignKeyCheck(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return errors.Wrap(err, "foreign_key_check failed")
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return errors.Wrap(err, "scan foreign_key_check failed")
		}
		violations = append(violations, fmt.Sprintf("%s(rowid=%d) -> %s", table, rowid.Int64, parent))
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate foreign_key_check failed")
	}
	if len(violations) > 0 {
		return errors.Wrapf(ErrForeignKeyViolation, "%s", strings.Join(violations, ", "))
	}
	return nil
}

func (e *SQL) execute(ctx context.Context, q version.Querier, i int, op schema.Operation) error {
	if v, ok := op.(*schema.UpdateVersion); ok {
		if v.External {
			return nil
		}
		if err := version.NewSQLStore(q, e.dialect.Name(), e.namespace).Set(ctx, v.Version); err != nil {
			return &OperationError{Index: i, Operation: op, Err: err}
		}
		return nil
	}

	stmts, err := e.dialect.Compile(op)
	if err != nil {
		return &OperationError{Index: i, Operation: op, Err: err}
	}
	for _, stmt := range stmts {
		e.logger.DebugContext(ctx, "exec", "op", op.Kind(), "stmt", stmt)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return &OperationError{Index: i, Operation: op, Statement: stmt, Err: err}
		}
	}
	return nil
}

// CompileToText 每个操作一段，以注释标明操作
func (e *SQL) CompileToText(ops []schema.Operation) (string, error) {
	var sb strings.Builder
	for i, op := range ops {
		var stmts []string
		if v, ok := op.(*schema.UpdateVersion); ok {
			if !v.External {
				stmts = version.NewSQLStore(nil, e.dialect.Name(), e.namespace).Statements(v.Version)
			}
		} else {
			var err error
			if stmts, err = e.dialect.Compile(op); err != nil {
				return "", &OperationError{Index: i, Operation: op, Err: err}
			}
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("-- " + schema.Describe(op) + "\n")
		for _, stmt := range stmts {
			sb.WriteString(strings.TrimSuffix(stmt, ";") + ";\n")
		}
	}
	return sb.String(), nil
}

var _ Executor = (*SQL)(nil)
