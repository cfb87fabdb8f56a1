package version

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Querier *sql.DB 和 *sql.Tx 都实现了该接口，事务内写版本时传入 *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore 版本记录保存在目标库的 <namespace>_schema_version 表中
type SQLStore struct {
	q      Querier
	driver string
	table  string
}

func NewSQLStore(q Querier, driver string, namespace string) *SQLStore {
	return &SQLStore{q: q, driver: NormalizeDriver(driver), table: RecordName(namespace)}
}

// NormalizeDriver 驱动名归一化为方言名
func NormalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "pgx", "postgres", "postgresql":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "mssql", "sqlserver":
		return "sqlserver"
	}
	return strings.ToLower(driver)
}

func (s *SQLStore) quote(name string) string {
	switch s.driver {
	case "mysql":
		return "`" + name + "`"
	case "sqlserver":
		return "[" + name + "]"
	}
	return `"` + name + `"`
}

func (s *SQLStore) placeholder() string {
	switch s.driver {
	case "postgres":
		return "$1"
	case "sqlserver":
		return "@p1"
	}
	return "?"
}

func (s *SQLStore) createStatement() string {
	table, id, version := s.quote(s.table), s.quote("id"), s.quote("version")
	switch s.driver {
	case "mysql":
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s INT PRIMARY KEY, %s VARCHAR(64) NOT NULL)", table, id, version)
	case "sqlserver":
		return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s INT PRIMARY KEY, %s NVARCHAR(64) NOT NULL)",
			s.table, table, id, version)
	case "sqlite3":
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s INTEGER PRIMARY KEY, %s TEXT NOT NULL)", table, id, version)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s INTEGER PRIMARY KEY, %s VARCHAR(64) NOT NULL)", table, id, version)
}

func (s *SQLStore) upsertStatement(value string) string {
	table, id, version := s.quote(s.table), s.quote("id"), s.quote("version")
	switch s.driver {
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (1, %s) ON DUPLICATE KEY UPDATE %s = VALUES(%s)",
			table, id, version, value, version, version)
	case "sqlserver":
		return fmt.Sprintf("MERGE %s AS target USING (SELECT 1 AS %s, %s AS %s) AS source ON target.%s = source.%s "+
			"WHEN MATCHED THEN UPDATE SET %s = source.%s WHEN NOT MATCHED THEN INSERT (%s, %s) VALUES (source.%s, source.%s);",
			table, id, value, version, id, id, version, version, id, version, id, version)
	}
	return fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (1, %s) ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s",
		table, id, version, value, id, version, version)
}

func (s *SQLStore) ensure(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, s.createStatement()); err != nil {
		return errors.Wrapf(err, "create table %s failed", s.table)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context) (string, bool, error) {
	if err := s.ensure(ctx); err != nil {
		return "", false, err
	}
	var version string
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 1", s.quote("version"), s.quote(s.table), s.quote("id"))
	if err := s.q.QueryRowContext(ctx, query).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "query %s failed", s.table)
	}
	return version, true, nil
}

func (s *SQLStore) Set(ctx context.Context, version string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, s.upsertStatement(s.placeholder()), version); err != nil {
		return errors.Wrapf(err, "update %s failed", s.table)
	}
	return nil
}

// Statements Set 对应的 SQL 文本，版本号以字面值内联，用于生成迁移脚本
func (s *SQLStore) Statements(version string) []string {
	literal := "'" + strings.ReplaceAll(version, "'", "''") + "'"
	if s.driver == "sqlserver" {
		literal = "N" + literal
	}
	return []string{s.createStatement(), s.upsertStatement(literal)}
}
