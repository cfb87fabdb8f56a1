package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/hatlonely/schemax/executor"
	"github.com/hatlonely/schemax/schema"
	"github.com/pkg/errors"
)

// InformationSchema 通过 information_schema 读取 mysql 和 postgres 的结构
type InformationSchema struct {
	db      *sql.DB
	dialect *executor.Dialect
	schema  string
}

// NewInformationSchema schemaName 为空时 mysql 使用当前库，postgres 使用 public
func NewInformationSchema(db *sql.DB, driver string, schemaName string) (*InformationSchema, error) {
	dialect, err := executor.NewDialect(driver)
	if err != nil {
		return nil, err
	}
	switch dialect.Name() {
	case executor.DialectMySQL, executor.DialectPostgres:
	default:
		return nil, errors.Errorf("information_schema is not supported for %s", dialect.Name())
	}
	return &InformationSchema{db: db, dialect: dialect, schema: schemaName}, nil
}

func (s *InformationSchema) mysql() bool {
	return s.dialect.Name() == executor.DialectMySQL
}

// bind 把 ? 占位符换成当前方言的写法
func (s *InformationSchema) bind(query string) string {
	if s.mysql() {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *InformationSchema) schemaName(ctx context.Context) (string, error) {
	if s.schema != "" {
		return s.schema, nil
	}
	if !s.mysql() {
		return "public", nil
	}
	var name sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&name); err != nil {
		return "", errors.Wrap(err, "query current database failed")
	}
	if !name.Valid {
		return "", errors.New("no database selected")
	}
	return name.String, nil
}

// queryStrings 执行只返回一列字符串的查询
func (s *InformationSchema) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query information_schema failed")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan information_schema failed")
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "iterate information_schema failed")
}

func (s *InformationSchema) Introspect(ctx context.Context, declared *schema.Schema) (*schema.Schema, error) {
	ns, err := s.schemaName(ctx)
	if err != nil {
		return nil, err
	}
	names, err := s.queryStrings(ctx, `SELECT table_name FROM information_schema.tables
WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name`, ns)
	if err != nil {
		return nil, err
	}

	m := mapper{declared: declared}
	out := &schema.Schema{}
	if declared != nil {
		out.Version = declared.Version
	}
	for _, name := range names {
		if skipTable(name) {
			continue
		}
		t, err := s.table(ctx, m, ns, name)
		if err != nil {
			return nil, errors.WithMessagef(err, "table %s", name)
		}
		out.Tables = append(out.Tables, t)
	}
	return out, nil
}

func (s *InformationSchema) table(ctx context.Context, m mapper, ns string, name string) (*schema.Table, error) {
	t, decl := m.table(name)

	primary, err := s.queryStrings(ctx, `SELECT kcu.column_name FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema AND kcu.table_name = tc.table_name
WHERE tc.table_schema = ? AND tc.table_name = ? AND tc.constraint_type = 'PRIMARY KEY'`, ns, name)
	if err != nil {
		return nil, err
	}

	if err := s.columns(ctx, t, decl, m, ns, name, primary); err != nil {
		return nil, err
	}
	if err := s.uniques(ctx, t, decl, ns, name); err != nil {
		return nil, err
	}
	if err := s.foreignKeys(ctx, t, decl, m, ns, name); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *InformationSchema) columns(ctx context.Context, t *schema.Table, decl *schema.Table, m mapper, ns, name string, primary []string) error {
	query := `SELECT column_name, data_type, character_maximum_length, is_nullable, column_default, is_identity
FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`
	if s.mysql() {
		query = `SELECT column_name, column_type, character_maximum_length, is_nullable, column_default, extra
FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), ns, name)
	if err != nil {
		return errors.Wrap(err, "query columns failed")
	}
	defer rows.Close()

	for rows.Next() {
		var column, typ, nullable string
		var size sql.NullInt64
		var dflt, extra sql.NullString
		if err := rows.Scan(&column, &typ, &size, &nullable, &dflt, &extra); err != nil {
			return errors.Wrap(err, "scan columns failed")
		}

		c, dc := m.column(decl, column)
		c.Primary = slices.Contains(primary, column)
		c.Nullable = strings.EqualFold(nullable, "YES")

		physical := typ
		if !s.mysql() && size.Valid && !strings.Contains(typ, "(") {
			physical = fmt.Sprintf("%s(%d)", typ, size.Int64)
		}
		c.Type, c.Size = Predict(physical, dc, c.Primary)

		identity := strings.Contains(strings.ToLower(extra.String), "auto_increment") || strings.EqualFold(extra.String, "YES")
		switch {
		case identity:
			c.Default = schema.Func(schema.FuncAutoIncrement)
		case dflt.Valid:
			expr := dflt.String
			// mysql 8 返回未加引号的字符串默认值
			if s.mysql() && !strings.Contains(strings.ToUpper(extra.String), "DEFAULT_GENERATED") && textual(c.Type) {
				expr = "'" + strings.ReplaceAll(expr, "'", "''") + "'"
			}
			c.Default = parseDefault(s.dialect, expr, dc)
		}
		t.Columns = append(t.Columns, c)
	}
	return errors.Wrap(rows.Err(), "iterate columns failed")
}

func textual(t schema.Type) bool {
	switch t {
	case schema.TypeString, schema.TypeVarchar, schema.TypeJSON, schema.TypeDate, schema.TypeTimestamp:
		return true
	}
	return false
}

func (s *InformationSchema) uniques(ctx context.Context, t *schema.Table, decl *schema.Table, ns, name string) error {
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT tc.constraint_name, kcu.column_name FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema AND kcu.table_name = tc.table_name
WHERE tc.table_schema = ? AND tc.table_name = ? AND tc.constraint_type = 'UNIQUE'
ORDER BY tc.constraint_name, kcu.ordinal_position`), ns, name)
	if err != nil {
		return errors.Wrap(err, "query unique constraints failed")
	}
	var order []string
	columns := map[string][]string{}
	for rows.Next() {
		var constraint, column string
		if err := rows.Scan(&constraint, &column); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan unique constraints failed")
		}
		if _, ok := columns[constraint]; !ok {
			order = append(order, constraint)
		}
		columns[constraint] = append(columns[constraint], column)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate unique constraints failed")
	}

	for _, constraint := range order {
		applyUnique(t, decl, constraint, logicalColumns(decl, columns[constraint]))
	}
	return nil
}

func (s *InformationSchema) foreignKeys(ctx context.Context, t *schema.Table, decl *schema.Table, m mapper, ns, name string) error {
	query := `SELECT rc.constraint_name, kcu.column_name, ukcu.table_name, ukcu.column_name, rc.update_rule, rc.delete_rule
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = rc.constraint_name AND kcu.constraint_schema = rc.constraint_schema
JOIN information_schema.key_column_usage ukcu
  ON ukcu.constraint_name = rc.unique_constraint_name AND ukcu.constraint_schema = rc.unique_constraint_schema
  AND ukcu.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = ? AND kcu.table_name = ?
ORDER BY rc.constraint_name, kcu.ordinal_position`
	if s.mysql() {
		query = `SELECT kcu.constraint_name, kcu.column_name, kcu.referenced_table_name, kcu.referenced_column_name, rc.update_rule, rc.delete_rule
FROM information_schema.key_column_usage kcu
JOIN information_schema.referential_constraints rc
  ON rc.constraint_name = kcu.constraint_name AND rc.constraint_schema = kcu.constraint_schema
WHERE kcu.table_schema = ? AND kcu.table_name = ? AND kcu.referenced_table_name IS NOT NULL
ORDER BY kcu.constraint_name, kcu.ordinal_position`
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), ns, name)
	if err != nil {
		return errors.Wrap(err, "query foreign keys failed")
	}
	defer rows.Close()

	var order []*schema.ForeignKey
	byName := map[string]*schema.ForeignKey{}
	refs := map[string][]string{}
	for rows.Next() {
		var constraint, column, refTable, refColumn, onUpdate, onDelete string
		if err := rows.Scan(&constraint, &column, &refTable, &refColumn, &onUpdate, &onDelete); err != nil {
			return errors.Wrap(err, "scan foreign keys failed")
		}
		fk, ok := byName[constraint]
		if !ok {
			fk = &schema.ForeignKey{Name: constraint, RefTable: refTable, OnUpdate: parseAction(onUpdate), OnDelete: parseAction(onDelete)}
			byName[constraint] = fk
			order = append(order, fk)
		}
		fk.Columns = append(fk.Columns, column)
		refs[constraint] = append(refs[constraint], refColumn)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate foreign keys failed")
	}

	for _, fk := range order {
		refName, refDecl := m.logicalTable(fk.RefTable)
		fk.Columns = logicalColumns(decl, fk.Columns)
		fk.RefColumns = logicalColumns(refDecl, refs[fk.Name])
		fk.RefTable = refName
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	return nil
}

var _ Introspector = (*InformationSchema)(nil)
