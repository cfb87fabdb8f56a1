package executor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/transform"
	"github.com/hatlonely/schemax/version"
	"github.com/pkg/errors"
)

const (
	DialectSQLite    = "sqlite3"
	DialectMySQL     = "mysql"
	DialectPostgres  = "postgres"
	DialectSQLServer = "sqlserver"
)

// Dialect 把操作编译为某种 SQL 方言的语句，不访问数据库
type Dialect struct {
	name string
	caps differ.Capabilities
}

func NewDialect(driver string) (*Dialect, error) {
	name := version.NormalizeDriver(driver)
	caps := differ.Capabilities{
		NativeDefaultFuncs: map[schema.DefaultFunc]bool{schema.FuncNow: true},
	}
	switch name {
	case DialectSQLite:
		caps.InlineForeignKeys = true
		caps.AutoDropsUniqueIndexes = true
	case DialectMySQL:
		caps.BatchAlter = true
		caps.AutoDropsUniqueIndexes = true
		caps.KeyedTypes = map[schema.Type]bool{schema.TypeString: true}
		// TEXT/JSON/BLOB 不能有字面默认值
		caps.NoDefaultTypes = map[schema.Type]bool{schema.TypeString: true, schema.TypeJSON: true, schema.TypeBinary: true}
	case DialectPostgres:
		caps.BatchAlter = true
		caps.AutoDropsUniqueIndexes = true
		caps.NativeDefaultFuncs[schema.FuncUUID] = true
	case DialectSQLServer:
		caps.NativeDefaultFuncs[schema.FuncUUID] = true
		caps.KeyedTypes = map[schema.Type]bool{schema.TypeString: true}
	default:
		return nil, errors.Errorf("unsupported driver: %s", driver)
	}
	return &Dialect{name: name, caps: caps}, nil
}

func (d *Dialect) Name() string {
	return d.name
}

func (d *Dialect) Capabilities() differ.Capabilities {
	return d.caps
}

// Transactional DDL 是否可以在事务中回滚
func (d *Dialect) Transactional() bool {
	return d.name != DialectMySQL
}

func (d *Dialect) Passes() []transform.Pass {
	return transform.ForDialect(d.name)
}

func (d *Dialect) Quote(name string) string {
	switch d.name {
	case DialectMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	case DialectSQLServer:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ColumnType 列的物理类型。mysql 的 TEXT 和 sqlserver 的 MAX 类型不能建索引，
// 标识列、唯一列以及属于表级唯一约束或外键的 string 列使用定长类型
func (d *Dialect) ColumnType(t *schema.Table, c *schema.Column) string {
	keyed := c.Primary || c.Unique || (t != nil && t.Indexed(c.Name))
	switch d.name {
	case DialectSQLite:
		switch c.Type {
		case schema.TypeInteger, schema.TypeBigInt, schema.TypeBoolean:
			return "INTEGER"
		case schema.TypeDecimal:
			return "REAL"
		case schema.TypeBinary:
			return "BLOB"
		}
		return "TEXT"
	case DialectMySQL:
		switch c.Type {
		case schema.TypeString:
			// 索引键长度限制
			if keyed {
				return "VARCHAR(191)"
			}
			return "TEXT"
		case schema.TypeVarchar:
			return fmt.Sprintf("VARCHAR(%d)", c.EffectiveSize())
		case schema.TypeInteger:
			return "INT"
		case schema.TypeBigInt:
			return "BIGINT"
		case schema.TypeDecimal:
			return "DOUBLE"
		case schema.TypeBoolean:
			return "BOOLEAN"
		case schema.TypeJSON:
			return "JSON"
		case schema.TypeBinary:
			return "LONGBLOB"
		case schema.TypeDate:
			return "DATE"
		case schema.TypeTimestamp:
			return "DATETIME(3)"
		}
	case DialectPostgres:
		switch c.Type {
		case schema.TypeString:
			return "TEXT"
		case schema.TypeVarchar:
			return fmt.Sprintf("VARCHAR(%d)", c.EffectiveSize())
		case schema.TypeInteger:
			return "INTEGER"
		case schema.TypeBigInt:
			return "BIGINT"
		case schema.TypeDecimal:
			return "DOUBLE PRECISION"
		case schema.TypeBoolean:
			return "BOOLEAN"
		case schema.TypeJSON:
			return "JSONB"
		case schema.TypeBinary:
			return "BYTEA"
		case schema.TypeDate:
			return "DATE"
		case schema.TypeTimestamp:
			return "TIMESTAMP(3)"
		}
	case DialectSQLServer:
		switch c.Type {
		case schema.TypeString:
			if keyed {
				return "NVARCHAR(450)"
			}
			return "NVARCHAR(MAX)"
		case schema.TypeVarchar:
			return fmt.Sprintf("NVARCHAR(%d)", c.EffectiveSize())
		case schema.TypeInteger:
			return "INT"
		case schema.TypeBigInt:
			return "BIGINT"
		case schema.TypeDecimal:
			return "FLOAT(53)"
		case schema.TypeBoolean:
			return "BIT"
		case schema.TypeJSON:
			return "NVARCHAR(MAX)"
		case schema.TypeBinary:
			return "VARBINARY(MAX)"
		case schema.TypeDate:
			return "DATE"
		case schema.TypeTimestamp:
			return "DATETIME2(3)"
		}
	}
	return strings.ToUpper(string(c.Type))
}

// Literal 字面值的 SQL 表示
func (d *Dialect) Literal(v any, t schema.Type) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return d.quoteString(val), nil
	case bool:
		if d.name == DialectPostgres {
			return strings.ToUpper(strconv.FormatBool(val)), nil
		}
		if val {
			return "1", nil
		}
		return "0", nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val), nil
	case float32:
		return d.Literal(float64(val), t)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", errors.Errorf("cannot represent %v as a literal", val)
		}
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case time.Time:
		if t == schema.TypeDate {
			return d.quoteString(val.Format("2006-01-02")), nil
		}
		return d.quoteString(val.UTC().Format("2006-01-02 15:04:05.000")), nil
	case []byte:
		switch d.name {
		case DialectPostgres:
			return `'\x` + hex.EncodeToString(val) + "'", nil
		case DialectSQLServer:
			return "0x" + hex.EncodeToString(val), nil
		}
		return "X'" + hex.EncodeToString(val) + "'", nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "marshal default %v failed", v)
	}
	return d.quoteString(string(buf)), nil
}

func (d *Dialect) quoteString(s string) string {
	s = "'" + strings.ReplaceAll(s, "'", "''") + "'"
	if d.name == DialectSQLServer {
		return "N" + s
	}
	return s
}

// defaultExpr 列在数据库中的默认值表达式，没有时返回空
func (d *Dialect) defaultExpr(c *schema.Column) (string, error) {
	def := d.caps.EffectiveDefault(c)
	if def == nil {
		return "", nil
	}
	switch def.Func {
	case "":
		return d.Literal(def.Value, c.Type)
	case schema.FuncNow:
		if c.Type == schema.TypeDate {
			switch d.name {
			case DialectMySQL:
				return "(CURRENT_DATE)", nil
			case DialectSQLServer:
				return "CAST(GETDATE() AS DATE)", nil
			}
			return "CURRENT_DATE", nil
		}
		if d.name == DialectMySQL {
			return "CURRENT_TIMESTAMP(3)", nil
		}
		return "CURRENT_TIMESTAMP", nil
	case schema.FuncUUID:
		if d.name == DialectSQLServer {
			return "NEWID()", nil
		}
		return "gen_random_uuid()", nil
	}
	return "", nil
}

func autoIncrement(c *schema.Column) bool {
	return c.Primary && c.Default != nil && c.Default.Func == schema.FuncAutoIncrement
}

// UniqueName 单列唯一约束的名字，由逻辑名生成，物理改名后不变
func UniqueName(t *schema.Table, c *schema.Column) string {
	return "uq_" + t.Name + "_" + c.Name
}

// DefaultConstraintName sqlserver 默认值约束的名字
func DefaultConstraintName(t *schema.Table, c *schema.Column) string {
	return "DF_" + t.Name + "_" + c.Name
}

// columnDef 列定义，inline 为 true 时包含主键等只能在建表时声明的属性
func (d *Dialect) columnDef(t *schema.Table, c *schema.Column, inline bool) (string, error) {
	var sb strings.Builder
	sb.WriteString(d.Quote(c.PhysicalName(schema.FamilySQL)))
	sb.WriteString(" ")

	auto := inline && autoIncrement(c)
	if auto && d.name == DialectSQLite {
		sb.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
		return sb.String(), nil
	}
	sb.WriteString(d.ColumnType(t, c))
	if auto {
		switch d.name {
		case DialectMySQL:
			sb.WriteString(" AUTO_INCREMENT")
		case DialectPostgres:
			sb.WriteString(" GENERATED BY DEFAULT AS IDENTITY")
		case DialectSQLServer:
			sb.WriteString(" IDENTITY(1,1)")
		}
	}
	if c.Nullable {
		sb.WriteString(" NULL")
	} else {
		sb.WriteString(" NOT NULL")
	}
	if inline && c.Primary {
		sb.WriteString(" PRIMARY KEY")
	}
	if !auto {
		expr, err := d.defaultExpr(c)
		if err != nil {
			return "", errors.WithMessagef(err, "column %s", c.Name)
		}
		if expr != "" {
			if d.name == DialectSQLServer {
				sb.WriteString(" CONSTRAINT " + d.Quote(DefaultConstraintName(t, c)))
			}
			sb.WriteString(" DEFAULT " + expr)
		}
	}
	if d.name == DialectSQLite && c.Unique && !c.Primary {
		sb.WriteString(" UNIQUE")
	}
	return sb.String(), nil
}

func (d *Dialect) physicalColumns(t *schema.Table, names []string) string {
	quoted := make([]string, 0, len(names))
	for _, name := range names {
		physical := name
		if c := t.Column(name); c != nil {
			physical = c.PhysicalName(schema.FamilySQL)
		}
		quoted = append(quoted, d.Quote(physical))
	}
	return strings.Join(quoted, ", ")
}

func (d *Dialect) table(t *schema.Table) string {
	return d.Quote(t.PhysicalName(schema.FamilySQL))
}

func (d *Dialect) foreignKeyClause(t *schema.Table, r schema.Reference) string {
	fk := r.ForeignKey
	return fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE %s",
		d.Quote(fk.Name), d.physicalColumns(t, fk.Columns),
		d.table(r.Ref), d.physicalColumns(r.Ref, fk.RefColumns),
		d.action(fk.OnDelete), d.action(fk.OnUpdate))
}

func (d *Dialect) action(a schema.Action) string {
	a = a.OrRestrict()
	if a == schema.ActionRestrict && d.name == DialectSQLServer {
		return "NO ACTION"
	}
	return string(a)
}

// addUnique 唯一约束，sqlserver 使用过滤索引以允许多个 NULL
func (d *Dialect) addUnique(t *schema.Table, name string, columns []string) string {
	table := d.table(t)
	cols := d.physicalColumns(t, columns)
	switch d.name {
	case DialectSQLite:
		return fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)", d.Quote(name), table, cols)
	case DialectSQLServer:
		conds := make([]string, 0, len(columns))
		for _, name := range columns {
			conds = append(conds, d.physicalColumns(t, []string{name})+" IS NOT NULL")
		}
		return fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s) WHERE %s", d.Quote(name), table, cols, strings.Join(conds, " AND "))
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)", table, d.Quote(name), cols)
}

func (d *Dialect) dropUnique(t *schema.Table, name string) string {
	switch d.name {
	case DialectSQLite:
		return fmt.Sprintf("DROP INDEX %s", d.Quote(name))
	case DialectMySQL:
		return fmt.Sprintf("ALTER TABLE %s DROP INDEX %s", d.table(t), d.Quote(name))
	case DialectSQLServer:
		return fmt.Sprintf("DROP INDEX %s ON %s", d.Quote(name), d.table(t))
	}
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", d.table(t), d.Quote(name))
}

// Compile 操作对应的语句。update-version 由执行器处理
func (d *Dialect) Compile(op schema.Operation) ([]string, error) {
	switch o := op.(type) {
	case *schema.CreateTable:
		return d.createTable(o)
	case *schema.DropTable:
		return []string{"DROP TABLE " + d.table(o.Table)}, nil
	case *schema.RenameTable:
		return []string{d.renameTable(o.From, o.To)}, nil
	case *schema.UpdateTable:
		return d.updateTable(o)
	case *schema.AddForeignKey:
		if d.name == DialectSQLite {
			return nil, unsupported(op, d.name)
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s", d.table(o.Table), d.foreignKeyClause(o.Table, o.Reference))}, nil
	case *schema.DropForeignKey:
		switch d.name {
		case DialectSQLite:
			return nil, unsupported(op, d.name)
		case DialectMySQL:
			return []string{fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", d.table(o.Table), d.Quote(o.ForeignKey.Name))}, nil
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", d.table(o.Table), d.Quote(o.ForeignKey.Name))}, nil
	case *schema.AddUniqueConstraint:
		return []string{d.addUnique(o.Table, o.Constraint.Name, o.Constraint.Columns)}, nil
	case *schema.DropUniqueConstraint:
		return []string{d.dropUnique(o.Table, o.Constraint.Name)}, nil
	case *schema.RecreateTable:
		// 约束名在 postgres 和 sqlserver 中库内唯一，临时表无法与旧表共存
		if d.name != DialectSQLite {
			return nil, unsupported(op, d.name)
		}
		var stmts []string
		for _, sub := range transform.ExpandRecreate(o, schema.FamilySQL, d.caps.InlineForeignKeys) {
			s, err := d.Compile(sub)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, s...)
		}
		return stmts, nil
	case *schema.Custom:
		return d.custom(o)
	}
	return nil, unsupported(op, d.name)
}

func (d *Dialect) createTable(o *schema.CreateTable) ([]string, error) {
	t := o.Table
	var defs []string
	var after []string
	for _, c := range t.Columns {
		def, err := d.columnDef(t, c, true)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
		if c.Unique && !c.Primary && d.name != DialectSQLite {
			after = append(after, d.addUnique(t, UniqueName(t, c), []string{c.Name}))
		}
	}
	for _, r := range o.ForeignKeys {
		defs = append(defs, d.foreignKeyClause(t, r))
	}
	for _, u := range t.Uniques {
		after = append(after, d.addUnique(t, u.Name, u.Columns))
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.table(t), strings.Join(defs, ",\n  "))
	return append([]string{stmt}, after...), nil
}

func (d *Dialect) renameTable(from, to string) string {
	switch d.name {
	case DialectMySQL:
		return fmt.Sprintf("RENAME TABLE %s TO %s", d.Quote(from), d.Quote(to))
	case DialectSQLServer:
		return fmt.Sprintf("EXEC sp_rename %s, %s", d.quoteString(from), d.quoteString(to))
	}
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.Quote(from), d.Quote(to))
}

func (d *Dialect) updateTable(o *schema.UpdateTable) ([]string, error) {
	var stmts []string
	for _, col := range o.Columns {
		s, err := d.compileColumn(o, col)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s on %s", schema.DescribeColumn(col), o.New.Name)
		}
		stmts = append(stmts, s...)
	}
	return stmts, nil
}

func (d *Dialect) compileColumn(ut *schema.UpdateTable, op schema.ColumnOperation) ([]string, error) {
	t := ut.New
	table := d.table(t)
	switch o := op.(type) {
	case *schema.RenameColumn:
		if d.name == DialectSQLServer {
			return []string{fmt.Sprintf("EXEC sp_rename %s, %s, 'COLUMN'",
				d.quoteString(t.PhysicalName(schema.FamilySQL)+"."+o.From), d.quoteString(o.To))}, nil
		}
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", table, d.Quote(o.From), d.Quote(o.To))}, nil
	case *schema.CreateColumn:
		def, err := d.columnDef(t, o.Column, false)
		if err != nil {
			return nil, err
		}
		add := "ADD COLUMN"
		if d.name == DialectSQLServer {
			add = "ADD"
		}
		stmts := []string{fmt.Sprintf("ALTER TABLE %s %s %s", table, add, def)}
		if o.Column.Unique && d.name != DialectSQLite {
			stmts = append(stmts, d.addUnique(t, UniqueName(t, o.Column), []string{o.Column.Name}))
		}
		return stmts, nil
	case *schema.DropColumn:
		var stmts []string
		if d.name == DialectSQLServer && d.caps.EffectiveDefault(o.Column) != nil {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table, d.Quote(DefaultConstraintName(t, o.Column))))
		}
		return append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, d.Quote(o.Column.PhysicalName(schema.FamilySQL)))), nil
	case *schema.UpdateColumn:
		return d.updateColumn(ut, o)
	}
	return nil, errors.Wrapf(ErrUnsupported, "%s on %s", op.Kind(), d.name)
}

func (d *Dialect) updateColumn(ut *schema.UpdateTable, o *schema.UpdateColumn) ([]string, error) {
	t := ut.New
	table := d.table(t)
	name := d.Quote(o.New.PhysicalName(schema.FamilySQL))
	uniqueName := UniqueName(t, o.New)
	// 加入或移出索引也可能改变物理类型
	retype := o.Dirty.Type || d.ColumnType(ut.Old, o.Old) != d.ColumnType(t, o.New)
	var stmts []string

	switch d.name {
	case DialectSQLite:
		return nil, errors.Wrapf(ErrUnsupported, "update-column on %s", d.name)

	case DialectMySQL:
		// 先删索引才能改为 TEXT，改为定长类型之后才能建索引
		if o.Dirty.Unique && !o.New.Unique {
			stmts = append(stmts, d.dropUnique(t, uniqueName))
		}
		if retype || o.Dirty.Default || o.Dirty.Nullable {
			def, err := d.columnDef(t, o.New, false)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", table, def))
		}
		if o.Dirty.Unique && o.New.Unique {
			stmts = append(stmts, d.addUnique(t, uniqueName, []string{o.New.Name}))
		}

	case DialectPostgres:
		if o.Dirty.Type {
			typ := d.ColumnType(t, o.New)
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s", table, name, typ, name, typ))
		}
		if o.Dirty.Nullable {
			if o.New.Nullable {
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", table, name))
			} else {
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", table, name))
			}
		}
		if o.Dirty.Default || o.Dirty.Type {
			expr, err := d.defaultExpr(o.New)
			if err != nil {
				return nil, err
			}
			if expr != "" {
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", table, name, expr))
			} else if o.Dirty.Default {
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", table, name))
			}
		}
		if o.Dirty.Unique {
			if o.New.Unique {
				stmts = append(stmts, d.addUnique(t, uniqueName, []string{o.New.Name}))
			} else {
				stmts = append(stmts, d.dropUnique(t, uniqueName))
			}
		}

	case DialectSQLServer:
		// 列上有索引或默认值约束时不能修改类型
		reindex := o.Dirty.Unique || (retype && o.Old.Unique && o.New.Unique)
		if reindex && o.Old.Unique {
			stmts = append(stmts, d.dropUnique(t, uniqueName))
		}
		redefault := retype || o.Dirty.Default
		if redefault && d.caps.EffectiveDefault(o.Old) != nil {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table, d.Quote(DefaultConstraintName(t, o.Old))))
		}
		if retype || o.Dirty.Nullable {
			null := "NOT NULL"
			if o.New.Nullable {
				null = "NULL"
			}
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s %s", table, name, d.ColumnType(t, o.New), null))
		}
		if redefault {
			expr, err := d.defaultExpr(o.New)
			if err != nil {
				return nil, err
			}
			if expr != "" {
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s DEFAULT %s FOR %s",
					table, d.Quote(DefaultConstraintName(t, o.New)), expr, name))
			}
		}
		if reindex && o.New.Unique {
			stmts = append(stmts, d.addUnique(t, uniqueName, []string{o.New.Name}))
		}
	}
	return stmts, nil
}

// custom 字符串按原样执行，CopyData 编译为 INSERT ... SELECT
func (d *Dialect) custom(o *schema.Custom) ([]string, error) {
	switch p := o.Payload.(type) {
	case string:
		return []string{p}, nil
	case []string:
		return p, nil
	case *schema.CopyData:
		if len(p.Columns) == 0 {
			return nil, nil
		}
		to := make([]string, 0, len(p.Columns))
		from := make([]string, 0, len(p.Columns))
		for _, pair := range p.Columns {
			to = append(to, d.Quote(pair.To.PhysicalName(schema.FamilySQL)))
			from = append(from, d.Quote(pair.From.PhysicalName(schema.FamilySQL)))
		}
		return []string{fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			d.table(p.To), strings.Join(to, ", "), strings.Join(from, ", "), d.table(p.From))}, nil
	}
	return nil, unsupported(o, d.name)
}
