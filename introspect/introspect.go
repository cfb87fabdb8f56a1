package introspect

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hatlonely/schemax/executor"
	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/version"
)

// Introspector 从库中读取实际的结构
//
// declared 用于把物理名映射回逻辑名，以及在类型有歧义时选择声明的类型，可以为 nil
type Introspector interface {
	Introspect(ctx context.Context, declared *schema.Schema) (*schema.Schema, error)
}

// candidates 物理类型可能对应的语义类型，第一个为默认选择
var candidates = map[string][]schema.Type{
	"text":              {schema.TypeString, schema.TypeVarchar, schema.TypeJSON, schema.TypeDate, schema.TypeTimestamp},
	"longtext":          {schema.TypeString, schema.TypeJSON},
	"mediumtext":        {schema.TypeString},
	"varchar":           {schema.TypeVarchar, schema.TypeString},
	"character varying": {schema.TypeVarchar, schema.TypeString},
	"nvarchar":          {schema.TypeVarchar, schema.TypeString, schema.TypeJSON},
	"char":              {schema.TypeVarchar},

	"integer":          {schema.TypeInteger, schema.TypeBigInt, schema.TypeBoolean},
	"int":              {schema.TypeInteger},
	"int4":             {schema.TypeInteger},
	"smallint":         {schema.TypeInteger},
	"mediumint":        {schema.TypeInteger},
	"bigint":           {schema.TypeBigInt},
	"int8":             {schema.TypeBigInt},
	"real":             {schema.TypeDecimal},
	"double":           {schema.TypeDecimal},
	"double precision": {schema.TypeDecimal},
	"float":            {schema.TypeDecimal},
	"numeric":          {schema.TypeDecimal},
	"decimal":          {schema.TypeDecimal},
	"boolean":          {schema.TypeBoolean},
	"bool":             {schema.TypeBoolean},
	"bit":              {schema.TypeBoolean},
	"tinyint":          {schema.TypeBoolean, schema.TypeInteger},

	"json":      {schema.TypeJSON},
	"jsonb":     {schema.TypeJSON},
	"blob":      {schema.TypeBinary},
	"longblob":  {schema.TypeBinary},
	"bytea":     {schema.TypeBinary},
	"varbinary": {schema.TypeBinary},
	"date":      {schema.TypeDate},
	"timestamp": {schema.TypeTimestamp},
	"datetime":  {schema.TypeTimestamp},
	"datetime2": {schema.TypeTimestamp},

	"timestamp without time zone": {schema.TypeTimestamp},
	"timestamp with time zone":    {schema.TypeTimestamp},
}

var sizePattern = regexp.MustCompile(`\((\d+)\)`)

// ParseType 物理类型的基础名和长度，例如 VARCHAR(64) -> varchar, 64
func ParseType(physical string) (string, int) {
	size := 0
	if m := sizePattern.FindStringSubmatch(physical); m != nil {
		size, _ = strconv.Atoi(m[1])
	}
	base := strings.ToLower(strings.TrimSpace(physical))
	if i := strings.Index(base, "("); i >= 0 {
		// timestamp(3) without time zone 之类的写法
		base = strings.TrimSpace(strings.TrimSpace(base[:i]) + " " + strings.TrimSpace(base[strings.Index(base, ")")+1:]))
	}
	base = strings.TrimSpace(strings.TrimSuffix(base, " unsigned"))
	return base, size
}

// Predict 由物理类型推断语义类型
//
// 有多个候选时：与声明的列类型一致则使用声明的类型；否则标识列优先 varchar；再否则取第一个候选。
// 两个声明的列共用同一种物理类型时可能选错
func Predict(physical string, declared *schema.Column, identity bool) (schema.Type, int) {
	base, size := ParseType(physical)
	cands, ok := candidates[base]
	if !ok {
		cands = []schema.Type{schema.TypeString}
	}

	typ := cands[0]
	switch {
	case declared != nil && contains(cands, declared.Type):
		typ = declared.Type
	case identity && contains(cands, schema.TypeVarchar):
		typ = schema.TypeVarchar
	}

	if typ != schema.TypeVarchar {
		return typ, 0
	}
	if size == 0 && declared != nil {
		size = declared.EffectiveSize()
	}
	return typ, size
}

func contains(types []schema.Type, t schema.Type) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// mapper 把物理名映射回声明中的逻辑名
type mapper struct {
	declared *schema.Schema
}

func (m mapper) table(physical string) (*schema.Table, *schema.Table) {
	t := &schema.Table{Name: physical, Names: map[schema.Family]string{}}
	if m.declared == nil {
		return t, nil
	}
	decl := m.declared.TableByPhysicalName(schema.FamilySQL, physical)
	if decl == nil {
		return t, nil
	}
	t.Name = decl.Name
	if decl.Name != physical {
		t.Names[schema.FamilySQL] = physical
	}
	return t, decl
}

func (m mapper) column(decl *schema.Table, physical string) (*schema.Column, *schema.Column) {
	c := &schema.Column{Name: physical, Names: map[schema.Family]string{}}
	if decl == nil {
		return c, nil
	}
	dc := decl.ColumnByPhysicalName(schema.FamilySQL, physical)
	if dc == nil {
		return c, nil
	}
	c.Name = dc.Name
	if dc.Name != physical {
		c.Names[schema.FamilySQL] = physical
	}
	return c, dc
}

// logicalTable 被引用表的逻辑名
func (m mapper) logicalTable(physical string) (string, *schema.Table) {
	if m.declared == nil {
		return physical, nil
	}
	if decl := m.declared.TableByPhysicalName(schema.FamilySQL, physical); decl != nil {
		return decl.Name, decl
	}
	return physical, nil
}

func logicalColumns(decl *schema.Table, physical []string) []string {
	out := make([]string, 0, len(physical))
	for _, p := range physical {
		name := p
		if decl != nil {
			if c := decl.ColumnByPhysicalName(schema.FamilySQL, p); c != nil {
				name = c.Name
			}
		}
		out = append(out, name)
	}
	return out
}

// foreignKeyName 库中没有保存名字时按声明匹配，匹配不到时生成
func foreignKeyName(decl *schema.Table, fk *schema.ForeignKey) string {
	if decl != nil {
		for _, d := range decl.ForeignKeys {
			if d.RefTable == fk.RefTable && strings.Join(d.Columns, ",") == strings.Join(fk.Columns, ",") {
				return d.Name
			}
		}
	}
	return fmt.Sprintf("fk_%s_%s", strings.Join(fk.Columns, "_"), fk.RefTable)
}

// applyUnique 单列唯一索引标记到列上，除非声明中它是表级约束
func applyUnique(t *schema.Table, decl *schema.Table, name string, columns []string) {
	if len(columns) == 1 && (decl == nil || decl.Unique(name) == nil) {
		if c := t.Column(columns[0]); c != nil {
			c.Unique = true
			return
		}
	}
	t.Uniques = append(t.Uniques, &schema.UniqueConstraint{Name: name, Columns: columns})
}

func parseAction(rule string) schema.Action {
	switch strings.ToUpper(strings.TrimSpace(rule)) {
	case "CASCADE":
		return schema.ActionCascade
	case "SET NULL":
		return schema.ActionSetNull
	}
	return schema.ActionRestrict
}

// parseDefault 把库中的默认值表达式还原为 Default
func parseDefault(dialect *executor.Dialect, expr string, declared *schema.Column) *schema.Default {
	expr = strings.TrimSpace(expr)
	for strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	if expr == "" || strings.EqualFold(expr, "NULL") {
		return nil
	}

	// 与声明的默认值生成的字面值一致时直接使用声明
	if declared != nil && declared.Default != nil && !declared.Default.IsFunc() {
		if lit, err := dialect.Literal(declared.Default.Value, declared.Type); err == nil && strings.EqualFold(lit, expr) {
			return declared.Default
		}
	}

	upper := strings.ToUpper(expr)
	switch {
	case strings.HasPrefix(upper, "CURRENT_TIMESTAMP"), strings.HasPrefix(upper, "CURRENT_DATE"),
		strings.HasPrefix(upper, "NOW("), strings.HasPrefix(upper, "GETDATE("), strings.HasPrefix(upper, "SYSUTCDATETIME("):
		return schema.Func(schema.FuncNow)
	case strings.HasPrefix(upper, "GEN_RANDOM_UUID("), strings.HasPrefix(upper, "NEWID("), strings.HasPrefix(upper, "UUID("):
		return schema.Func(schema.FuncUUID)
	case strings.HasPrefix(upper, "NEXTVAL("):
		return schema.Func(schema.FuncAutoIncrement)
	}

	// postgres 的 'x'::text
	if i := strings.LastIndex(expr, "::"); i > 0 && strings.HasSuffix(expr[:i], "'") {
		expr = expr[:i]
	}
	if strings.HasPrefix(expr, "N'") {
		expr = expr[1:]
	}
	if len(expr) >= 2 && strings.HasPrefix(expr, "'") && strings.HasSuffix(expr, "'") {
		return schema.Value(strings.ReplaceAll(expr[1:len(expr)-1], "''", "'"))
	}
	if n, err := strconv.ParseInt(expr, 10, 64); err == nil {
		return schema.Value(n)
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return schema.Value(f)
	}
	switch upper {
	case "TRUE":
		return schema.Value(true)
	case "FALSE":
		return schema.Value(false)
	}
	return schema.Value(expr)
}

// skipTable 版本记录表不属于声明的结构
func skipTable(name string) bool {
	return strings.HasSuffix(name, version.RecordSuffix)
}
