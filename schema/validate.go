package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

var ErrDeclaration = errors.New("invalid schema declaration")

// DeclarationError 声明错误，定位到版本、表和列
type DeclarationError struct {
	Version string
	Table   string
	Column  string
	Reason  string
}

func (e *DeclarationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrDeclaration.Error())
	if e.Version != "" {
		fmt.Fprintf(&b, " [version %s]", e.Version)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, " [table %s]", e.Table)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " [column %s]", e.Column)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *DeclarationError) Unwrap() error {
	return ErrDeclaration
}

func (e *DeclarationError) Cause() error {
	return ErrDeclaration
}

var validate = validator.New()

// CanonicalVersion 补全 v 前缀，1.2.3 与 v1.2.3 视为同一版本
func CanonicalVersion(version string) string {
	if version == "" || strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

// CompareVersions 按语义化版本比较
func CompareVersions(a, b string) int {
	return semver.Compare(CanonicalVersion(a), CanonicalVersion(b))
}

// Validate 校验单个版本的声明
func Validate(s *Schema) error {
	if s == nil {
		return &DeclarationError{Reason: "schema is nil"}
	}
	if err := validate.Struct(s); err != nil {
		return &DeclarationError{Version: s.Version, Reason: err.Error()}
	}
	if !semver.IsValid(CanonicalVersion(s.Version)) {
		return &DeclarationError{Version: s.Version, Reason: "version is not a semantic version"}
	}

	tables := map[string]bool{}
	for _, t := range s.Tables {
		if tables[t.Name] {
			return &DeclarationError{Version: s.Version, Table: t.Name, Reason: "duplicate table"}
		}
		tables[t.Name] = true
		if err := validateTable(s, t); err != nil {
			err.Version = s.Version
			return err
		}
	}
	return nil
}

func validateTable(s *Schema, t *Table) *DeclarationError {
	columns := map[string]bool{}
	primary := 0
	for _, c := range t.Columns {
		if columns[c.Name] {
			return &DeclarationError{Table: t.Name, Column: c.Name, Reason: "duplicate column"}
		}
		columns[c.Name] = true
		if c.Primary {
			primary++
			if c.Nullable {
				return &DeclarationError{Table: t.Name, Column: c.Name, Reason: "identity column cannot be nullable"}
			}
		}
		if reason := checkDefault(c); reason != "" {
			return &DeclarationError{Table: t.Name, Column: c.Name, Reason: reason}
		}
	}
	if primary != 1 {
		return &DeclarationError{Table: t.Name, Reason: fmt.Sprintf("table must have exactly one identity column, got %d", primary)}
	}

	names := map[string]bool{}
	for _, fk := range t.ForeignKeys {
		if names[fk.Name] {
			return &DeclarationError{Table: t.Name, Reason: fmt.Sprintf("duplicate foreign key %s", fk.Name)}
		}
		names[fk.Name] = true
		if reason := checkForeignKey(s, t, fk); reason != "" {
			return &DeclarationError{Table: t.Name, Reason: fmt.Sprintf("foreign key %s: %s", fk.Name, reason)}
		}
	}

	names = map[string]bool{}
	for _, u := range t.Uniques {
		if names[u.Name] {
			return &DeclarationError{Table: t.Name, Reason: fmt.Sprintf("duplicate unique constraint %s", u.Name)}
		}
		names[u.Name] = true
		for _, name := range u.Columns {
			if t.Column(name) == nil {
				return &DeclarationError{Table: t.Name, Column: name, Reason: fmt.Sprintf("unique constraint %s references unknown column", u.Name)}
			}
		}
	}
	return nil
}

func checkDefault(c *Column) string {
	if !c.Default.IsFunc() {
		return ""
	}
	switch c.Default.Func {
	case FuncUUID:
		if c.Type != TypeString && c.Type != TypeVarchar {
			return "uuid default requires a string column"
		}
	case FuncNow:
		if c.Type != TypeDate && c.Type != TypeTimestamp {
			return "now default requires a date or timestamp column"
		}
	case FuncAutoIncrement:
		if c.Type != TypeInteger && c.Type != TypeBigInt {
			return "autoincrement default requires an integer column"
		}
	default:
		return fmt.Sprintf("unknown default func %s", c.Default.Func)
	}
	return ""
}

func checkForeignKey(s *Schema, t *Table, fk *ForeignKey) string {
	if len(fk.Columns) != len(fk.RefColumns) {
		return "column count does not match referenced column count"
	}
	ref := s.Table(fk.RefTable)
	if ref == nil {
		return fmt.Sprintf("referenced table %s does not exist", fk.RefTable)
	}
	nullable := true
	for _, name := range fk.Columns {
		c := t.Column(name)
		if c == nil {
			return fmt.Sprintf("column %s does not exist", name)
		}
		nullable = nullable && c.Nullable
	}
	for _, name := range fk.RefColumns {
		if ref.Column(name) == nil {
			return fmt.Sprintf("referenced column %s.%s does not exist", fk.RefTable, name)
		}
		if !referable(ref, name) {
			return fmt.Sprintf("referenced column %s.%s must be the identity column or unique", fk.RefTable, name)
		}
	}
	if (fk.OnUpdate == ActionSetNull || fk.OnDelete == ActionSetNull) && !nullable {
		return "SET NULL requires every referencing column to be nullable"
	}
	if fk.RefTable == t.Name && (fk.OnUpdate.OrRestrict() != ActionRestrict || fk.OnDelete.OrRestrict() != ActionRestrict) {
		return "self-referencing foreign key must use RESTRICT"
	}
	return ""
}

// referable 被引用的列必须是标识列或唯一列
func referable(t *Table, name string) bool {
	if c := t.Column(name); c.Primary || c.Unique {
		return true
	}
	for _, u := range t.Uniques {
		if slices.Contains(u.Columns, name) {
			return true
		}
	}
	return false
}

// ValidateVersions 校验整个版本列表：逐个校验，版本严格递增，标识列不变
//
// 标识列与之前最近一个声明了该表的版本比较，表中途被删除再加回时同样要求不变
func ValidateVersions(schemas []*Schema) error {
	last := map[string]*Table{}
	for i, s := range schemas {
		if err := Validate(s); err != nil {
			return err
		}
		if i > 0 {
			prev := schemas[i-1]
			switch c := CompareVersions(prev.Version, s.Version); {
			case c == 0:
				return &DeclarationError{Version: s.Version, Reason: "duplicate version"}
			case c > 0:
				return &DeclarationError{Version: s.Version, Reason: fmt.Sprintf("version must be greater than %s", prev.Version)}
			}
		}
		for _, t := range s.Tables {
			if old, ok := last[t.Name]; ok {
				oldID, newID := old.PrimaryColumn(), t.PrimaryColumn()
				if oldID.Name != newID.Name || oldID.Type != newID.Type || oldID.EffectiveSize() != newID.EffectiveSize() {
					return &DeclarationError{Version: s.Version, Table: t.Name, Column: newID.Name, Reason: "identity column cannot change"}
				}
			}
			last[t.Name] = t
		}
	}
	return nil
}
