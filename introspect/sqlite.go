package introspect

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/hatlonely/schemax/executor"
	"github.com/hatlonely/schemax/schema"
	"github.com/pkg/errors"
)

// SQLite 通过 sqlite_master 和 PRAGMA 读取结构
type SQLite struct {
	db      *sql.DB
	dialect *executor.Dialect
}

func NewSQLite(db *sql.DB) *SQLite {
	dialect, _ := executor.NewDialect(executor.DialectSQLite)
	return &SQLite{db: db, dialect: dialect}
}

type sqliteColumn struct {
	name    string
	typ     string
	notNull bool
	dflt    sql.NullString
	pk      bool
}

type sqliteIndex struct {
	name    string
	unique  bool
	origin  string
	columns []string
}

type sqliteForeignKey struct {
	table    string
	from     []string
	to       []string
	onUpdate string
	onDelete string
}

func (s *SQLite) Introspect(ctx context.Context, declared *schema.Schema) (*schema.Schema, error) {
	// 连接数为 1 时不能嵌套查询，先读出全部表名
	rows, err := s.db.QueryContext(ctx, `SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "query sqlite_master failed")
	}
	type entry struct{ name, sql string }
	var entries []entry
	for rows.Next() {
		var e entry
		var ddl sql.NullString
		if err := rows.Scan(&e.name, &ddl); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan sqlite_master failed")
		}
		e.sql = ddl.String
		if !skipTable(e.name) {
			entries = append(entries, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sqlite_master failed")
	}

	m := mapper{declared: declared}
	out := &schema.Schema{}
	if declared != nil {
		out.Version = declared.Version
	}
	for _, e := range entries {
		t, err := s.table(ctx, m, e.name, e.sql)
		if err != nil {
			return nil, errors.WithMessagef(err, "table %s", e.name)
		}
		out.Tables = append(out.Tables, t)
	}
	return out, nil
}

func (s *SQLite) table(ctx context.Context, m mapper, name string, ddl string) (*schema.Table, error) {
	t, decl := m.table(name)

	columns, err := s.columns(ctx, name)
	if err != nil {
		return nil, err
	}
	autoinc := strings.Contains(strings.ToUpper(ddl), "AUTOINCREMENT")
	for _, pc := range columns {
		c, dc := m.column(decl, pc.name)
		c.Primary = pc.pk
		c.Nullable = !pc.notNull && !pc.pk
		c.Type, c.Size = Predict(pc.typ, dc, pc.pk)
		if pc.pk && autoinc {
			c.Default = schema.Func(schema.FuncAutoIncrement)
		} else if pc.dflt.Valid {
			c.Default = parseDefault(s.dialect, pc.dflt.String, dc)
		}
		t.Columns = append(t.Columns, c)
	}

	indexes, err := s.indexes(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		if !idx.unique || idx.origin == "pk" {
			continue
		}
		applyUnique(t, decl, idx.name, logicalColumns(decl, idx.columns))
	}

	fks, err := s.foreignKeys(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, pf := range fks {
		refName, refDecl := m.logicalTable(pf.table)
		fk := &schema.ForeignKey{
			Columns:    logicalColumns(decl, pf.from),
			RefTable:   refName,
			RefColumns: logicalColumns(refDecl, pf.to),
			OnUpdate:   parseAction(pf.onUpdate),
			OnDelete:   parseAction(pf.onDelete),
		}
		if len(pf.to) == 0 && refDecl != nil && refDecl.PrimaryColumn() != nil {
			fk.RefColumns = []string{refDecl.PrimaryColumn().Name}
		}
		fk.Name = foreignKeyName(decl, fk)
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	return t, nil
}

func (s *SQLite) columns(ctx context.Context, table string) ([]sqliteColumn, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+s.dialect.Quote(table)+")")
	if err != nil {
		return nil, errors.Wrap(err, "query table_info failed")
	}
	defer rows.Close()

	var out []sqliteColumn
	for rows.Next() {
		var cid, notNull, pk int
		var c sqliteColumn
		if err := rows.Scan(&cid, &c.name, &c.typ, &notNull, &c.dflt, &pk); err != nil {
			return nil, errors.Wrap(err, "scan table_info failed")
		}
		c.notNull = notNull != 0
		c.pk = pk != 0
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate table_info failed")
}

func (s *SQLite) indexes(ctx context.Context, table string) ([]*sqliteIndex, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA index_list("+s.dialect.Quote(table)+")")
	if err != nil {
		return nil, errors.Wrap(err, "query index_list failed")
	}
	var out []*sqliteIndex
	for rows.Next() {
		var seq, unique, partial int
		idx := &sqliteIndex{}
		if err := rows.Scan(&seq, &idx.name, &unique, &idx.origin, &partial); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan index_list failed")
		}
		idx.unique = unique != 0
		out = append(out, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate index_list failed")
	}

	for _, idx := range out {
		if err := s.indexColumns(ctx, idx); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (s *SQLite) indexColumns(ctx context.Context, idx *sqliteIndex) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA index_info("+s.dialect.Quote(idx.name)+")")
	if err != nil {
		return errors.Wrapf(err, "query index_info %s failed", idx.name)
	}
	defer rows.Close()
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return errors.Wrap(err, "scan index_info failed")
		}
		idx.columns = append(idx.columns, name.String)
	}
	return errors.Wrap(rows.Err(), "iterate index_info failed")
}

func (s *SQLite) foreignKeys(ctx context.Context, table string) ([]*sqliteForeignKey, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_list("+s.dialect.Quote(table)+")")
	if err != nil {
		return nil, errors.Wrap(err, "query foreign_key_list failed")
	}
	defer rows.Close()

	byID := map[int]*sqliteForeignKey{}
	var ids []int
	for rows.Next() {
		var id, seq int
		var ref, from, match string
		var to sql.NullString
		var onUpdate, onDelete string
		if err := rows.Scan(&id, &seq, &ref, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, errors.Wrap(err, "scan foreign_key_list failed")
		}
		fk, ok := byID[id]
		if !ok {
			fk = &sqliteForeignKey{table: ref, onUpdate: onUpdate, onDelete: onDelete}
			byID[id] = fk
			ids = append(ids, id)
		}
		fk.from = append(fk.from, from)
		if to.Valid {
			fk.to = append(fk.to, to.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate foreign_key_list failed")
	}

	// PRAGMA 返回的 id 与声明顺序相反
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	out := make([]*sqliteForeignKey, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

var _ Introspector = (*SQLite)(nil)
