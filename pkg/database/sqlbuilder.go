package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Excluded references the proposed row inside an ON CONFLICT clause.
func Excluded(column string) string {
	return fmt.Sprintf("%s = EXCLUDED.%s", column, column)
}

type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder(table string) *InsertBuilder {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	return &InsertBuilder{ib}
}

// OnConflict appends ON CONFLICT (columns) DO UPDATE SET assignments. Must be called after
// Values and before Returning.
func (b *InsertBuilder) OnConflict(columns []string, assignments ...string) *InsertBuilder {
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(columns, ", "), strings.Join(assignments, ", ")))
	return b
}

// OnConflictWhere is OnConflict with a guard; rows failing the guard are left untouched and
// RETURNING yields nothing for them.
func (b *InsertBuilder) OnConflictWhere(columns []string, where string, assignments ...string) *InsertBuilder {
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s WHERE %s",
		strings.Join(columns, ", "), strings.Join(assignments, ", "), where))
	return b
}

func (b *InsertBuilder) OnConflictDoNothing() *InsertBuilder {
	b.SQL("ON CONFLICT DO NOTHING")
	return b
}

func NewSelectBuilder() *sqlbuilder.SelectBuilder {
	return sqlbuilder.PostgreSQL.NewSelectBuilder()
}

func NewUpdateBuilder(table string) *sqlbuilder.UpdateBuilder {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	return ub
}

func NewDeleteBuilder(table string) *sqlbuilder.DeleteBuilder {
	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(table)
	return db
}

// NewStruct builds column lists from the db tags of v.
func NewStruct(v any) *sqlbuilder.Struct {
	return sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)
}
