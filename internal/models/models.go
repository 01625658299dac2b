package models

// Column describes one column of a table as reported by information_schema.
type Column struct {
	TableName  string  `json:"table_name"`
	ColumnName string  `json:"column_name"`
	DataType   string  `json:"data_type"`
	Nullable   bool    `json:"is_nullable"`
	Default    *string `json:"column_default,omitempty"`
}

// Table is a base table and, when loaded, its columns in ordinal order.
type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns,omitempty"`
}

// QualifiedName returns schema.name without quoting. Use it for display only.
func (t Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// TableCount is the row count of one table at the time it was read.
type TableCount struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// GroupColumns attaches columns to their tables, keeping the order in which
// each table first appears.
func GroupColumns(schema string, cols []Column) []Table {
	var tables []Table
	index := make(map[string]int)
	for _, c := range cols {
		i, ok := index[c.TableName]
		if !ok {
			i = len(tables)
			index[c.TableName] = i
			tables = append(tables, Table{Schema: schema, Name: c.TableName})
		}
		tables[i].Columns = append(tables[i].Columns, c)
	}
	return tables
}
