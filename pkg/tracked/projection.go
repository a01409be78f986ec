package tracked

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Bookkeeping columns appended to every projection and stripped again
// before rows reach the caller.
const (
	objectIDColumn         = "_object_id"
	lastModifiedTxIDColumn = "_last_modified_txid"
)

// Projection is the caller's view of a tracked entity: any select list and
// joins over it. In Columns and Joins the entity is aliased "t" and its
// ledger "v", for example
//
//	Projection{
//		Entity:  "orders",
//		Columns: []string{"t.id", "t.status", "v.version", "c.name AS customer"},
//		Joins:   []string{"JOIN customers AS c ON c.id = t.customer_id"},
//	}
//
// Args are bound to $1..$n used in Columns and Joins. The feed restricts the
// projection to the selected changed objects, each once, in page order.
type Projection struct {
	Entity  string
	Columns []string
	Joins   []string
	Args    []any
}

// query renders the projection restricted to the objects of page, in page
// order. The ids are bound as one bigint[] literal after the caller's Args.
func (p Projection) query(l Ledger, page []Change) (string, []any) {
	columns := p.Columns
	if len(columns) == 0 {
		columns = []string{"t.*"}
	}
	id := QuoteIdent(l.IDColumn)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, t.%s AS %s, v.last_modified_txid AS %s\n",
		strings.Join(columns, ", "), id, objectIDColumn, lastModifiedTxIDColumn)
	fmt.Fprintf(&b, "FROM %s AS t\n", l.QuotedEntityTable())
	fmt.Fprintf(&b, "JOIN %s AS v ON v.object_id = t.%s\n", l.QuotedTable(), id)
	fmt.Fprintf(&b, "JOIN unnest($%d::bigint[]) WITH ORDINALITY AS _c(object_id, ord) ON _c.object_id = t.%s\n", len(p.Args)+1, id)
	for _, join := range p.Joins {
		b.WriteString(join)
		b.WriteString("\n")
	}
	b.WriteString("ORDER BY _c.ord")

	args := append(append([]any(nil), p.Args...), idArray(page))
	return b.String(), args
}

// idArray renders the object ids of page as a PostgreSQL array literal.
func idArray(page []Change) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, ch := range page {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(ch.ObjectID, 10))
	}
	b.WriteByte('}')
	return b.String()
}

// Decoder turns one projected row into a caller value. columns and values
// exclude the bookkeeping columns.
type Decoder[T any] func(columns []string, values []any) (T, error)

// AsMap decodes a row into a column → value map.
func AsMap(columns []string, values []any) (map[string]any, error) {
	row := make(map[string]any, len(columns))
	for i, name := range columns {
		row[name] = values[i]
	}
	return row, nil
}

// AsValues decodes a row into its positional values.
func AsValues(columns []string, values []any) ([]any, error) {
	return append([]any(nil), values...), nil
}

// splitBookkeeping separates the two trailing bookkeeping values of a row.
func splitBookkeeping(columns []string, values []any) ([]string, []any, int64, TxID, error) {
	n := len(columns)
	if n < 2 || columns[n-2] != objectIDColumn || columns[n-1] != lastModifiedTxIDColumn {
		return nil, nil, 0, 0, errors.AssertionFailedf("projection rows lack bookkeeping columns: %v", columns)
	}
	objectID, err := toInt64(values[n-2])
	if err != nil {
		return nil, nil, 0, 0, errors.Wrap(err, "object id")
	}
	txid, err := toInt64(values[n-1])
	if err != nil {
		return nil, nil, 0, 0, errors.Wrap(err, "last modified txid")
	}
	return columns[:n-2], values[:n-2], objectID, TxID(txid), nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, errors.Newf("unexpected bookkeeping value %T", v)
	}
}
