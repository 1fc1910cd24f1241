package render

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/xkilldash9x/causelist/api/schemas"
)

// textWriter renders each table with go-pretty, repeating the header every pageSize rows.
func textWriter(pageSize int) writeFunc {
	return func(w io.Writer, meta Meta, tables []schemas.CauseListTable) error {
		if _, err := fmt.Fprintf(w, "Cause List: %s (%s, %s)\n\n", meta.Label, meta.Date, meta.CaseType); err != nil {
			return err
		}
		for _, t := range tables {
			if _, err := io.WriteString(w, TextTable(t, pageSize)+"\n\n"); err != nil {
				return err
			}
		}
		return nil
	}
}

// TextTable renders one table as a boxed text table.
func TextTable(t schemas.CauseListTable, pageSize int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.SetTitle(t.Caption)
	if pageSize > 0 {
		tw.SetPageSize(pageSize)
	}

	n := columns(t)
	if len(t.Headers) > 0 {
		tw.AppendHeader(toRow(pad(t.Headers, n)))
	}
	for _, r := range t.Rows {
		tw.AppendRow(toRow(pad(r, n)))
	}
	return tw.Render()
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}
