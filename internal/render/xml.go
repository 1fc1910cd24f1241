package render

import (
	"io"
	"strconv"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/causelist/api/schemas"
)

func xmlWriter(pageSize int) writeFunc {
	return func(w io.Writer, meta Meta, tables []schemas.CauseListTable) error {
		doc := buildXML(meta, tables, pageSize)
		_, err := doc.WriteTo(w)
		return err
	}
}

// buildXML groups each table's rows into <page> elements of at most pageSize rows.
// Cells carry the header they sit under, when there is one.
func buildXML(meta Meta, tables []schemas.CauseListTable, pageSize int) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("cause_list")
	root.CreateAttr("court", meta.Label)
	root.CreateAttr("date", meta.Date.String())
	if meta.CaseType != "" {
		root.CreateAttr("case_type", string(meta.CaseType))
	}

	for _, t := range tables {
		te := root.CreateElement("table")
		te.CreateAttr("caption", t.Caption)

		hs := te.CreateElement("headers")
		for _, h := range t.Headers {
			hs.CreateElement("header").SetText(h)
		}

		for i, chunk := range pages(t.Rows, pageSize) {
			page := te.CreateElement("page")
			page.CreateAttr("number", strconv.Itoa(i+1))
			for _, r := range chunk {
				row := page.CreateElement("row")
				for c, v := range r {
					cell := row.CreateElement("cell")
					if c < len(t.Headers) {
						cell.CreateAttr("header", t.Headers[c])
					}
					cell.SetText(v)
				}
			}
		}
	}

	doc.Indent(2)
	return doc
}
