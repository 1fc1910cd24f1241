// Package extractor turns a snapshot of the portal's result markup into
// normalized cause-list tables.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
)

var tracer = observability.Tracer("extractor")

// DefaultCaption is used for tables without a <caption>.
const DefaultCaption = "Cause List"

// Options names the markup the extractor looks for.
type Options struct {
	// Container selects the blocks that hold result tables.
	Container string
	// CellContent, when present inside a cell, is read instead of the whole cell.
	CellContent    string
	DefaultCaption string
}

// OptionsFromPortal reads extraction options from the portal configuration.
func OptionsFromPortal(cfg config.PortalConfig) Options {
	return Options{
		Container:      cfg.ResultContainer,
		CellContent:    cfg.CellContent,
		DefaultCaption: cfg.DefaultCaption,
	}
}

// Result is everything one snapshot yielded. Zero containers is a valid result.
type Result struct {
	Containers int
	Tables     []schemas.CauseListTable
}

// Extractor is stateless and safe for concurrent use.
type Extractor struct {
	opts Options
}

func New(opts Options) *Extractor {
	if opts.Container == "" {
		opts.Container = ".distTableContent"
	}
	if opts.DefaultCaption == "" {
		opts.DefaultCaption = DefaultCaption
	}
	return &Extractor{opts: opts}
}

// Extract parses r and returns every table of every container in document order.
// The first row of each table is treated as its header row and skipped; rows
// without a single data cell are dropped; every other row is kept as-is, even
// when its width differs from the header count.
func (e *Extractor) Extract(ctx context.Context, r io.Reader) (Result, error) {
	_, span := tracer.Start(ctx, "Extract")
	defer span.End()

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		observability.EndSpan(span, err)
		return Result{}, fmt.Errorf("failed to parse result markup: %w", err)
	}

	containers := doc.Find(e.opts.Container)
	res := Result{Containers: containers.Length(), Tables: []schemas.CauseListTable{}}

	containers.Each(func(_ int, c *goquery.Selection) {
		c.Find("table").Each(func(_ int, t *goquery.Selection) {
			res.Tables = append(res.Tables, e.table(t))
		})
	})

	span.SetAttributes(
		attribute.Int("containers", res.Containers),
		attribute.Int("tables", len(res.Tables)),
	)
	return res, nil
}

func (e *Extractor) table(t *goquery.Selection) schemas.CauseListTable {
	caption := text(t.Find("caption").First())
	if caption == "" {
		caption = e.opts.DefaultCaption
	}

	headers := []string{}
	t.Find("th").Each(func(_ int, th *goquery.Selection) {
		headers = append(headers, text(th))
	})

	rows := [][]string{}
	t.Find("tr").Each(func(i int, tr *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return
		}
		row := make([]string, 0, cells.Length())
		cells.Each(func(_ int, td *goquery.Selection) {
			if e.opts.CellContent != "" {
				if inner := td.Find(e.opts.CellContent); inner.Length() > 0 {
					row = append(row, text(inner.First()))
					return
				}
			}
			row = append(row, text(td))
		})
		rows = append(rows, row)
	})

	return schemas.CauseListTable{Caption: caption, Headers: headers, Rows: rows}
}

// text returns the printable text under sel with whitespace runs collapsed.
func text(sel *goquery.Selection) string {
	var buf bytes.Buffer
	for _, n := range sel.Nodes {
		collectText(n, &buf)
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, buf.String())
	return strings.Join(strings.Fields(cleaned), " ")
}

func collectText(n *html.Node, buf *bytes.Buffer) {
	if n == nil {
		return
	}
	if n.Type == html.TextNode {
		buf.WriteString(n.Data)
		return
	}
	// <br> separates lines visually; keep the words apart.
	if n.Type == html.ElementNode && n.Data == "br" {
		buf.WriteByte(' ')
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, buf)
	}
}
