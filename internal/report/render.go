package report

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Render writes r as plain-text tables.
func Render(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)

	t := r.Totals
	fmt.Fprintf(tw, "Sales report %d\t\n", r.Year)
	fmt.Fprintf(tw, "Invoices:\t%d\t\n", t.Invoices)
	fmt.Fprintf(tw, "Line items:\t%d\t\n", t.Lines)
	fmt.Fprintf(tw, "Units sold:\t%d\t\n", t.Units)
	fmt.Fprintf(tw, "Revenue:\t%.2f\t\n", t.Revenue)
	fmt.Fprintf(tw, "Products:\t%d\t\n", t.Products)
	fmt.Fprintf(tw, "Customers:\t%d\t\n", t.Customers)
	fmt.Fprintf(tw, "Sellers:\t%d\t\n", t.Sellers)
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("Render: %w", err)
	}

	for _, table := range r.Tables {
		if err := renderTable(w, table); err != nil {
			return fmt.Errorf("Render: %s: %w", table.Dimension.Name, err)
		}
	}
	return nil
}

func renderTable(w io.Writer, t Table) error {
	if _, err := fmt.Fprintf(w, "\n%s\n", t.Dimension.Title); err != nil {
		return err
	}
	if len(t.Rows) == 0 {
		_, err := fmt.Fprintln(w, "(no data)")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tINVOICES\tLINES\tUNITS\tREVENUE\tSHARE\n", t.Dimension.KeyHeader)
	for _, row := range t.Rows {
		key := row.Key
		if key == "" {
			key = "(none)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\t%.1f%%\n", key, row.Invoices, row.Lines, row.Units, row.Revenue, row.Share)
	}
	return tw.Flush()
}
