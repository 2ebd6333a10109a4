package pdf

import (
	"context"
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type ReceiptData struct {
	BrandName     string
	ReceiptNumber string
	DatePaid      string
	PaymentMethod string

	BillToName  string
	BillToEmail string

	Items []ReceiptItem
	Total string

	// SettlementNote explains a charge made in another currency.
	SettlementNote string
	// AccessNote describes subscription access bought by the payment.
	AccessNote string
	TestMode   bool
}

type ReceiptItem struct {
	Description string
	Amount      string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) ([]byte, error) {
	if receipt.ReceiptNumber == "" {
		return nil, fmt.Errorf("receipt number is required")
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	title := "Receipt"
	if receipt.TestMode {
		title = "Receipt (test mode)"
	}
	m.AddRow(20,
		text.NewCol(8, title, props.Text{Size: 20, Style: fontstyle.Bold, Align: align.Left}),
		text.NewCol(4, receipt.BrandName, props.Text{Size: 12, Style: fontstyle.Bold, Align: align.Right}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+receipt.ReceiptNumber, props.Text{Top: 0}),
			text.New("Date paid: "+receipt.DatePaid, props.Text{Top: 5}),
			text.New("Payment method: "+receipt.PaymentMethod, props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New("Billed to", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(receipt.BillToName, props.Text{Top: 5, Align: align.Right}),
			text.New(receipt.BillToEmail, props.Text{Top: 10, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, receipt.Total+" paid on "+receipt.DatePaid, props.Text{Size: 14, Style: fontstyle.Bold, Top: 5}),
	)
	m.AddRow(4, line.NewCol(12))

	m.AddRow(10,
		text.NewCol(9, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, item := range receipt.Items {
		m.AddRow(10,
			text.NewCol(9, item.Description, props.Text{Size: 9}),
			text.NewCol(3, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}
	m.AddRow(10,
		col.New(6),
		text.NewCol(3, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(3, receipt.Total, props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	for _, note := range []string{receipt.AccessNote, receipt.SettlementNote} {
		if note == "" {
			continue
		}
		m.AddRow(8, text.NewCol(12, note, props.Text{Size: 8, Top: 2}))
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
