package pdf

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// CertificateData is what a retirement certificate shows
type CertificateData struct {
	CertificateNumber string
	HolderID          string
	BatchID           string
	ProjectName       string
	MethodologyTag    string
	Quantity          int64
	Reason            string
	SubmissionID      string
	RetiredAt         time.Time
}

type Generator interface {
	Certificate(ctx context.Context, data CertificateData) ([]byte, error)
}

type certificateGenerator struct {
	fontFamily string
	issuer     string
}

// NewGenerator returns a gofpdf-backed generator. issuer is printed in the footer.
func NewGenerator(issuer string) Generator {
	if issuer == "" {
		issuer = "Carbon Credit Registry"
	}
	return &certificateGenerator{fontFamily: "Arial", issuer: issuer}
}

func (g *certificateGenerator) Certificate(ctx context.Context, data CertificateData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data.CertificateNumber == "" {
		return nil, fmt.Errorf("certificate number is required")
	}

	doc := gofpdf.New("L", "mm", "A4", "")
	doc.SetMargins(20, 20, 20)
	doc.SetAutoPageBreak(false, 15)
	doc.SetTitle("Retirement Certificate "+data.CertificateNumber, true)
	doc.SetAuthor(g.issuer, true)
	doc.AddPage()

	pageW, pageH := doc.GetPageSize()
	doc.SetDrawColor(46, 125, 50)
	doc.SetLineWidth(1.5)
	doc.Rect(10, 10, pageW-20, pageH-20, "D")

	doc.SetFont(g.fontFamily, "B", 26)
	doc.SetTextColor(46, 125, 50)
	doc.SetY(30)
	doc.CellFormat(0, 14, "Certificate of Carbon Credit Retirement", "", 1, "C", false, 0, "")

	doc.SetFont(g.fontFamily, "", 12)
	doc.SetTextColor(100, 100, 100)
	doc.CellFormat(0, 8, data.CertificateNumber, "", 1, "C", false, 0, "")
	doc.Ln(10)

	doc.SetFont(g.fontFamily, "", 14)
	doc.SetTextColor(0, 0, 0)
	doc.CellFormat(0, 10, "This certifies that", "", 1, "C", false, 0, "")
	doc.SetFont(g.fontFamily, "B", 18)
	doc.CellFormat(0, 12, data.HolderID, "", 1, "C", false, 0, "")
	doc.SetFont(g.fontFamily, "", 14)
	doc.CellFormat(0, 10, fmt.Sprintf("has permanently retired %d tonnes of CO2e", data.Quantity), "", 1, "C", false, 0, "")
	doc.Ln(6)

	rows := [][2]string{
		{"Project", data.ProjectName},
		{"Methodology", data.MethodologyTag},
		{"Credit batch", data.BatchID},
		{"Reason", data.Reason},
		{"Ledger submission", data.SubmissionID},
		{"Retired on", data.RetiredAt.UTC().Format("2006-01-02 15:04 MST")},
	}
	doc.SetFont(g.fontFamily, "", 11)
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		doc.SetX(60)
		doc.SetFont(g.fontFamily, "B", 11)
		doc.CellFormat(45, 7, row[0], "", 0, "L", false, 0, "")
		doc.SetFont(g.fontFamily, "", 11)
		doc.CellFormat(0, 7, row[1], "", 1, "L", false, 0, "")
	}

	doc.SetY(pageH - 30)
	doc.SetFont(g.fontFamily, "I", 9)
	doc.SetTextColor(128, 128, 128)
	doc.CellFormat(0, 6, "Issued by "+g.issuer+" after on-chain finality of the retirement.", "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render certificate: %w", err)
	}
	return buf.Bytes(), nil
}
