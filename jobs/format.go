package jobs

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	jobmetrics "github.com/odyssey-erp/cashdesk/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// amountFormatter renders amounts with locale grouping and two decimals, e.g. 1,250.00 or 1.250,00.
func amountFormatter(locale string) func(decimal.Decimal) string {
	tag := language.English
	if parsed, err := language.Parse(locale); err == nil {
		tag = parsed
	}
	printer := message.NewPrinter(tag)
	return func(amount decimal.Decimal) string {
		return printer.Sprint(number.Decimal(amount.Round(2).InexactFloat64(), number.Scale(2)))
	}
}
