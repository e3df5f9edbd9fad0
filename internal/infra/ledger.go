package infra

import (
	"github.com/shopspring/decimal"

	"github.com/talgya/infra-world/internal/lifecycle"
)

// Ledger is the economic account of one element or system for one year.
// Amounts accumulate in decimal so long runs do not drift.
type Ledger struct {
	CapitalExpense      decimal.Decimal `json:"capital_expense"`
	OperationsExpense   decimal.Decimal `json:"operations_expense"`
	DecommissionExpense decimal.Decimal `json:"decommission_expense"`
	DistributionExpense decimal.Decimal `json:"distribution_expense"`
	ImportExpense       decimal.Decimal `json:"import_expense"`
	SalesRevenue        decimal.Decimal `json:"sales_revenue"`
	DistributionRevenue decimal.Decimal `json:"distribution_revenue"`
	ExportRevenue       decimal.Decimal `json:"export_revenue"`
}

func amount(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// LifecycleLedger books a year's lifecycle expenses.
func LifecycleLedger(e lifecycle.Expenses) Ledger {
	return Ledger{
		CapitalExpense:      amount(e.Capital),
		OperationsExpense:   amount(e.Operations),
		DecommissionExpense: amount(e.Decommission),
	}
}

// Add returns the line-by-line sum of two ledgers.
func (l Ledger) Add(o Ledger) Ledger {
	return Ledger{
		CapitalExpense:      l.CapitalExpense.Add(o.CapitalExpense),
		OperationsExpense:   l.OperationsExpense.Add(o.OperationsExpense),
		DecommissionExpense: l.DecommissionExpense.Add(o.DecommissionExpense),
		DistributionExpense: l.DistributionExpense.Add(o.DistributionExpense),
		ImportExpense:       l.ImportExpense.Add(o.ImportExpense),
		SalesRevenue:        l.SalesRevenue.Add(o.SalesRevenue),
		DistributionRevenue: l.DistributionRevenue.Add(o.DistributionRevenue),
		ExportRevenue:       l.ExportRevenue.Add(o.ExportRevenue),
	}
}

// Expenses is the sum of all expense lines.
func (l Ledger) Expenses() decimal.Decimal {
	return decimal.Sum(l.CapitalExpense, l.OperationsExpense, l.DecommissionExpense,
		l.DistributionExpense, l.ImportExpense)
}

// Revenues is the sum of all revenue lines.
func (l Ledger) Revenues() decimal.Decimal {
	return decimal.Sum(l.SalesRevenue, l.DistributionRevenue, l.ExportRevenue)
}

// CashFlow is revenues minus expenses.
func (l Ledger) CashFlow() decimal.Decimal {
	return l.Revenues().Sub(l.Expenses())
}
