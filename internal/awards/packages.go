package awards

import (
	"github.com/shopspring/decimal"
)

// Package is a purchasable bundle of marks priced in the external token.
type Package struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Marks int             `json:"marks"`
	Price decimal.Decimal `json:"price"`
}

var catalogue = []Package{
	{ID: "marks_tiny", Name: "Tiny Pack", Marks: 10, Price: decimal.RequireFromString("0.1")},
	{ID: "marks_small", Name: "Small Pack", Marks: 50, Price: decimal.RequireFromString("0.5")},
	{ID: "marks_medium", Name: "Medium Pack", Marks: 100, Price: decimal.RequireFromString("0.95")},
	{ID: "marks_large", Name: "Large Pack", Marks: 500, Price: decimal.RequireFromString("4.5")},
	{ID: "marks_xlarge", Name: "XLarge Pack", Marks: 1000, Price: decimal.RequireFromString("8.0")},
}

// Packages returns the catalogue in display order.
func Packages() []Package {
	out := make([]Package, len(catalogue))
	copy(out, catalogue)
	return out
}

func LookupPackage(id string) (Package, bool) {
	for _, p := range catalogue {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}
