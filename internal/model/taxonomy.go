package model

import "sort"

// PGC category codes from the Spanish general chart of accounts. The engine
// classifies into this fixed taxonomy; the model collaborator is prompted
// with the same list.
var PGCCategories = map[string]string{
	// Expenses (600-629)
	"600": "Compras de mercaderías",
	"621": "Arrendamientos y cánones",
	"622": "Reparaciones y conservación",
	"623": "Servicios de profesionales independientes",
	"624": "Transportes",
	"625": "Primas de seguros",
	"626": "Servicios bancarios y similares",
	"627": "Publicidad, propaganda y relaciones públicas",
	"628": "Suministros",
	"629": "Otros servicios",
	// Income (700-759)
	"700": "Ventas de mercaderías",
	"705": "Prestaciones de servicios",
	"759": "Ingresos por servicios diversos",
}

// Fallback categories used when the model collaborator returns output that
// cannot be parsed: the "other" bucket on each side of the taxonomy.
const (
	FallbackExpenseCategory = "629"
	FallbackIncomeCategory  = "759"
)

// ExpenseCategories returns the expense codes in ascending order.
func ExpenseCategories() []string {
	return categoriesBelow("700")
}

// IncomeCategories returns the income codes in ascending order.
func IncomeCategories() []string {
	var codes []string
	for code := range PGCCategories {
		if code >= "700" {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

func categoriesBelow(limit string) []string {
	var codes []string
	for code := range PGCCategories {
		if code < limit {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// ValidCategory reports whether code belongs to the taxonomy.
func ValidCategory(code string) bool {
	_, ok := PGCCategories[code]
	return ok
}

// FallbackCategory picks the fallback code matching the sign of amount.
func FallbackCategory(amount float64) string {
	if amount >= 0 {
		return FallbackIncomeCategory
	}
	return FallbackExpenseCategory
}
