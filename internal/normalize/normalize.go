// Package normalize cleans upstream merchant names and maps free-form category
// labels onto the canonical taxonomy.
package normalize

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var canonicalCategories = []string{
	"Housing",
	"Transportation",
	"Food",
	"Utilities",
	"Insurance",
	"Healthcare",
	"Savings",
	"Personal",
	"Entertainment",
	"Other",
	"Income",
	"Transfer",
	"Groceries",
	"Dining",
	"Travel",
	"Education",
	"Shopping",
	"Credit Card Payment",
	"Investment",
}

var categoryAliases = map[string]string{
	"food and drink":      "Food",
	"food drink":          "Food",
	"restaurants":         "Dining",
	"restaurant":          "Dining",
	"dining out":          "Dining",
	"grocery":             "Groceries",
	"groceries":           "Groceries",
	"misc":                "Other",
	"miscellaneous":       "Other",
	"credit card":         "Credit Card Payment",
	"credit card payment": "Credit Card Payment",
	"investments":         "Investment",
	"income":              "Income",
	"transfers":           "Transfer",
	"transport":           "Transportation",
}

var (
	nonAlnum     = regexp.MustCompile(`[^a-z0-9]+`)
	controlChars = regexp.MustCompile(`[\x00-\x1f]+`)

	categoryKeys = func() map[string]string {
		m := make(map[string]string, len(canonicalCategories))
		for _, c := range canonicalCategories {
			m[categoryKey(c)] = c
		}

		return m
	}()

	titler = cases.Title(language.English)
)

func categoryKey(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(s), " "))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// MerchantName collapses whitespace and strips control characters. It returns
// "" when nothing printable is left.
func MerchantName(s string) string {
	return controlChars.ReplaceAllString(collapse(s), "")
}

// Key is the case-folded form used to compare names. Whitespace is collapsed
// again since stripping control characters can leave runs behind.
func Key(s string) string {
	return collapse(strings.ToLower(MerchantName(s)))
}

// Category maps a label onto the canonical taxonomy through the alias table.
// Unknown labels are title-cased; blank labels yield "".
func Category(s string) string {
	cleaned := collapse(s)
	if cleaned == "" {
		return ""
	}

	key := categoryKey(cleaned)
	if key == "" {
		return ""
	}

	if c, ok := categoryAliases[key]; ok {
		return c
	}

	if c, ok := categoryKeys[key]; ok {
		return c
	}

	return titler.String(cleaned)
}

// Cents converts a decimal amount to integer minor units, rounding half away from zero.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
