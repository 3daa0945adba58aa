package amount

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// MaxUint256 is the full-amount sentinel accepted by the pool for withdraw and repay.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Quantity is a requested operation amount in base units.
// Full marks a request for the entire eligible balance; Base is nil in that case.
type Quantity struct {
	Base *big.Int
	Full bool
}

func FullQuantity() Quantity {
	return Quantity{Full: true}
}

func Exact(base *big.Int) Quantity {
	if base == nil || base.Sign() == 0 || base.Cmp(MaxUint256) == 0 {
		return FullQuantity()
	}
	return Quantity{Base: new(big.Int).Set(base)}
}

// Operative is the value placed on the wire: the sentinel for full requests.
func (q Quantity) Operative() *big.Int {
	if q.Full || q.Base == nil {
		return new(big.Int).Set(MaxUint256)
	}
	return new(big.Int).Set(q.Base)
}

func (q Quantity) String() string {
	if q.Full || q.Base == nil {
		return "max"
	}
	return q.Base.String()
}

// IsFullToken reports whether raw is one of the spellings of "operate on everything".
func IsFullToken(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "max", "all", "full":
		return true
	}
	return strings.TrimSpace(raw) == MaxUint256.String()
}

// ParseBase parses a base-unit integer string, mapping the full-amount spellings to FullQuantity.
func ParseBase(raw string) (Quantity, error) {
	if IsFullToken(raw) {
		return FullQuantity(), nil
	}
	clean := strings.TrimSpace(raw)
	if strings.HasPrefix(clean, "-") {
		return Quantity{}, clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return Quantity{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be an integer in base units", raw))
	}
	if n.Cmp(MaxUint256) > 0 {
		return Quantity{}, clierr.New(clierr.CodeUsage, "amount exceeds uint256")
	}
	return Exact(n), nil
}

// ParseDecimal parses a human decimal amount like 1.25 using the token decimals.
func ParseDecimal(raw string, decimals int) (Quantity, error) {
	if IsFullToken(raw) {
		return FullQuantity(), nil
	}
	clean := strings.TrimSpace(raw)
	if decimals < 0 {
		return Quantity{}, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(clean) {
		return Quantity{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be in decimal form like 1.23", raw))
	}
	base, err := decimalToBaseUnits(clean, decimals)
	if err != nil {
		return Quantity{}, err
	}
	n, _ := new(big.Int).SetString(base, 10)
	return Exact(n), nil
}

// Resolve picks between a base-unit and a decimal input; at most one may be set.
func Resolve(baseUnits, decimal string, decimals int) (Quantity, error) {
	if strings.TrimSpace(baseUnits) != "" && strings.TrimSpace(decimal) != "" {
		return Quantity{}, clierr.New(clierr.CodeUsage, "use either --amount or --amount-decimal, not both")
	}
	if strings.TrimSpace(decimal) != "" {
		return ParseDecimal(decimal, decimals)
	}
	return ParseBase(baseUnits)
}

// Format renders base units as a decimal string.
func Format(base *big.Int, decimals int) string {
	if base == nil {
		return "0"
	}
	if base.Cmp(MaxUint256) == 0 {
		return "max"
	}
	return formatDecimal(base.String(), decimals)
}

func formatDecimal(baseUnits string, decimals int) string {
	n := new(big.Int)
	n.SetString(baseUnits, 10)
	if decimals <= 0 {
		return n.String()
	}
	neg := n.Sign() < 0
	s := new(big.Int).Abs(n).String()
	if len(s) <= decimals {
		pad := strings.Repeat("0", decimals-len(s)+1)
		s = pad + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	out := intPart
	if fracPart != "" {
		out = intPart + "." + fracPart
	}
	if neg {
		return "-" + out
	}
	return out
}

func decimalToBaseUnits(decimal string, decimals int) (string, error) {
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}

	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "0", nil
	}
	if _, ok := new(big.Int).SetString(combined, 10); !ok {
		return "", clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return combined, nil
}
