package parser

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/redopipe/redopipe/internal/rerr"
)

// Oracle's NUMBER wire format packs a sign-biased exponent byte followed by
// base-100 "digit" bytes. Zero is the single byte 0x80. Positive numbers
// bias each digit by +1 and the exponent by +193; negative numbers invert
// each digit (101-d) and bias the exponent by 62-e, terminated by a 0x66
// sentinel unless the encoding is already maximum width. DecodeNumber and
// EncodeNumber are exact inverses of each other so a record's NUMBER column
// round-trips byte-identically, per spec.md section 4.3.

const (
	numZero        = 0x80
	numNegSentinel = 0x66
	numPosBias     = 193
	numNegBias     = 62
)

// DecodeNumber decodes raw (Oracle NUMBER wire format bytes) into an
// arbitrary-precision decimal.
func DecodeNumber(raw []byte) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Decimal{}, rerr.New(rerr.RedoLog, 400, "parser: empty NUMBER encoding")
	}
	if len(raw) == 1 && raw[0] == numZero {
		return decimal.Zero, nil
	}

	expByte := raw[0]
	digits := raw[1:]
	negative := expByte < numZero

	var exp int
	if negative {
		exp = numNegBias - int(expByte)
		if len(digits) > 0 && digits[len(digits)-1] == numNegSentinel {
			digits = digits[:len(digits)-1]
		}
	} else {
		exp = int(expByte) - numPosBias
	}
	if len(digits) == 0 {
		return decimal.Decimal{}, rerr.New(rerr.RedoLog, 402, "parser: NUMBER has no digit bytes")
	}

	mantissa := new(big.Int)
	hundred := big.NewInt(100)
	for _, raw := range digits {
		var d int64
		if negative {
			d = int64(101 - raw)
		} else {
			d = int64(raw - 1)
		}
		if d < 0 || d > 99 {
			return decimal.Decimal{}, rerr.New(rerr.RedoLog, 401, "parser: NUMBER digit out of range")
		}
		mantissa.Mul(mantissa, hundred)
		mantissa.Add(mantissa, big.NewInt(d))
	}

	// value = sum(digit[i] * 100^(exp-i)) for i in [0, n), i.e. a base-100
	// mantissa scaled by 100^(exp-(n-1)), expressed here in base 10.
	tenExp := 2 * (exp - (len(digits) - 1))
	result := decimal.NewFromBigInt(mantissa, int32(tenExp))
	if negative {
		result = result.Neg()
	}
	return result, nil
}

// EncodeNumber is the inverse of DecodeNumber.
func EncodeNumber(v decimal.Decimal) []byte {
	if v.IsZero() {
		return []byte{numZero}
	}

	negative := v.IsNegative()
	abs := v.Abs()

	coeff := abs.Coefficient() // unsigned big.Int mantissa
	scale := int(abs.Exponent())

	digits, exp := toBase100(coeff, scale)

	out := make([]byte, 0, len(digits)+2)
	if negative {
		out = append(out, byte(numNegBias-exp))
		for _, d := range digits {
			out = append(out, byte(101-d))
		}
		if len(out) < 21 { // Oracle caps NUMBER at 21 bytes; below cap, sentinel-terminate
			out = append(out, numNegSentinel)
		}
	} else {
		out = append(out, byte(exp+numPosBias))
		for _, d := range digits {
			out = append(out, byte(d+1))
		}
	}
	return out
}

// toBase100 re-expresses coeff*10^scale as a sequence of base-100 digits
// (most significant first) plus the base-100 exponent of the first digit,
// matching the convention DecodeNumber assumes.
func toBase100(coeff *big.Int, scale int) ([]int64, int) {
	// Normalize so the value is coeff * 100^scale100 with scale100 the
	// base-100 exponent of the decimal point, by folding any odd power of
	// ten into the coefficient.
	c := new(big.Int).Set(coeff)
	if scale%2 != 0 {
		c.Mul(c, big.NewInt(10))
		scale--
	}
	scale100 := scale / 2

	var digits []int64
	hundred := big.NewInt(100)
	mod := new(big.Int)
	quo := new(big.Int)
	for c.Sign() != 0 {
		quo.QuoRem(c, hundred, mod)
		digits = append([]int64{mod.Int64()}, digits...)
		c.Set(quo)
	}
	if len(digits) == 0 {
		digits = []int64{0}
	}
	exp := scale100 + len(digits) - 1
	return digits, exp
}
