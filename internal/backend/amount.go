package backend

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

var hundred = big.NewRat(100, 1)

// ToCents 将十进制金额换算为整数分，采用远离零的四舍五入（12.345 -> 1235）。
// 换算在十进制精度下完成，不经过二进制浮点乘法。非正数、NaN 与 Inf 一律拒绝。
func ToCents(v any) (int64, error) {
	text, err := decimalText(v)
	if err != nil {
		return 0, err
	}
	amount, ok := new(big.Rat).SetString(text)
	if !ok {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("amount %q is not a decimal number", text))
	}
	cents := roundHalfAwayFromZero(amount.Mul(amount, hundred))
	if cents.Sign() <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "amount must be greater than zero")
	}
	if !cents.IsInt64() {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "amount is out of range")
	}
	return cents.Int64(), nil
}

func decimalText(v any) (string, error) {
	switch value := v.(type) {
	case float64:
		return floatText(value, 64)
	case float32:
		return floatText(float64(value), 32)
	case int:
		return strconv.FormatInt(int64(value), 10), nil
	case int32:
		return strconv.FormatInt(int64(value), 10), nil
	case int64:
		return strconv.FormatInt(value, 10), nil
	case json.Number:
		return stringText(value.String())
	case string:
		return stringText(value)
	case nil:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "amount is required")
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("amount has unsupported type %T", v))
	}
}

func floatText(value float64, bitSize int) (string, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "amount must be a finite number")
	}
	// 最短表示保留调用方写下的十进制数字，例如 12.345 而不是 12.3449999...
	return strconv.FormatFloat(value, 'f', -1, bitSize), nil
}

func stringText(value string) (string, error) {
	text := strings.TrimPrefix(strings.TrimSpace(value), "$")
	text = strings.ReplaceAll(text, ",", "")
	if !decimalPattern.MatchString(text) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("amount %q is not a decimal number", value))
	}
	return text, nil
}

func roundHalfAwayFromZero(r *big.Rat) *big.Int {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	twice := new(big.Int).Mul(new(big.Int).Abs(rem), big.NewInt(2))
	if twice.Cmp(den) >= 0 {
		if num.Sign() < 0 {
			quo.Sub(quo, big.NewInt(1))
		} else {
			quo.Add(quo, big.NewInt(1))
		}
	}
	return quo
}
