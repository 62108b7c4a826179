package hexutils

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/go-errors/errors"
)

func IntFromHex(hexNumber string) (int64, error) {
	// Empty string is OK
	if len(hexNumber) == 0 {
		return 0, nil
	}
	if len(hexNumber) < 2 || hexNumber[:2] != "0x" {
		return 0, errors.Errorf("couldn't parse '%s' as number, must start with '0x'", hexNumber)
	}
	n, err := strconv.ParseInt(hexNumber[2:], 16, 64)
	if err != nil {
		return 0, errors.Errorf("failed to parse '%s' as int: %w", hexNumber, err)
	}
	return n, nil
}

func Uint64FromHex(hexNumber string) (uint64, error) {
	if len(hexNumber) == 0 {
		return 0, nil
	}
	if len(hexNumber) < 2 || hexNumber[:2] != "0x" {
		return 0, errors.Errorf("couldn't parse '%s' as number, must start with '0x'", hexNumber)
	}
	n, err := strconv.ParseUint(hexNumber[2:], 16, 64)
	if err != nil {
		return 0, errors.Errorf("failed to parse '%s' as uint: %w", hexNumber, err)
	}
	return n, nil
}

// BigIntFromHex decodes a hex quantity into its decimal string
// representation. Token amounts routinely exceed 64 bits, so the value
// never narrows to a machine word on the way through.
func BigIntFromHex(hexNumber string) (string, error) {
	// Empty string is OK
	if len(hexNumber) == 0 {
		return "", nil
	}
	if len(hexNumber) < 2 || hexNumber[:2] != "0x" {
		return "", errors.Errorf("couldn't parse '%s' as number, must start with '0x'", hexNumber)
	}
	// a bare "0x" is how nodes encode a zero-length quantity
	if len(hexNumber) == 2 {
		return "0", nil
	}
	n := &big.Int{}
	if _, ok := n.SetString(hexNumber[2:], 16); !ok {
		return "", errors.Errorf("failed to parse '%s' as number", hexNumber)
	}
	return n.Text(10), nil
}

func ToHex(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}
