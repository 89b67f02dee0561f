package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var ErrInvalidQuantity = errors.New("invalid quantity")

// Quantity is a non-negative integer in a relay response. Relays are not consistent here:
// the same field may come as a decimal string, a 0x-prefixed hex string or a JSON number.
// "0x" and "" decode as zero.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	s := string(data)

	v := (*big.Int)(q)
	switch {
	case s == "" || s == "0x" || s == "0X":
		v.SetUint64(0)
		return nil
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		if _, ok := v.SetString(s[2:], 16); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
		}
	default:
		if _, ok := v.SetString(s, 10); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
		}
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: negative value %q", ErrInvalidQuantity, s)
	}
	return nil
}

func (q *Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal((*big.Int)(q).String())
}

// Big returns a copy, nil for nil
func (q *Quantity) Big() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(q))
}

// Uint64 returns nil for nil or when the value does not fit
func (q *Quantity) Uint64() *uint64 {
	if q == nil || !(*big.Int)(q).IsUint64() {
		return nil
	}
	v := (*big.Int)(q).Uint64()
	return &v
}
