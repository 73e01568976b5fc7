package srp

import (
	"fmt"
	"math/big"
)

type primeField struct {
	g *big.Int
	N *big.Int
	n int // size of N in bytes
}

// RFC 5054 group used by GSA
var rfc5054Group2048 = &primeField{
	g: big.NewInt(2),
	N: atobi("0xAC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73", 0),
	n: 2048 / 8,
}

func findPrimeField(bits int) (*primeField, error) {
	switch bits {
	case 0, 2048:
		return rfc5054Group2048, nil
	default:
		return nil, fmt.Errorf("srp: invalid prime-field size %d", bits)
	}
}

func atobi(s string, base int) *big.Int {
	i, ok := big.NewInt(0).SetString(s, base)
	if !ok {
		panic(fmt.Sprintf("srp init: can't parse bigint |%s|", s))
	}
	return i
}
