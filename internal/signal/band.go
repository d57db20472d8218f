package signal

import "fmt"

// lteBands maps downlink EARFCN ranges to E-UTRA band numbers (3GPP 36.101).
var lteBands = []struct {
	lo, hi uint32
	band   int
}{
	{0, 599, 1},
	{600, 1199, 2},
	{1200, 1949, 3},
	{1950, 2399, 4},
	{2400, 2649, 5},
	{2750, 3449, 7},
	{3450, 3799, 8},
	{5010, 5179, 12},
	{5180, 5279, 13},
	{5280, 5379, 14},
	{5730, 5849, 17},
	{6150, 6449, 20},
	{8040, 8689, 25},
	{8690, 9039, 26},
	{9210, 9659, 28},
	{37750, 38249, 38},
	{38650, 39649, 40},
	{39650, 41589, 41},
	{66436, 67335, 66},
	{68586, 68935, 71},
}

// BandFromEARFCN returns the LTE band for a downlink EARFCN, or "" when unknown.
func BandFromEARFCN(earfcn uint32) string {
	for _, b := range lteBands {
		if earfcn >= b.lo && earfcn <= b.hi {
			return fmt.Sprintf("B%d", b.band)
		}
	}
	return ""
}
