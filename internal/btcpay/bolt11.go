package btcpay

import "strings"

const satsPerBTC = 100_000_000

// AmountSats extracts the invoice amount in satoshis from a BOLT11 human
// readable part, e.g. lnbc2500u -> 250000. Returns false when no amount is
// encoded, the invoice is malformed, or the amount is not a whole number of
// satoshis.
func AmountSats(invoice string) (int64, bool) {
	s := strings.ToLower(strings.TrimSpace(invoice))

	// the bech32 data charset contains no '1', so the last '1' is the
	// separator and everything before it is the human readable part
	sep := strings.LastIndexByte(s, '1')
	if sep < 0 {
		return 0, false
	}
	hrp := s[:sep]

	if !strings.HasPrefix(hrp, "ln") {
		return 0, false
	}

	i := 2
	for i < len(hrp) && hrp[i] >= 'a' && hrp[i] <= 'z' {
		i++
	}

	start := i
	for i < len(hrp) && hrp[i] >= '0' && hrp[i] <= '9' {
		i++
	}
	if i == start || i-start > 15 {
		return 0, false
	}

	var amount int64
	for _, c := range hrp[start:i] {
		amount = amount*10 + int64(c-'0')
	}

	multiplier := byte(0)
	if i < len(hrp) {
		multiplier = hrp[i]
		i++
	}
	if i != len(hrp) {
		return 0, false
	}

	switch multiplier {
	case 0:
		return amount * satsPerBTC, true
	case 'm':
		return amount * (satsPerBTC / 1_000), true
	case 'u':
		return amount * (satsPerBTC / 1_000_000), true
	case 'n':
		if amount%10 != 0 {
			return 0, false
		}
		return amount / 10, true
	case 'p':
		if amount%10_000 != 0 {
			return 0, false
		}
		return amount / 10_000, true
	}
	return 0, false
}
