package chain

import "strconv"

// Routing tokens recovered from raw bytes must look like an account id;
// shorter digit runs inside encoded transactions are almost always field
// tags or lengths rather than memo content.
const (
	tokenMinDigits = 5
	tokenMaxDigits = 12
)

// ExtractRoutingToken recovers the routing account id from an encoded
// transaction whose memo is not exposed by the structured query path. It
// scans the printable regions of raw for the decimal text of the base-unit
// amount, then picks the first later digit run of account-id-like length
// that is not the amount itself.
func ExtractRoutingToken(raw []byte, baseAmount int64) (int64, bool) {
	anchor := strconv.FormatInt(baseAmount, 10)
	start := indexPrintable(raw, anchor)
	if start < 0 {
		return 0, false
	}
	i := start + len(anchor)
	for i < len(raw) {
		if !isDigit(raw[i]) {
			i++
			continue
		}
		j := i
		for j < len(raw) && isDigit(raw[j]) {
			j++
		}
		run := string(raw[i:j])
		i = j
		if len(run) < tokenMinDigits || len(run) > tokenMaxDigits || run == anchor {
			continue
		}
		id, err := strconv.ParseInt(run, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		return id, true
	}
	return 0, false
}

// indexPrintable finds needle inside a maximal printable run of raw and
// returns its byte offset, or -1.
func indexPrintable(raw []byte, needle string) int {
	if needle == "" {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(raw); i++ {
		for j := 0; j < len(needle); j++ {
			if raw[i+j] != needle[j] || !isPrintable(raw[i+j]) {
				continue outer
			}
		}
		// reject a partial match inside a longer digit run
		if i > 0 && isDigit(raw[i-1]) {
			continue
		}
		if i+len(needle) < len(raw) && isDigit(raw[i+len(needle)]) {
			continue
		}
		return i
	}
	return -1
}

func isDigit(b byte) bool     { return b >= '0' && b <= '9' }
func isPrintable(b byte) bool { return b >= 0x20 && b <= 0x7e }
