// Package phone normalises Brazilian phone numbers into the canonical
// dispatch key: country code 55, two-digit area code, the mobile digit 9 and
// an eight-digit subscriber number (13 digits in total).
package phone

import "strings"

const (
	CountryCode = "55"
	mobileDigit = '9'

	maxDigits = 13
	// SubscriberDigits is the trailing width used to compare numbers written
	// in different formats.
	SubscriberDigits = 8
)

// Canonicalize strips formatting and returns the canonical form of raw.
// It never fails: input that cannot be fully interpreted is returned in the
// closest form possible. Empty input yields an empty string.
func Canonicalize(raw string) string {
	d := digits(raw)
	if d == "" {
		return ""
	}
	d = stripDialPrefix(d)
	if len(d) > maxDigits {
		d = d[len(d)-maxDigits:]
	}

	var national string
	switch n := len(d); {
	case (n == 13 || n == 12) && strings.HasPrefix(d, CountryCode):
		national = d[2:]
	case n == 13 || n == 12:
		national = d[n-11:]
	case n == 11 || n == 10:
		national = d
	default:
		if strings.HasPrefix(d, CountryCode) {
			return d
		}
		return CountryCode + d
	}

	return CountryCode + withMobileDigit(national)
}

// stripDialPrefix removes one international (00) or trunk (0) prefix, only
// when what remains still has the length of a full or national number.
func stripDialPrefix(d string) string {
	switch n := len(d); {
	case n > 12 && strings.HasPrefix(d, "00"):
		return d[2:]
	case (n == 11 || n == 12) && d[0] == '0':
		return d[1:]
	}
	return d
}

// withMobileDigit turns a 10 or 11 digit national number into area code +
// 9 + eight subscriber digits.
func withMobileDigit(national string) string {
	area, rest := national[:2], national[2:]
	if len(rest) == 9 && rest[0] == mobileDigit {
		return national
	}
	return area + string(mobileDigit) + rest[len(rest)-SubscriberDigits:]
}

// Variants returns the canonical number followed by its alternate spelling
// with or without the mobile digit. Providers disagree on which one they
// accept, so senders try them in order.
func Variants(canonical string) []string {
	c := digits(canonical)
	if c == "" {
		return nil
	}
	switch {
	case len(c) == 13 && strings.HasPrefix(c, CountryCode) && c[4] == mobileDigit:
		return []string{c, c[:4] + c[5:]}
	case len(c) == 12 && strings.HasPrefix(c, CountryCode):
		return []string{c, c[:4] + string(mobileDigit) + c[4:]}
	default:
		return []string{c}
	}
}

// Suffix returns the last n digits of p, or all of its digits when shorter.
func Suffix(p string, n int) string {
	d := digits(p)
	if len(d) <= n {
		return d
	}
	return d[len(d)-n:]
}

// SameSubscriber reports whether a and b end in the same subscriber number.
func SameSubscriber(a, b string) bool {
	sa, sb := Suffix(a, SubscriberDigits), Suffix(b, SubscriberDigits)
	return len(sa) == SubscriberDigits && sa == sb
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
