package mtasts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mjl-/mxdial/dns"
)

// grammarError is raised via panic by the scanner's expect/take helpers and
// caught at the top of ParseRecord/ParsePolicy, so the recursive-descent
// grammar below can read like straight-line code instead of threading an
// error return through every call.
type grammarError string

func (e grammarError) Error() string {
	return string(e)
}

var _ error = grammarError("")

// ParseRecord parses the TXT record served under "_mta-sts.<domain>",
// e.g. "v=STSv1; id=20160831085700Z". See RFC 8461 section 3.1.
func ParseRecord(txt string) (record *Record, ismtasts bool, err error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if xerr, ok := x.(grammarError); ok {
			record = nil
			err = fmt.Errorf("%w: %s", ErrRecordSyntax, xerr)
			return
		}
		panic(x)
	}()

	sc := newScanner(txt)
	record = &Record{
		Version: "STSv1",
	}
	seen := map[string]struct{}{}
	sc.expect("v=STSv1")
	sc.expectDelim()
	ismtasts = true
	for {
		k := sc.takeKey()
		sc.expect("=")

		// RFC 8461 section 3.1 doesn't say anything about duplicate fields in the
		// TXT record, but section 3.2's policy grammar does, and that rule is
		// assumed to apply here too: for a repeated id, the first occurrence wins.
		// Extension fields are all kept.
		_, dup := seen[k]
		seen[k] = struct{}{}

		switch k {
		case "id":
			id := sc.takeID()
			if !dup {
				record.ID = id
			}
		default:
			v := sc.takeValue()
			record.Extensions = append(record.Extensions, Pair{k, v})
		}
		if !sc.atDelim() || sc.atEnd() {
			break
		}
	}
	if !sc.atEnd() {
		sc.fail("leftover characters")
	}
	if record.ID == "" {
		sc.fail("missing id")
	}
	return
}

// ParsePolicy parses the policy document served at
// "https://mta-sts.<domain>/.well-known/mta-sts.txt". See RFC 8461 section
// 3.2.
func ParsePolicy(s string) (policy *Policy, err error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if xerr, ok := x.(grammarError); ok {
			policy = nil
			err = fmt.Errorf("%w: %s", ErrPolicySyntax, xerr)
			return
		}
		panic(x)
	}()

	sc := newScanner(s)
	policy = &Policy{
		Version: "STSv1",
	}
	seen := map[string]struct{}{}
	for {
		k := sc.takeKey()
		// Repeats of "mode" and "max_age" are parsed (for a clean
		// leftover-characters check) but ignored; "mx" and extension fields
		// accumulate.
		_, dup := seen[k]
		seen[k] = struct{}{}
		sc.expect(":")
		sc.skipSpace()
		switch k {
		case "version":
			policy.Version = sc.expect("STSv1")
		case "mode":
			mode := Mode(sc.takeOneOf("testing", "enforce", "none"))
			if !dup {
				policy.Mode = mode
			}
		case "max_age":
			maxage := sc.takeMaxAge()
			if !dup {
				policy.MaxAgeSeconds = maxage
			}
		case "mx":
			policy.MX = append(policy.MX, sc.takeMX())
		default:
			v := sc.takePolicyValue()
			policy.Extensions = append(policy.Extensions, Pair{k, v})
		}
		sc.skipSpace()
		if !sc.atEOL() || sc.atEnd() {
			break
		}
	}
	if !sc.atEnd() {
		sc.fail("leftover characters")
	}
	for _, req := range []string{"version", "mode", "max_age"} {
		if _, ok := seen[req]; !ok {
			sc.fail("missing field %q", req)
		}
	}
	if _, ok := seen["mx"]; !ok && policy.Mode != ModeNone {
		// RFC 8461 section 3.2: mx is required unless mode is "none".
		sc.fail("missing mx given mode")
	}
	return
}

// scanner walks a record or policy document byte by byte. Every take*/expect*
// method either consumes what it expects and advances the cursor, or raises
// a grammarError via fail, unwound by the recover in ParseRecord/ParsePolicy.
type scanner struct {
	buf    string
	cursor int
}

func newScanner(s string) *scanner {
	return &scanner{buf: s}
}

func (sc *scanner) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if sc.cursor < len(sc.buf) {
		msg += fmt.Sprintf(" (remain %q)", sc.buf[sc.cursor:])
	}
	panic(grammarError(msg))
}

// expect consumes s if the scanner is positioned at it, failing otherwise.
func (sc *scanner) expect(s string) string {
	if !sc.hasPrefix(s) {
		sc.fail("expected %q", s)
	}
	sc.cursor += len(s)
	return s
}

func (sc *scanner) expectDelim() {
	if !sc.atDelim() {
		sc.fail("expected semicolon")
	}
}

func (sc *scanner) take(n int) string {
	r := sc.buf[sc.cursor : sc.cursor+n]
	sc.cursor += n
	return r
}

// takeWhile1 consumes a maximal run of bytes satisfying fn (which also sees
// each byte's offset within the run, for rules that bound token length),
// failing if the run would be empty.
func (sc *scanner) takeWhile1(fn func(rune, int) bool) string {
	for i, b := range sc.buf[sc.cursor:] {
		if !fn(b, i) {
			if i == 0 {
				sc.fail("expected at least one char")
			}
			return sc.take(i)
		}
	}
	if sc.atEnd() {
		sc.fail("expected at least 1 char")
	}
	return sc.take(len(sc.buf) - sc.cursor)
}

func (sc *scanner) hasPrefix(s string) bool {
	return strings.HasPrefix(sc.buf[sc.cursor:], s)
}

// takeKey scans a field name as used on both the TXT record and the policy
// document. RFC 8461 section 3.3.
func (sc *scanner) takeKey() string {
	return sc.takeWhile1(func(b rune, i int) bool {
		return i < 32 && (b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || (i > 0 && b == '_' || b == '-' || b == '.'))
	})
}

// takeID scans the TXT record's "id=" value. RFC 8461 section 3.1.
func (sc *scanner) takeID() string {
	return sc.takeWhile1(func(b rune, i int) bool {
		return i < 32 && (b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9')
	})
}

// takeValue scans a TXT-record extension value. RFC 8461 section 3.1.
func (sc *scanner) takeValue() string {
	return sc.takeWhile1(func(b rune, i int) bool {
		return b > ' ' && b < 0x7f && b != '=' && b != ';'
	})
}

// atDelim reports and, if present, consumes a "; " delimiter (with
// surrounding whitespace), per RFC 8461 section 3.1.
func (sc *scanner) atDelim() bool {
	o := sc.cursor
	e := len(sc.buf)
	for o < e && (sc.buf[o] == ' ' || sc.buf[o] == '\t') {
		o++
	}
	if o >= e || sc.buf[o] != ';' {
		return false
	}
	o++
	for o < e && (sc.buf[o] == ' ' || sc.buf[o] == '\t') {
		o++
	}
	sc.cursor = o
	return true
}

func (sc *scanner) atEnd() bool {
	return sc.cursor >= len(sc.buf)
}

// atEOL consumes a line ending, LF or CRLF. RFC 8461 section 3.2.
func (sc *scanner) atEOL() bool {
	return sc.consume("\n") || sc.consume("\r\n")
}

func (sc *scanner) takeOneOf(choices ...string) string {
	for _, s := range choices {
		if sc.hasPrefix(s) {
			return sc.take(len(s))
		}
	}
	sc.fail("expected one of %s", strings.Join(choices, ", "))
	return "" // not reached
}

// takeMaxAge scans the policy document's "max_age:" value, at most 10
// digits. A value beyond the int32 range fails strconv.ParseInt and is
// rejected. RFC 8461 section 3.2.
func (sc *scanner) takeMaxAge() int {
	digits := sc.takeWhile1(func(b rune, i int) bool {
		return b >= '0' && b <= '9' && i < 10
	})
	v, err := strconv.ParseInt(digits, 10, 32)
	if err != nil {
		sc.fail("parsing integer: %s", err)
	}
	return int(v)
}

func (sc *scanner) consume(s string) bool {
	if sc.hasPrefix(s) {
		sc.cursor += len(s)
		return true
	}
	return false
}

// takeMX scans one "mx:" value, an optional "*." wildcard prefix followed by
// a domain. RFC 8461 section 3.2.
func (sc *scanner) takeMX() (mx STSMX) {
	if sc.hasPrefix("*.") {
		mx.Wildcard = true
		sc.cursor += 2
	}
	mx.Domain = sc.takeDomain()
	return mx
}

// takeDomain scans a dot-separated run of labels. RFC 5321 section 4.1.2.
func (sc *scanner) takeDomain() dns.Domain {
	s := sc.takeLabel()
	for sc.consume(".") {
		s += "." + sc.takeLabel()
	}
	d, err := dns.ParseDomain(s)
	if err != nil {
		sc.fail("parsing domain %q: %s", s, err)
	}
	return d
}

// takeLabel scans one domain label. U-labels (unicode/IDNA) are rejected:
// MTA-STS domains must be written in A-labels. RFC 8461 section 3.2, RFC
// 5321 section 4.1.2.
func (sc *scanner) takeLabel() string {
	unicode := false
	s := sc.takeWhile1(func(c rune, i int) bool {
		if c > 0x7f {
			unicode = true
		}
		return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || (i > 0 && c == '-') || c > 0x7f
	})
	if unicode {
		sc.fail("domain must be specified in A-labels, not U-labels (unicode)")
	}
	return s
}

// takePolicyValue scans an unrecognized policy field's value, up to end of
// line, trimming trailing spaces. RFC 8461 section 3.2.
func (sc *scanner) takePolicyValue() string {
	e := len(sc.buf)
	for i, c := range sc.buf[sc.cursor:] {
		if c > ' ' && c < 0x7f || c >= 0x80 || (c == ' ' && i > 0) {
			continue
		}
		e = sc.cursor + i
		break
	}
	for e > sc.cursor && sc.buf[e-1] == ' ' {
		e--
	}
	n := e - sc.cursor
	if n <= 0 {
		sc.fail("empty extension value")
	}
	return sc.take(n)
}

// skipSpace consumes any run of spaces and tabs.
func (sc *scanner) skipSpace() {
	n := len(sc.buf)
	for sc.cursor < n && (sc.buf[sc.cursor] == ' ' || sc.buf[sc.cursor] == '\t') {
		sc.cursor++
	}
}
