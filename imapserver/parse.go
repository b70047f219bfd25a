package imapserver

import (
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// Character classes from the IMAP grammar.
var (
	listWildcards = "%*"
	char          = charRange('\x01', '\x7f')
	ctl           = charRange('\x01', '\x19')
	quotedSpecials = `"\`
	respSpecials   = "]"
	atomChar       = charRemove(char, "(){ "+ctl+listWildcards+quotedSpecials+respSpecials)
	astringChar    = atomChar + respSpecials
	tagChar        = charRemove(astringChar, "+")
)

func charRange(first, last rune) string {
	r := ""
	for c := first; c <= last; c++ {
		r += string(c)
	}
	return r
}

func charRemove(s, remove string) string {
	r := ""
	for _, c := range s {
		if !strings.ContainsRune(remove, c) {
			r += string(c)
		}
	}
	return r
}

func contains(set string, c rune) bool {
	return strings.ContainsRune(set, c)
}

// Maximum size of a literal from the client. Literals only occur in strings,
// e.g. for LOGIN, there is no reason to accept large ones.
const maxLiteralSize = 64 * 1024

type parser struct {
	orig     string   // Line, possibly replaced after reading a literal.
	upper    string   // Uppercased orig, for case-insensitive parsing.
	o        int      // Current offset in parsing.
	contexts []string // What we are parsing, for error messages.
	conn     *conn
}

func newParser(s string, conn *conn) *parser {
	return &parser{s, toUpper(s), 0, nil, conn}
}

// toUpper upper cases only a-z. Unicode in quoted strings and literals must
// not be modified.
func toUpper(s string) string {
	r := []byte(s)
	for i, c := range r {
		if c >= 'a' && c <= 'z' {
			r[i] = c + 'A' - 'a'
		}
	}
	return string(r)
}

func (p *parser) xerrorf(format string, args ...any) {
	var err error
	errmsg := fmt.Sprintf(format, args...)
	remaining := fmt.Sprintf("remaining %q", p.orig[p.o:])
	if len(p.contexts) > 0 {
		remaining += ", context " + strings.Join(p.contexts, ",")
	}
	remaining = " (" + remaining + ")"
	if p.conn.account != nil {
		errmsg += remaining
		err = errors.New(errmsg)
	} else {
		// Don't echo the command back to unauthenticated clients.
		err = errors.New(errmsg + remaining)
	}
	panic(syntaxError{"", "", errmsg, err})
}

func (p *parser) context(s string) func() {
	p.contexts = append(p.contexts, s)
	return func() {
		p.contexts = p.contexts[:len(p.contexts)-1]
	}
}

func (p *parser) empty() bool {
	return p.o == len(p.orig)
}

func (p *parser) xempty() {
	if !p.empty() {
		p.xerrorf("leftover data")
	}
}

func (p *parser) xnonempty() {
	if p.empty() {
		p.xerrorf("unexpected end of line")
	}
}

func (p *parser) hasPrefix(s string) bool {
	return strings.HasPrefix(p.upper[p.o:], s)
}

func (p *parser) take(s string) bool {
	if p.hasPrefix(s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

func (p *parser) space() bool {
	return p.take(" ")
}

func (p *parser) xspace() {
	if !p.space() {
		p.xerrorf("expected space")
	}
}

func (p *parser) xtakeall() string {
	r := p.orig[p.o:]
	p.o = len(p.orig)
	return r
}

// xtakechars takes one or more characters from the set.
func (p *parser) xtakechars(set string, what string) string {
	p.xnonempty()
	for i, c := range p.orig[p.o:] {
		if !contains(set, c) {
			if i == 0 {
				p.xerrorf("expected %s", what)
			}
			s := p.orig[p.o : p.o+i]
			p.o += i
			return s
		}
	}
	return p.xtakeall()
}

func (p *parser) takelist(l ...string) (string, bool) {
	for _, w := range l {
		if p.take(w) {
			return w, true
		}
	}
	return "", false
}

func (p *parser) xtakelist(l ...string) string {
	w, ok := p.takelist(l...)
	if !ok {
		p.xerrorf("expected one of %s", strings.Join(l, ","))
	}
	return w
}

func (p *parser) digitNext() bool {
	return p.o < len(p.orig) && p.orig[p.o] >= '0' && p.orig[p.o] <= '9'
}

func (p *parser) digits() string {
	var n int
	for p.o+n < len(p.orig) {
		c := p.orig[p.o+n]
		if c < '0' || c > '9' {
			break
		}
		n++
	}
	if n == 0 {
		return ""
	}
	s := p.orig[p.o : p.o+n]
	p.o += n
	return s
}

func (p *parser) number() (uint32, bool) {
	s := p.digits()
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func (p *parser) xnumber() uint32 {
	v, ok := p.number()
	if !ok {
		p.xerrorf("expected number")
	}
	return v
}

func (p *parser) xnznumber() uint32 {
	v := p.xnumber()
	if v == 0 {
		p.xerrorf("expected nonzero number")
	}
	return v
}

func (p *parser) xnumber64() int64 {
	s := p.digits()
	if s == "" {
		p.xerrorf("expected number")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return v
}

// xtag parses a command tag.
func (p *parser) xtag() string {
	return p.xtakechars(tagChar, "tag")
}

// xcommand parses a command name, including the space-separated "UID" prefix
// for the UID variants.
func (p *parser) xcommand() string {
	for i, c := range p.upper[p.o:] {
		if c >= 'A' && c <= 'Z' {
			continue
		}
		if c == ' ' && p.upper[p.o:p.o+i] == "UID" {
			continue
		}
		if i == 0 {
			p.xerrorf("expected command")
		}
		s := p.upper[p.o : p.o+i]
		p.o += i
		return s
	}
	if p.empty() {
		p.xerrorf("expected command")
	}
	return p.xtakeall()
}

func (p *parser) xatom() string {
	return p.xtakechars(atomChar, "atom")
}

func (p *parser) xastring() string {
	if p.hasPrefix(`"`) || p.hasPrefix("{") {
		return p.xstring()
	}
	return p.xtakechars(astringChar, "astring")
}

// xliteralSize parses the {size} or LITERAL+ {size+} at the end of a line.
// The literal data follows on the wire.
func (p *parser) xliteralSize() (size int64, sync bool) {
	p.xtake("{")
	size = p.xnumber64()
	sync = true
	if p.take("+") {
		sync = false
	}
	p.xtake("}")
	p.xempty()
	if size > maxLiteralSize {
		// ../rfc/7888:249
		panic(syntaxError{"", "TOOBIG", "literal too big", fmt.Errorf("literal of size %d too big", size)})
	}
	return size, sync
}

// xstring parses a quoted string or literal. After reading a literal, parsing
// continues on the next line read from the connection.
func (p *parser) xstring() (s string) {
	if p.take(`"`) {
		for {
			p.xnonempty()
			c := p.orig[p.o]
			if c == '"' {
				p.o++
				return s
			}
			if c == '\\' {
				p.o++
				p.xnonempty()
				c = p.orig[p.o]
				if c != '"' && c != '\\' {
					p.xerrorf("invalid escape in quoted string")
				}
			}
			if c == '\r' || c == '\n' {
				p.xerrorf("invalid control character in quoted string")
			}
			s += string(rune(c))
			p.o++
		}
	}
	size, sync := p.xliteralSize()
	s = p.conn.xreadliteral(size, sync)
	line := p.conn.readline(false)
	p.orig, p.upper, p.o = line, toUpper(line), 0
	return s
}

func (p *parser) xnil() {
	p.xtake("NIL")
}

// xmailbox parses a mailbox name. The IMAP special "INBOX" is
// case-insensitive and stored as "Inbox".
func (p *parser) xmailbox() string {
	s := p.xastring()
	if strings.EqualFold(s, "Inbox") {
		return "Inbox"
	}
	return s
}

// xlistMailbox parses the mailbox pattern of a LIST command, which can
// contain the % and * wildcards.
func (p *parser) xlistMailbox() string {
	if p.hasPrefix(`"`) || p.hasPrefix("{") {
		return p.xstring()
	}
	return p.xtakechars(atomChar+listWildcards+respSpecials, "list mailbox")
}

// xflag parses a flag or keyword, e.g. \Seen, $Forwarded or another atom.
// System flags must be known.
func (p *parser) xflag() string {
	backslash := p.take(`\`)
	s := p.xatom()
	if backslash {
		s = `\` + s
		switch strings.ToLower(s) {
		case `\answered`, `\flagged`, `\deleted`, `\seen`, `\draft`:
		default:
			p.xerrorf("unknown system flag %s", s)
		}
	}
	return s
}

func (p *parser) xflagList() (l []string) {
	p.xtake("(")
	if !p.hasPrefix(")") {
		l = append(l, p.xflag())
		for p.space() {
			l = append(l, p.xflag())
		}
	}
	p.xtake(")")
	return
}

func (p *parser) xsetNumber() setNumber {
	if p.take("*") {
		return setNumber{star: true}
	}
	return setNumber{number: p.xnznumber()}
}

func (p *parser) xnumRange() (r numRange) {
	r.first = p.xsetNumber()
	if p.take(":") {
		last := p.xsetNumber()
		r.last = &last
	}
	return
}

func (p *parser) xnumSet() (r numSet) {
	defer p.context("numSet")()
	r.ranges = []numRange{p.xnumRange()}
	for p.take(",") {
		r.ranges = append(r.ranges, p.xnumRange())
	}
	return r
}

// Fetch attribute words, sorted so longer go first for the prefix-based
// takelist.
var fetchAttWords = []string{
	"ENVELOPE", "FLAGS", "INTERNALDATE", "RFC822.SIZE", "BODYSTRUCTURE", "UID",
	"BODY.PEEK", "BODY",
	"RFC822.HEADER", "RFC822.TEXT", "RFC822",
}

// xfetchAtts parses the attributes of a FETCH command, expanding the ALL,
// FAST and FULL macros.
func (p *parser) xfetchAtts() []fetchAtt {
	defer p.context("fetchAtts")()

	fields := func(l ...string) []fetchAtt {
		r := make([]fetchAtt, len(l))
		for i, s := range l {
			r[i] = fetchAtt{field: s}
		}
		return r
	}

	if w, ok := p.takelist("ALL", "FAST", "FULL"); ok && p.empty() {
		switch w {
		case "ALL":
			return fields("FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE")
		case "FAST":
			return fields("FLAGS", "INTERNALDATE", "RFC822.SIZE")
		case "FULL":
			return fields("FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY")
		}
	} else if ok {
		// Macro was a prefix of something else, e.g. a bogus word. Restore.
		p.o -= len(w)
	}

	if !p.take("(") {
		return []fetchAtt{p.xfetchAtt()}
	}
	l := []fetchAtt{p.xfetchAtt()}
	for p.space() {
		l = append(l, p.xfetchAtt())
	}
	p.xtake(")")
	return l
}

func (p *parser) xfetchAtt() (r fetchAtt) {
	defer p.context("fetchAtt")()
	f := p.xtakelist(fetchAttWords...)
	r.peek = strings.HasSuffix(f, ".PEEK")
	r.field = strings.TrimSuffix(f, ".PEEK")
	switch f {
	case "BODY":
		if p.hasPrefix("[") {
			r.section = p.xsection()
			if p.hasPrefix("<") {
				r.partial = p.xpartial()
			}
		}
	case "BODY.PEEK":
		r.section = p.xsection()
		if p.hasPrefix("<") {
			r.partial = p.xpartial()
		}
	}
	return
}

func (p *parser) xsection() *sectionSpec {
	defer p.context("section")()
	p.xtake("[")
	var r sectionSpec
	if p.take("]") {
		return &r
	}
	if p.digitNext() {
		r.part = p.xsectionPart()
	} else {
		r.msgtext = p.xsectionMsgtext()
	}
	p.xtake("]")
	return &r
}

func (p *parser) xsectionPart() *sectionPart {
	part := []uint32{p.xnznumber()}
	for {
		if !p.take(".") {
			return &sectionPart{part: part}
		}
		if p.digitNext() {
			part = append(part, p.xnznumber())
			continue
		}
		return &sectionPart{part, p.xsectionText()}
	}
}

func (p *parser) xsectionText() *sectionText {
	if p.take("MIME") {
		return &sectionText{mime: true}
	}
	return &sectionText{msgtext: p.xsectionMsgtext()}
}

func (p *parser) xsectionMsgtext() *sectionMsgtext {
	if p.take("HEADER.FIELDS.NOT ") {
		return &sectionMsgtext{s: "HEADER.FIELDS.NOT", headers: p.xheaderList()}
	}
	if p.take("HEADER.FIELDS ") {
		return &sectionMsgtext{s: "HEADER.FIELDS", headers: p.xheaderList()}
	}
	if p.take("HEADER") {
		return &sectionMsgtext{s: "HEADER"}
	}
	p.xtake("TEXT")
	return &sectionMsgtext{s: "TEXT"}
}

func (p *parser) xheaderList() (l []string) {
	p.xtake("(")
	l = append(l, textproto.CanonicalMIMEHeaderKey(p.xastring()))
	for p.space() {
		l = append(l, textproto.CanonicalMIMEHeaderKey(p.xastring()))
	}
	p.xtake(")")
	return
}

func (p *parser) xpartial() *partial {
	p.xtake("<")
	offset := p.xnumber()
	p.xtake(".")
	count := p.xnznumber()
	p.xtake(">")
	return &partial{offset, count}
}
