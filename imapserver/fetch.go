package imapserver

// Fetching message data, the IMAP FETCH and UID FETCH commands.

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"slices"
	"sort"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/ibrahimsoriey1/quantummint-sub000/message"
	"github.com/ibrahimsoriey1/quantummint-sub000/mintio"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

// fetchCmd holds the state of a FETCH command while it processes messages.
type fetchCmd struct {
	conn          *conn
	isUID         bool
	uid           store.UID
	tx            *bstore.Tx
	changes       []store.Change // Flag changes from implicitly marking messages seen.
	markSeen      bool
	needFlags     bool
	expungeIssued bool // A message was removed by another session while we fetched.
	modseq        store.ModSeq

	// Loaded lazily, for the current message.
	m    *store.Message
	part *message.Part
	msgr *store.MsgReader
}

// attrError is panicked while processing a fetch attribute for one message,
// and recovered per message.
type attrError struct{ err error }

func (e attrError) Error() string { return e.err.Error() }
func (e attrError) Unwrap() error { return e.err }

func (cmd *fetchCmd) xerrorf(format string, args ...any) {
	panic(attrError{fmt.Errorf(format, args...)})
}

func (cmd *fetchCmd) xcheckf(err error, format string, args ...any) {
	if err != nil {
		cmd.xerrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

// State: selected.
func (c *conn) cmdFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(false, tag, cmd, p)
}

// State: selected.
func (c *conn) cmdUIDFetch(tag, cmd string, p *parser) {
	c.cmdxFetch(true, tag, cmd, p)
}

func (c *conn) cmdxFetch(isUID bool, tag, cmdstr string, p *parser) {
	p.xspace()
	nums := p.xnumSet()
	p.xspace()
	atts := p.xfetchAtts()
	p.xempty()

	uids := c.xnumSetUIDs(isUID, nums)

	cmd := &fetchCmd{conn: c, isUID: isUID}
	c.account.WithWLock(func() {
		c.xdbwrite(func(tx *bstore.Tx) {
			cmd.tx = tx
			for _, uid := range uids {
				cmd.uid = uid
				cmd.process(atts)
			}
		})
		if len(cmd.changes) > 0 {
			c.comm.Broadcast(cmd.changes)
		}
	})

	if cmd.expungeIssued {
		// The message data we sent may be incomplete.
		c.writeresultf("%s NO [EXPUNGEISSUED] at least one message was expunged", tag)
	} else {
		c.ok(tag, cmdstr)
	}
}

// xensureMessage loads the message for the current uid from the database.
func (cmd *fetchCmd) xensureMessage() *store.Message {
	if cmd.m != nil {
		return cmd.m
	}

	q := bstore.QueryTx[store.Message](cmd.tx)
	q.FilterNonzero(store.Message{MailboxID: cmd.conn.mailboxID, UID: cmd.uid})
	q.FilterEqual("Expunged", false)
	m, err := q.Get()
	cmd.xcheckf(err, "get message for uid %d", cmd.uid)
	cmd.m = &m
	return cmd.m
}

// xensureParsed loads the parsed message structure and a reader for the
// message data.
func (cmd *fetchCmd) xensureParsed() (*store.MsgReader, *message.Part) {
	if cmd.part != nil {
		return cmd.msgr, cmd.part
	}

	m := cmd.xensureMessage()
	cmd.msgr = cmd.conn.account.MessageReader(*m)
	p, err := m.LoadPart(cmd.msgr)
	cmd.xcheckf(err, "loading parsed message")
	cmd.part = &p
	return cmd.msgr, cmd.part
}

// process writes the untagged FETCH response for the current uid. Messages
// removed underneath us by other sessions are skipped and flagged for the
// EXPUNGEISSUED result.
func (cmd *fetchCmd) process(atts []fetchAtt) {
	defer func() {
		cmd.m = nil
		cmd.part = nil
		if cmd.msgr != nil {
			err := cmd.msgr.Close()
			cmd.conn.log.Check(err, "closing message reader")
			cmd.msgr = nil
		}

		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}
		var aerr attrError
		if !errors.As(err, &aerr) {
			panic(x)
		}
		if errors.Is(err, bstore.ErrAbsent) {
			cmd.expungeIssued = true
			return
		}
		cmd.conn.log.Infox("processing fetch attribute", err, slog.Any("uid", cmd.uid))
		xuserErrorf("processing fetch attribute: %v", err)
	}()

	data := listspace{bare("UID"), number(cmd.uid)}

	cmd.markSeen = false
	cmd.needFlags = false

	for _, a := range atts {
		data = append(data, cmd.xprocessAtt(a)...)
	}

	if cmd.markSeen {
		m := cmd.xensureMessage()
		m.Seen = true
		if cmd.modseq == 0 {
			var err error
			cmd.modseq, err = cmd.conn.account.NextModSeq(cmd.tx)
			cmd.xcheckf(err, "assigning next modseq")
		}
		m.ModSeq = cmd.modseq
		err := cmd.tx.Update(m)
		cmd.xcheckf(err, "marking message as seen")

		cmd.changes = append(cmd.changes, store.ChangeFlags{MailboxID: m.MailboxID, UID: m.UID, ModSeq: m.ModSeq, Mask: store.Flags{Seen: true}, Flags: m.Flags, Keywords: m.Keywords})
	}

	if cmd.needFlags {
		m := cmd.xensureMessage()
		data = append(data, bare("FLAGS"), flaglist(m.Flags, m.Keywords))
	}

	seq := cmd.conn.xsequence(cmd.uid)
	fmt.Fprintf(cmd.conn.bw, "* %d FETCH ", seq)
	data.writeTo(cmd.conn, cmd.conn.bw)
	cmd.conn.bwritelinef("")
}

// xprocessAtt evaluates one fetch attribute for the current message, returning
// the response tokens, if any.
func (cmd *fetchCmd) xprocessAtt(a fetchAtt) []token {
	switch a.field {
	case "UID":
		// Always present in our response, do not add a second one.
		return nil

	case "FLAGS":
		cmd.needFlags = true
		return nil

	case "ENVELOPE":
		_, part := cmd.xensureParsed()
		return []token{bare("ENVELOPE"), cmd.xenvelope(part.Envelope)}

	case "INTERNALDATE":
		m := cmd.xensureMessage()
		return []token{bare("INTERNALDATE"), dquote(m.Received.Format("_2-Jan-2006 15:04:05 -0700"))}

	case "RFC822.SIZE":
		m := cmd.xensureMessage()
		return []token{bare("RFC822.SIZE"), bare(fmt.Sprintf("%d", m.Size))}

	case "BODYSTRUCTURE":
		_, part := cmd.xensureParsed()
		return []token{bare("BODYSTRUCTURE"), cmd.xbodystructure(part)}

	case "BODY":
		if a.section == nil {
			// Plain BODY, the non-extensible body structure.
			_, part := cmd.xensureParsed()
			return []token{bare("BODY"), cmd.xbodystructure(part)}
		}
		return cmd.xbody(a)

	case "RFC822.HEADER":
		l := cmd.xbody(fetchAtt{field: "BODY", peek: true, section: &sectionSpec{msgtext: &sectionMsgtext{s: "HEADER"}}})
		l[0] = bare("RFC822.HEADER")
		return l

	case "RFC822.TEXT":
		l := cmd.xbody(fetchAtt{field: "BODY", section: &sectionSpec{msgtext: &sectionMsgtext{s: "TEXT"}}})
		l[0] = bare("RFC822.TEXT")
		return l

	case "RFC822":
		l := cmd.xbody(fetchAtt{field: "BODY", section: &sectionSpec{}})
		l[0] = bare("RFC822")
		return l
	}

	xserverErrorf("field %q not handled", a.field)
	return nil
}

// xenvelope returns the 10-field parenthesized envelope structure for the
// parsed headers.
func (cmd *fetchCmd) xenvelope(env *message.Envelope) token {
	if env == nil {
		return nilt
	}

	var date token = nilt
	if !env.Date.IsZero() {
		date = string0(env.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	var subject token = nilt
	if env.Subject != "" {
		subject = string0(env.Subject)
	}

	addresses := func(l []message.Address) token {
		if len(l) == 0 {
			return nilt
		}
		r := listspace{}
		for _, a := range l {
			var name token = nilt
			if a.Name != "" {
				name = string0(a.Name)
			}
			var host token = nilt
			if a.Host != "" {
				host = string0(a.Host)
			}
			r = append(r, listspace{name, nilt, string0(a.User), host})
		}
		return r
	}

	sender := env.Sender
	if len(sender) == 0 {
		sender = env.From
	}
	replyTo := env.ReplyTo
	if len(replyTo) == 0 {
		replyTo = env.From
	}

	var inReplyTo token = nilt
	if env.InReplyTo != "" {
		inReplyTo = string0(env.InReplyTo)
	}
	var messageID token = nilt
	if env.MessageID != "" {
		messageID = string0(env.MessageID)
	}

	return listspace{
		date,
		subject,
		addresses(env.From),
		addresses(sender),
		addresses(replyTo),
		addresses(env.To),
		addresses(env.CC),
		addresses(env.BCC),
		inReplyTo,
		messageID,
	}
}

// A non-peek body fetch on a writable mailbox implicitly marks the message as
// seen.
func (cmd *fetchCmd) peekOrSeen(peek bool) {
	if cmd.conn.readonly || peek {
		return
	}
	m := cmd.xensureMessage()
	if !m.Seen {
		cmd.markSeen = true
		cmd.needFlags = true
	}
}

// xbody returns the tokens for a BODY[...] fetch attribute, streaming the
// message data as a literal.
func (cmd *fetchCmd) xbody(a fetchAtt) []token {
	msgr, part := cmd.xensureParsed()

	cmd.peekOrSeen(a.peek)

	respField := "BODY[" + sectionRespField(a.section) + "]"
	if a.partial != nil {
		respField += fmt.Sprintf("<%d>", a.partial.offset)
	}

	if a.section.part == nil && a.section.msgtext == nil {
		// BODY[], the entire message.
		m := cmd.xensureMessage()
		var offset int64
		count := m.Size
		if a.partial != nil {
			offset = int64(a.partial.offset)
			if offset > m.Size {
				offset = m.Size
			}
			count = int64(a.partial.count)
			if offset+count > m.Size {
				count = m.Size - offset
			}
		}
		return []token{bare(respField), readerSizeSyncliteral{&mintio.AtReader{R: msgr, Offset: offset}, count}}
	}

	var sr io.Reader = cmd.xsection(a.section, part)

	if a.partial != nil {
		n, err := io.Copy(io.Discard, io.LimitReader(sr, int64(a.partial.offset)))
		cmd.xcheckf(err, "skipping to offset")
		if n < int64(a.partial.offset) {
			sr = strings.NewReader("") // Offset beyond the data.
		} else {
			sr = io.LimitReader(sr, int64(a.partial.count))
		}
	}
	return []token{bare(respField), readerSyncliteral{sr}}
}

// sectionRespField is the section between the brackets in the response, e.g.
// "1.2.HEADER" for a request of BODY[1.2.HEADER].
func sectionRespField(s *sectionSpec) string {
	var r string
	if s.part != nil {
		l := make([]string, len(s.part.part))
		for i, n := range s.part.part {
			l[i] = fmt.Sprintf("%d", n)
		}
		r = strings.Join(l, ".")
		if s.part.text != nil {
			r += "."
			if s.part.text.mime {
				r += "MIME"
			} else {
				r += sectionMsgtextRespField(s.part.text.msgtext)
			}
		}
	} else if s.msgtext != nil {
		r = sectionMsgtextRespField(s.msgtext)
	}
	return r
}

func sectionMsgtextRespField(smt *sectionMsgtext) string {
	s := smt.s
	if strings.HasPrefix(smt.s, "HEADER.FIELDS") {
		s += " (" + strings.Join(smt.headers, " ") + ")"
	}
	return s
}

// xsection returns a reader for the requested section of the message.
func (cmd *fetchCmd) xsection(section *sectionSpec, p *message.Part) io.Reader {
	if section.part == nil {
		return cmd.xsectionMsgtext(section.msgtext, p)
	}

	p = cmd.xpartnumsDeref(section.part.part, p)

	if section.part.text == nil {
		return p.RawReader()
	}

	// MIME is the header of the part itself.
	if section.part.text.mime {
		return p.HeaderReader()
	}

	// HEADER and TEXT of a message/rfc822 part refer to the embedded message.
	if p.Message != nil {
		err := p.SetMessageReaderAt()
		cmd.xcheckf(err, "preparing embedded message")
		p = p.Message
	}
	return cmd.xsectionMsgtext(section.part.text.msgtext, p)
}

// xpartnumsDeref descends into the parts for a dotted part number. A
// non-multipart message is itself addressable as part 1.
func (cmd *fetchCmd) xpartnumsDeref(nums []uint32, p *message.Part) *message.Part {
	if len(nums) == 1 && nums[0] == 1 && len(p.Parts) == 0 && p.MediaType != "MULTIPART" {
		return p
	}

	for _, num := range nums {
		if p.Message != nil {
			err := p.SetMessageReaderAt()
			cmd.xcheckf(err, "preparing embedded message")
			p = p.Message
		}
		index := int(num) - 1
		if index >= len(p.Parts) {
			cmd.xerrorf("no part %d", num)
		}
		p = &p.Parts[index]
	}
	return p
}

func (cmd *fetchCmd) xsectionMsgtext(smt *sectionMsgtext, p *message.Part) io.Reader {
	switch smt.s {
	case "HEADER":
		return p.HeaderReader()

	case "HEADER.FIELDS":
		return cmd.xmodifiedHeader(p, smt.headers, true)

	case "HEADER.FIELDS.NOT":
		return cmd.xmodifiedHeader(p, smt.headers, false)

	case "TEXT":
		// The raw body, without the header section.
		return p.RawReader()
	}
	panic(serverError{fmt.Errorf("missing case for section msgtext %q", smt.s)})
}

// xmodifiedHeader returns a reader for the header section with only (or all
// but) the named fields, always ending with the blank separator line.
func (cmd *fetchCmd) xmodifiedHeader(p *message.Part, fields []string, match bool) io.Reader {
	hr := bufio.NewReader(p.HeaderReader())
	var sb strings.Builder
	keep := false
	for {
		line, err := hr.ReadString('\n')
		if line != "" {
			if line == "\r\n" || line == "\n" {
				sb.WriteString(line)
			} else if line[0] == ' ' || line[0] == '\t' {
				// Continuation of the previous field.
				if keep {
					sb.WriteString(line)
				}
			} else {
				var name string
				if i := strings.Index(line, ":"); i >= 0 {
					name = textproto.CanonicalMIMEHeaderKey(strings.TrimRight(line[:i], " \t"))
				}
				keep = slices.Contains(fields, name) == match
				if keep {
					sb.WriteString(line)
				}
			}
		}
		if err == io.EOF {
			break
		}
		cmd.xcheckf(err, "reading header")
	}
	return strings.NewReader(sb.String())
}

// bodyFldParams is the sorted list of key/value content-type parameters, or
// NIL if there are none.
func bodyFldParams(params map[string]string) token {
	if len(params) == 0 {
		return nilt
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l := make(listspace, 0, 2*len(keys))
	for _, k := range keys {
		l = append(l, string0(strings.ToUpper(k)), string0(params[k]))
	}
	return l
}

func bodyFldEnc(s *string) token {
	var enc string
	if s != nil {
		enc = *s
	}
	up := strings.ToUpper(enc)
	switch up {
	case "7BIT", "8BIT", "BINARY", "BASE64", "QUOTED-PRINTABLE":
		return dquote(up)
	}
	if enc == "" {
		return dquote("7BIT")
	}
	return string0(enc)
}

// xbodystructure returns the parenthesized body structure of a message part.
func (cmd *fetchCmd) xbodystructure(p *message.Part) token {
	if p.MediaType == "MULTIPART" {
		var bodies concat
		for i := range p.Parts {
			bodies = append(bodies, cmd.xbodystructure(&p.Parts[i]))
		}
		return listspace{bodies, string0(p.MediaSubType)}
	}

	mt, st := p.MediaType, p.MediaSubType
	if mt == "" {
		// No content-type header means the implicit default.
		mt, st = "TEXT", "PLAIN"
	}

	fields := listspace{
		dquote(mt),
		string0(st),
		bodyFldParams(p.ContentTypeParams),
		nilOrString(p.ContentID),
		nilOrString(p.ContentDescription),
		bodyFldEnc(p.ContentTransferEncoding),
		bare(fmt.Sprintf("%d", p.EndOffset-p.BodyOffset)),
	}
	switch mt {
	case "TEXT":
		fields = append(fields, bare(fmt.Sprintf("%d", p.RawLineCount)))
	case "MESSAGE":
		if (st == "RFC822" || st == "GLOBAL") && p.Message != nil {
			fields = append(fields, cmd.xenvelope(p.Message.Envelope), cmd.xbodystructure(p.Message), bare(fmt.Sprintf("%d", p.RawLineCount)))
		}
	}
	return fields
}
