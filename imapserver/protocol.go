package imapserver

import (
	"fmt"
	"strings"
)

// Data types for parsed commands.

// setNumber is a number or "*" in a sequence set, where "*" represents the
// last message in the mailbox.
type setNumber struct {
	number uint32
	star   bool
}

// numRange is a single number or a first:last range in a sequence set.
type numRange struct {
	first setNumber
	last  *setNumber // Nil if no colon was present.
}

// numSet is a sequence set of message sequence numbers or UIDs.
type numSet struct {
	ranges []numRange
}

func (s numSet) String() string {
	var l []string
	for _, r := range s.ranges {
		v := r.first.String()
		if r.last != nil {
			v += ":" + r.last.String()
		}
		l = append(l, v)
	}
	return strings.Join(l, ",")
}

func (n setNumber) String() string {
	if n.star {
		return "*"
	}
	return fmt.Sprintf("%d", n.number)
}

func (n setNumber) value(last uint32) uint32 {
	if n.star {
		return last
	}
	return n.number
}

// contains returns whether num is in the range, with "*" valued as last.
func (r numRange) contains(num, last uint32) bool {
	first := r.first.value(last)
	if r.last == nil {
		return num == first
	}
	end := r.last.value(last)
	if first > end {
		first, end = end, first
	}
	return num >= first && num <= end
}

func (s numSet) contains(num, last uint32) bool {
	for _, r := range s.ranges {
		if r.contains(num, last) {
			return true
		}
	}
	return false
}

// partial is a byte range from a fetch attribute, e.g. BODY[]<0.1024>.
type partial struct {
	offset uint32
	count  uint32
}

// sectionMsgtext is the part of a section that selects header or text, e.g.
// HEADER, HEADER.FIELDS (...), HEADER.FIELDS.NOT (...), TEXT.
type sectionMsgtext struct {
	s       string   // "HEADER", "HEADER.FIELDS", "HEADER.FIELDS.NOT", "TEXT".
	headers []string // Canonicalized, for HEADER.FIELDS*.
}

// sectionText is the trailing part of a dotted part number section, either
// MIME or a sectionMsgtext.
type sectionText struct {
	mime    bool
	msgtext *sectionMsgtext
}

// sectionPart is a dotted part number, optionally followed by a section text,
// e.g. 1.2.HEADER.
type sectionPart struct {
	part []uint32
	text *sectionText
}

// sectionSpec is the section between the brackets of a BODY[...] fetch
// attribute. Both fields nil for BODY[], the entire message.
type sectionSpec struct {
	part    *sectionPart
	msgtext *sectionMsgtext
}

// fetchAtt is a single fetch attribute from a FETCH command.
type fetchAtt struct {
	field   string // Uppercase, e.g. "ENVELOPE", "BODY", "RFC822.SIZE".
	peek    bool
	section *sectionSpec // Only for BODY[...], not plain BODY.
	partial *partial
}
