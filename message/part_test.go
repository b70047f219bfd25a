package message

import (
	"io"
	"strings"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

var multipartMsg = strings.ReplaceAll(`From: mjl <mjl@mint.example>
To: mjl <mjl@mint.example>
Subject: hello
Message-Id: <test@mint.example>
Date: Mon, 7 Feb 2022 09:47:09 -0700
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary=x

--x
Content-Type: text/plain; charset=utf-8

plain text
--x
Content-Type: text/html; charset=utf-8

<b>html</b>
--x--
`, "\n", "\r\n")

func TestParseMultipart(t *testing.T) {
	p, err := Parse(nil, true, strings.NewReader(multipartMsg))
	tcheck(t, err, "parsing message")
	err = p.Walk(nil, nil)
	tcheck(t, err, "walking message")

	if p.MediaType != "MULTIPART" || p.MediaSubType != "ALTERNATIVE" {
		t.Fatalf("got content-type %s/%s, expected multipart/alternative", p.MediaType, p.MediaSubType)
	}
	if len(p.Parts) != 2 {
		t.Fatalf("got %d parts, expected 2", len(p.Parts))
	}
	if p.Parts[0].MediaSubType != "PLAIN" || p.Parts[1].MediaSubType != "HTML" {
		t.Fatalf("got subparts %s and %s", p.Parts[0].MediaSubType, p.Parts[1].MediaSubType)
	}

	env := p.Envelope
	if env == nil || env.Subject != "hello" || env.MessageID != "<test@mint.example>" {
		t.Fatalf("bad envelope %#v", env)
	}
	if len(env.From) != 1 || env.From[0].User != "mjl" || env.From[0].Host != "mint.example" {
		t.Fatalf("bad from %#v", env.From)
	}

	body, err := io.ReadAll(p.Parts[0].Reader())
	tcheck(t, err, "reading first part")
	if string(body) != "plain text" {
		t.Fatalf("got first part body %q", body)
	}

	hdr, err := io.ReadAll(p.HeaderReader())
	tcheck(t, err, "reading headers")
	if !strings.HasPrefix(string(hdr), "From: ") || !strings.HasSuffix(string(hdr), "\r\n\r\n") {
		t.Fatalf("bad header section %q", hdr)
	}
}

func TestParseBareLineEndings(t *testing.T) {
	// Bare newlines are never allowed.
	msg := "Subject: test\n\nbare newlines\n"
	if _, err := Parse(nil, false, strings.NewReader(msg)); err == nil {
		t.Fatalf("parse of bare newlines should fail")
	}

	// Bare carriage returns only in lax mode.
	msg = "Subject: te\rst\r\n\r\nbody\r\n"
	if _, err := Parse(nil, true, strings.NewReader(msg)); err == nil {
		t.Fatalf("strict parse of bare carriage return should fail")
	}
	_, err := Parse(nil, false, strings.NewReader(msg))
	tcheck(t, err, "lax parse of bare carriage return")
}
