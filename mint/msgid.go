package mint

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"fmt"
)

// MessageIDGen returns a message-id for use in a Message-ID header, without
// the enclosing <>, for a message composed by this server, e.g. a DSN or an
// automatic reply. If smtputf8 is true, the hostname may be in unicode form.
func MessageIDGen(smtputf8 bool) string {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		panic(err)
	}
	hostname := Conf.Static.HostnameDomain.ASCII
	if smtputf8 && Conf.Static.HostnameDomain.Unicode != "" {
		hostname = Conf.Static.HostnameDomain.Unicode
	}
	return fmt.Sprintf("%s@%s", base64.RawURLEncoding.EncodeToString(buf), hostname)
}
