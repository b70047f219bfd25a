package mint

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

var idCipher cipher.Block

// ReceivedID returns an ID for use in a message Received header, identifying
// the connection (cid) in an opaque way. The cid can be recovered from logs
// by decrypting with the per-install key, so abuse reports citing a Received
// header can be traced back to a session.
func ReceivedID(cid int64) string {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[8:], uint64(cid))
	idCipher.Encrypt(buf, buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ReceivedToCid returns the cid as used in a ReceivedID.
func ReceivedToCid(s string) (cid int64, err error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("decoding base64: %v", err)
	}
	if len(buf) != 16 {
		return 0, fmt.Errorf("bad length %d, need 16", len(buf))
	}
	idCipher.Decrypt(buf, buf)
	return int64(binary.BigEndian.Uint64(buf[8:])), nil
}

func initReceivedID(key []byte) error {
	var err error
	idCipher, err = aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes cipher for received ids: %v", err)
	}
	return nil
}
