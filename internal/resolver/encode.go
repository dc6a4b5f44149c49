package resolver

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// maxNameBuffer is the encoded question buffer size: 256 bytes
// including the terminating zero label, matching the wire format a
// standard DNS question carries.
const maxNameBuffer = 256

// ErrNameTooLong is returned by EncodeName when a label exceeds 255
// bytes or the fully encoded name would exceed maxNameBuffer.
var ErrNameTooLong = errors.New("resolver: encoded name exceeds buffer")

// EncodeName converts a dotted hostname such as "a.b.c" into its
// length-prefixed DNS label encoding \x01a\x01b\x01c\x00, IDNA
// normalizing the hostname first so internationalized labels are
// encoded as their ASCII (punycode) form before the length prefix is
// computed.
func EncodeName(host string) ([]byte, error) {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not all CONNECT targets are valid IDNA hosts (plain ASCII
		// names with no further constraints still need to resolve);
		// fall back to the raw host on normalization failure.
		ascii = host
	}
	labels := strings.Split(strings.TrimSuffix(ascii, "."), ".")
	buf := make([]byte, 0, maxNameBuffer)
	for _, l := range labels {
		if l == "" {
			continue
		}
		if len(l) > 255 {
			return nil, ErrNameTooLong
		}
		if len(buf)+1+len(l) > maxNameBuffer-1 {
			return nil, ErrNameTooLong
		}
		buf = append(buf, byte(len(l)))
		buf = append(buf, l...)
	}
	if len(buf)+1 > maxNameBuffer {
		return nil, ErrNameTooLong
	}
	buf = append(buf, 0)
	return buf, nil
}
