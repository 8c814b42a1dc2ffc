// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package discovery

import (
	"errors"
	"fmt"

	"github.com/creachadair/rtps/packet"
)

// A ParameterID labels one parameter of a parameter list.
type ParameterID uint16

// Parameter IDs understood by this package. Other IDs are skipped on decode.
const (
	pidPad                  ParameterID = 0x0000
	pidSentinel             ParameterID = 0x0001
	pidLeaseDuration        ParameterID = 0x0002
	pidTopicName            ParameterID = 0x0005
	pidTypeName             ParameterID = 0x0007
	pidDomainID             ParameterID = 0x000f
	pidProtocolVersion      ParameterID = 0x0015
	pidVendorID             ParameterID = 0x0016
	pidReliability          ParameterID = 0x001a
	pidDurability           ParameterID = 0x001d
	pidOwnership            ParameterID = 0x001f
	pidPartition            ParameterID = 0x0029
	pidUnicastLocator       ParameterID = 0x002f
	pidMulticastLocator     ParameterID = 0x0030
	pidDefaultUnicast       ParameterID = 0x0031
	pidMetatrafficUnicast   ParameterID = 0x0032
	pidMetatrafficMulticast ParameterID = 0x0033
	pidHistory              ParameterID = 0x0040
	pidResourceLimits       ParameterID = 0x0041
	pidDefaultMulticast     ParameterID = 0x0048
	pidParticipantGUID      ParameterID = 0x0050
	pidBuiltinEndpointSet   ParameterID = 0x0058
	pidEndpointGUID         ParameterID = 0x005a
	pidEntityName           ParameterID = 0x0062
)

// paramWriter accumulates a parameter list. Each parameter is a 2-byte ID, a
// 2-byte body length, and the body. The list ends with a sentinel.
type paramWriter struct {
	b packet.Builder
}

func (w *paramWriter) param(pid ParameterID, body func(*packet.Builder)) {
	w.b.Uint16(uint16(pid))
	w.b.Length16(body)
}

func (w *paramWriter) finish() []byte {
	w.b.Uint16(uint16(pidSentinel))
	w.b.Uint16(0)
	return w.b.Bytes()
}

var errNoSentinel = errors.New("parameter list is missing its sentinel")

// readParams calls f for each parameter in data up to the sentinel. The
// scanner passed to f covers only the body of the parameter. Parameters f
// does not consume entirely are not an error.
func readParams(data []byte, f func(ParameterID, *packet.Scanner) error) error {
	s := packet.NewScanner(data)
	for {
		id, err := s.Uint16()
		if err != nil {
			return errNoSentinel
		}
		n, err := s.Uint16()
		if err != nil {
			return fmt.Errorf("parameter %#04x: short header: %w", id, err)
		}
		pid := ParameterID(id)
		if pid == pidSentinel {
			return nil
		}
		body, err := packet.Get[[]byte](s, int(n))
		if err != nil {
			return fmt.Errorf("parameter %#04x: short body: %w", id, err)
		}
		if pid == pidPad {
			continue
		}
		if err := f(pid, packet.NewScanner(body)); err != nil {
			return fmt.Errorf("parameter %#04x: %w", id, err)
		}
	}
}

func putString(b *packet.Builder, s string) { b.VPutString(s) }

// maxNameLen bounds the encoded length of an entity name.
const maxNameLen = 256

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// At the start of a multibyte encoding, back up one more to drop it.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

func getString(s *packet.Scanner) (string, error) { return packet.VGet[string](s) }
