package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/rtps/packet"
	"github.com/creachadair/rtps/proto"
)

var packFlags struct {
	Hex  bool   `flag:"hex,Write the output hex-encoded"`
	Kind string `flag:"message,Wrap the output as the body of a submessage of this kind (data, gap, heartbeat, acknack)"`
}

var packCommand = &command.C{
	Name:  "pack",
	Usage: "<pattern> <argument>...",
	Help: `Pack arguments into binary data.

The pattern specifies the sequence of values to concatenate into the output.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  p  : a Pascal style string with a 1-byte length prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string encoded with a vint30 length prefix
  x  : hex-encoded bytes without framing
  %  : a Boolean constant (true or false)
  v  : a vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)

By default, fixed-width integer values are packed in big-endian order, but the
following symbols modify the byte order for future values:

  <  : encode as little-endian
  >  : encode as big-endian (this is the default)

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded according to its contents, with a length prefix
prepended. By default, the length prefix is a uint32, but the following
symbols modify the length encoding for future subpatterns:

  @  : encode length as a uint16 (2 bytes)
  $  : encode length as a uint32 (4 bytes) (this is the default)
  *  : encode length as a uint64 (8 bytes)
  ?  : encode length as a vint30

Subpatterns may be nested.

With --message, the packed data become the body of a single submessage of
the given kind, in a message from a fresh participant. The result can be
inspected with the decode command.
`,
	SetFlags: command.Flags(flax.MustBind, &packFlags),
	Run: func(env *command.Env) error {
		if len(env.Args) == 0 {
			return env.Usagef("Missing format argument")
		}
		out, rest, err := formatData(env.Args[0], env.Args[1:])
		if err != nil {
			return err
		} else if len(rest) != 0 {
			return fmt.Errorf("extra arguments: %q", rest)
		}
		if packFlags.Kind != "" {
			kind, ok := submessageKinds[packFlags.Kind]
			if !ok {
				return fmt.Errorf("unknown submessage kind %q", packFlags.Kind)
			}
			msg := proto.NewMessage(proto.NewGUIDPrefix()).Add(rawSubmessage{Kind: kind, Body: out})
			out = msg.Encode()
		}
		if packFlags.Hex {
			fmt.Println(hex.EncodeToString(out))
		} else {
			os.Stdout.Write(out)
		}
		return nil
	},
}

var submessageKinds = map[string]proto.SubmessageKind{
	"data":      proto.KindData,
	"gap":       proto.KindGap,
	"heartbeat": proto.KindHeartbeat,
	"acknack":   proto.KindAckNack,
}

// rawSubmessage is a submessage with a caller-provided body.
type rawSubmessage proto.Submessage

func (r rawSubmessage) Submessage() proto.Submessage { return proto.Submessage(r) }

func formatData(pat string, args []string) ([]byte, []string, error) {
	size := byte('$')
	var b packet.Builder
	packSize := func(n int) {
		switch size {
		case '?':
			b.Vint30(uint32(n))
		case '@':
			b.Uint16(uint16(n))
		case '$':
			b.Uint32(uint32(n))
		case '*':
			b.Uint64(uint64(n))
		default:
			panic("invalid size type: " + string(size))
		}
	}
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'p', 'q', 'r', 's', 'x', '%', 'v', '1', '2', '4', '8':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '@', '$', '*', '?':
			size = c
			continue
		case '<':
			b.SetOrder(binary.LittleEndian)
			continue
		case '>':
			b.SetOrder(binary.BigEndian)
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, nil, errors.New("missing close parenthesis")
			}
			sd, sa, err := formatData(sub, args)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			packSize(len(sd))
			b.Put(sd...)
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 'p':
			if len(args[0]) > 255 {
				return nil, nil, fmt.Errorf("length %d > 255 too long for p", len(args[0]))
			}
			b.Put(byte(len(args[0])))
			b.PutString(args[0])
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(args[0])
		case 's':
			b.VPutString(args[0])
		case 'x':
			dec, err := hex.DecodeString(args[0])
			if err != nil {
				return nil, nil, fmt.Errorf("invalid hex: %w", err)
			}
			b.Put(dec...)
		case '%':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'v':
			v, err := strconv.ParseUint(args[0], 10, 30)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid vint30: %w", err)
			}
			b.Vint30(uint32(v))
		case '1':
			v, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Put(byte(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Uint16(uint16(v))
		case '4':
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Uint32(uint32(v))
		case '8':
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint64: %w", err)
			}
			b.Uint64(v)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return b.Bytes(), args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
