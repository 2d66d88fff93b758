// Copyright 2025 The revtun Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frame

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// decodeHeader parses the tokens of a single frame header (sans separator)
// and reports the declared body length, if any. withPort controls whether a
// Data/Shred header is expected to carry the optional <port> token: present
// on redirector→starter frames, absent on starter→redirector frames.
func decodeHeader(header []byte, withPort bool) (f *Frame, bodyLen int, err error) {
	fields := strings.Fields(string(header))
	if len(fields) == 0 {
		return nil, 0, errors.Wrap(ErrMalformedHeader, "empty header")
	}

	typ := Type(fields[0])
	tok := fields[1:]

	switch typ {
	case Auth:
		if len(tok) != 2 {
			return nil, 0, errors.Wrapf(ErrMalformedHeader, "AUTH: want 2 tokens, got %d", len(tok))
		}
		var ports []uint16
		if tok[1] != "" {
			for _, p := range strings.Split(tok[1], ";") {
				n, perr := strconv.ParseUint(p, 10, 16)
				if perr != nil {
					return nil, 0, errors.Wrapf(ErrMalformedHeader, "AUTH: bad port %q", p)
				}
				ports = append(ports, uint16(n))
			}
		}
		return &Frame{Type: Auth, Secret: tok[0], Ports: ports}, 0, nil

	case Data:
		want := 4
		if withPort {
			want = 5
		}
		if len(tok) != want {
			return nil, 0, errors.Wrapf(ErrMalformedHeader, "DATA: want %d tokens, got %d", want, len(tok))
		}
		idx := 0
		id := tok[idx]
		idx++
		var port uint16
		if withPort {
			n, perr := strconv.ParseUint(tok[idx], 10, 16)
			if perr != nil {
				return nil, 0, errors.Wrapf(ErrMalformedHeader, "DATA: bad port %q", tok[idx])
			}
			port = uint16(n)
			idx++
		}
		s1, s512 := tok[idx], tok[idx+1]
		length, lerr := strconv.Atoi(tok[idx+2])
		if lerr != nil || length < 0 {
			return nil, 0, errors.Wrapf(ErrMalformedHeader, "DATA: bad body_len %q", tok[idx+2])
		}
		return &Frame{
			Type: Data, ID: id, Port: port, HasPort: withPort,
			sha1: s1, sha512: s512,
		}, length, nil

	case Shred:
		want := 6
		if withPort {
			want = 7
		}
		if len(tok) != want {
			return nil, 0, errors.Wrapf(ErrMalformedHeader, "SHRED: want %d tokens, got %d", want, len(tok))
		}
		idx := 0
		id := tok[idx]
		idx++
		var port uint16
		if withPort {
			n, perr := strconv.ParseUint(tok[idx], 10, 16)
			if perr != nil {
				return nil, 0, errors.Wrapf(ErrMalformedHeader, "SHRED: bad port %q", tok[idx])
			}
			port = uint16(n)
			idx++
		}
		s1, s512 := tok[idx], tok[idx+1]
		length, lerr := strconv.Atoi(tok[idx+2])
		if lerr != nil || length < 0 {
			return nil, 0, errors.Wrapf(ErrMalformedHeader, "SHRED: bad body_len %q", tok[idx+2])
		}
		n, nerr := strconv.Atoi(tok[idx+3])
		total, terr := strconv.Atoi(tok[idx+4])
		if nerr != nil || terr != nil || n < 1 || total < 1 || n > total {
			return nil, 0, errors.Wrapf(ErrMalformedHeader, "SHRED: bad index/total %q/%q", tok[idx+3], tok[idx+4])
		}
		return &Frame{
			Type: Shred, ID: id, Port: port, HasPort: withPort,
			Index: n, Total: total,
			sha1: s1, sha512: s512,
		}, length, nil

	case Close:
		if len(tok) != 1 {
			return nil, 0, errors.Wrapf(ErrMalformedHeader, "CLOSE: want 1 token, got %d", len(tok))
		}
		return &Frame{Type: Close, ID: tok[0]}, 0, nil

	default:
		return nil, 0, errors.Wrapf(ErrUnknownType, "%q", fields[0])
	}
}

// hasBody reports whether a decoded frame of the given type carries a body
// on the wire.
func hasBody(t Type) bool {
	return t == Data || t == Shred
}
