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

// Package frame implements the wire codec of the control channel: a text
// header followed by a configured separator followed by an optional binary
// body.
//
// The header carries space-separated ASCII tokens, the first of which is
// the packet type. DATA and SHRED headers extend the original four-token
// and six-token layouts with a mandatory decimal body-length token placed
// immediately after the two digests, so that a frame's boundaries never
// depend on how TCP happened to coalesce the writes that produced it.
package frame

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"
)

// Type identifies the kind of frame carried on the control channel.
type Type string

const (
	Auth  Type = "AUTH"
	Data  Type = "DATA"
	Shred Type = "SHRED"
	Close Type = "CLOSE"
)

var (
	ErrMalformedHeader = errors.New("frame: malformed header")
	ErrUnknownType     = errors.New("frame: unknown packet type")
	ErrDigestMismatch  = errors.New("frame: digest mismatch")
)

// Frame is a single application-layer message on the control channel.
//
// Not every field is meaningful for every Type: Secret and Ports only apply
// to Auth, Index and Total only to Shred, Body to Data and Shred.
type Frame struct {
	Type Type

	Secret string   // Auth
	Ports  []uint16 // Auth

	ID      string // Data, Shred, Close
	Port    uint16 // Data, Shred; meaningful only when HasPort is true
	HasPort bool   // whether the <port> token is emitted/expected

	Index int // Shred, 1-indexed
	Total int // Shred

	Body []byte // Data, Shred

	// sha1, sha512 are the digests parsed off the wire for Data/Shred
	// frames; VerifyDigest compares them against a fresh computation over
	// Body. Zero for frames built for encoding rather than decoded.
	sha1, sha512 string
}

// sha1Hex and sha512Hex compute the lowercase hex digests of body exactly as
// transmitted.
func sha1Hex(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}

func sha512Hex(body []byte) string {
	sum := sha512.Sum512(body)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest recomputes SHA-1 and SHA-512 over Body and compares them
// against the digests folded into the frame at decode time. Only Data and
// Shred frames carry a body digest; other types always verify.
func (f *Frame) VerifyDigest() bool {
	if f.Type != Data && f.Type != Shred {
		return true
	}
	return sha1Hex(f.Body) == f.sha1 && sha512Hex(f.Body) == f.sha512
}

// Encode serializes f as header + sep + body. DATA and SHRED compute their
// digests from Body before emission.
func (f *Frame) Encode(sep []byte) ([]byte, error) {
	var header bytes.Buffer
	header.WriteString(string(f.Type))

	switch f.Type {
	case Auth:
		header.WriteByte(' ')
		header.WriteString(f.Secret)
		header.WriteByte(' ')
		for i, p := range f.Ports {
			if i > 0 {
				header.WriteByte(';')
			}
			header.WriteString(strconv.Itoa(int(p)))
		}

	case Data:
		header.WriteByte(' ')
		header.WriteString(f.ID)
		if f.HasPort {
			header.WriteByte(' ')
			header.WriteString(strconv.Itoa(int(f.Port)))
		}
		header.WriteByte(' ')
		header.WriteString(sha1Hex(f.Body))
		header.WriteByte(' ')
		header.WriteString(sha512Hex(f.Body))
		header.WriteByte(' ')
		header.WriteString(strconv.Itoa(len(f.Body)))

	case Shred:
		header.WriteByte(' ')
		header.WriteString(f.ID)
		if f.HasPort {
			header.WriteByte(' ')
			header.WriteString(strconv.Itoa(int(f.Port)))
		}
		header.WriteByte(' ')
		header.WriteString(sha1Hex(f.Body))
		header.WriteByte(' ')
		header.WriteString(sha512Hex(f.Body))
		header.WriteByte(' ')
		header.WriteString(strconv.Itoa(len(f.Body)))
		header.WriteByte(' ')
		header.WriteString(strconv.Itoa(f.Index))
		header.WriteByte(' ')
		header.WriteString(strconv.Itoa(f.Total))

	case Close:
		header.WriteByte(' ')
		header.WriteString(f.ID)

	default:
		return nil, errors.Wrapf(ErrUnknownType, "encode: %q", f.Type)
	}

	out := make([]byte, 0, header.Len()+len(sep)+len(f.Body))
	out = append(out, header.Bytes()...)
	out = append(out, sep...)
	if f.Type == Data || f.Type == Shred {
		out = append(out, f.Body...)
	}
	return out, nil
}
