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
	"bytes"
	"io"

	"github.com/revtun/revtun/common"
	"github.com/revtun/revtun/internal/splitio"
)

// Reader parses a stream of frames out of a live, coalescing TCP stream.
// Unlike splitio.Scanner, which scans a single captured byte slice, Reader
// owns a growable receive buffer that accumulates bytes across multiple
// Read calls until a full frame — header, separator and (for DATA/SHRED)
// exactly body_len bytes of body — is available. This is the one place the
// wire format deliberately diverges from single-read-per-frame: correctness
// never depends on how the underlying reads happened to align.
type Reader struct {
	r       io.Reader
	sep     []byte
	withPort bool
	buf     []byte
	scratch []byte
}

// NewReader wraps r. withPort selects whether DATA/SHRED frames read from
// this stream are expected to carry the <port> token (true when reading
// redirector→starter frames, false for starter→redirector frames).
func NewReader(r io.Reader, sep []byte, withPort bool) *Reader {
	return &Reader{
		r:        r,
		sep:      sep,
		withPort: withPort,
		scratch:  make([]byte, common.ReadWriteBlockSize),
	}
}

// ReadFrame blocks until a complete frame is available, a malformed frame
// is found (returned as an error alongside the bytes having been already
// discarded), or the underlying reader errors.
//
// A malformed header or a digest mismatch are protocol violations: the
// caller should log and keep calling ReadFrame, not tear down the control
// session.
func (fr *Reader) ReadFrame() (*Frame, error) {
	for {
		header, consumed, ok := fr.peekHeader()
		if ok {
			f, bodyLen, err := decodeHeader(header, fr.withPort)
			if err != nil {
				fr.buf = fr.buf[consumed:]
				return nil, err
			}

			total := consumed + bodyLen
			if len(fr.buf) < total {
				if err := fr.fill(); err != nil {
					return nil, err
				}
				continue
			}

			if hasBody(f.Type) {
				f.Body = append([]byte(nil), fr.buf[consumed:total]...)
			}
			fr.buf = fr.buf[total:]

			if !f.VerifyDigest() {
				return nil, ErrDigestMismatch
			}
			return f, nil
		}

		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
}

// peekHeader looks for a complete separator-terminated header at the start
// of the accumulated buffer, reusing the same scan internal/splitio.Scanner
// performs over a fixed slice: bytes.Index for the separator, one token at
// a time.
func (fr *Reader) peekHeader() (header []byte, consumed int, found bool) {
	if len(fr.buf) == 0 {
		return nil, 0, false
	}

	sc := splitio.NewScanner(fr.buf, fr.sep)
	if !sc.Scan() {
		return nil, 0, false
	}

	tok := sc.Bytes()
	if !bytes.HasSuffix(tok, fr.sep) {
		return nil, 0, false // separator not yet seen; need more bytes
	}

	return tok[:len(tok)-len(fr.sep)], len(tok), true
}

func (fr *Reader) fill() error {
	n, err := fr.r.Read(fr.scratch)
	if n > 0 {
		fr.buf = append(fr.buf, fr.scratch[:n]...)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return io.ErrNoProgress
	}
	return nil
}

// Writer serializes frame encoding and writes to w. It exists mainly to
// pair with Reader so both directions agree on withPort and sep without
// duplicating that bookkeeping at every call site.
type Writer struct {
	w        io.Writer
	sep      []byte
	withPort bool
}

func NewWriter(w io.Writer, sep []byte, withPort bool) *Writer {
	return &Writer{w: w, sep: sep, withPort: withPort}
}

func (fw *Writer) WriteFrame(f *Frame) error {
	f.HasPort = fw.withPort
	b, err := f.Encode(fw.sep)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(b)
	return err
}
