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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sep = []byte("\r\n")

func TestEncodeDecodeAuth(t *testing.T) {
	f := &Frame{Type: Auth, Secret: "hunter2", Ports: []uint16{8080, 8081}}
	b, err := f.Encode(sep)
	require.NoError(t, err)
	assert.Equal(t, "AUTH hunter2 8080;8081\r\n", string(b))

	header := b[:len(b)-len(sep)]
	got, bodyLen, err := decodeHeader(header, false)
	require.NoError(t, err)
	assert.Equal(t, 0, bodyLen)
	assert.Equal(t, "hunter2", got.Secret)
	assert.Equal(t, []uint16{8080, 8081}, got.Ports)
}

func TestEncodeDecodeDataWithPort(t *testing.T) {
	id := "9d2190f0-1c7b-4b1a-9c2e-4f6b9e9a7b10"
	f := &Frame{Type: Data, ID: id, Port: 8080, HasPort: true, Body: []byte("hello")}
	b, err := f.Encode(sep)
	require.NoError(t, err)

	header := b[:len(b)-len(sep)-len(f.Body)]
	got, bodyLen, err := decodeHeader(header, true)
	require.NoError(t, err)
	assert.Equal(t, len(f.Body), bodyLen)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, uint16(8080), got.Port)
	got.Body = f.Body
	assert.True(t, got.VerifyDigest())
}

func TestEncodeDecodeDataWithoutPort(t *testing.T) {
	id := "9d2190f0-1c7b-4b1a-9c2e-4f6b9e9a7b10"
	f := &Frame{Type: Data, ID: id, Body: []byte("world")}
	b, err := f.Encode(sep)
	require.NoError(t, err)

	header := b[:len(b)-len(sep)-len(f.Body)]
	got, bodyLen, err := decodeHeader(header, false)
	require.NoError(t, err)
	assert.Equal(t, len(f.Body), bodyLen)
	assert.Equal(t, id, got.ID)
}

func TestEncodeDecodeShred(t *testing.T) {
	id := "9d2190f0-1c7b-4b1a-9c2e-4f6b9e9a7b10"
	f := &Frame{Type: Shred, ID: id, Index: 2, Total: 3, Body: []byte("chunk")}
	b, err := f.Encode(sep)
	require.NoError(t, err)

	header := b[:len(b)-len(sep)-len(f.Body)]
	got, bodyLen, err := decodeHeader(header, false)
	require.NoError(t, err)
	assert.Equal(t, len(f.Body), bodyLen)
	assert.Equal(t, 2, got.Index)
	assert.Equal(t, 3, got.Total)
}

func TestEncodeDecodeClose(t *testing.T) {
	id := "9d2190f0-1c7b-4b1a-9c2e-4f6b9e9a7b10"
	f := &Frame{Type: Close, ID: id}
	b, err := f.Encode(sep)
	require.NoError(t, err)
	assert.Equal(t, "CLOSE "+id+"\r\n", string(b))
}

func TestDigestMismatchDetected(t *testing.T) {
	f := &Frame{Type: Data, ID: "x", Body: []byte("payload")}
	b, err := f.Encode(sep)
	require.NoError(t, err)

	// flip one hex digit of the sha1 digest
	corrupted := append([]byte(nil), b...)
	idx := len("DATA x ")
	if corrupted[idx] == 'a' {
		corrupted[idx] = 'b'
	} else {
		corrupted[idx] = 'a'
	}

	header := corrupted[:len(corrupted)-len(sep)-len(f.Body)]
	got, bodyLen, err := decodeHeader(header, false)
	require.NoError(t, err)
	got.Body = f.Body
	assert.Equal(t, len(f.Body), bodyLen)
	assert.False(t, got.VerifyDigest())
}

func TestDecodeMalformedHeader(t *testing.T) {
	_, _, err := decodeHeader([]byte("DATA onlyid"), false)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := decodeHeader([]byte("PING x"), false)
	assert.ErrorIs(t, err, ErrUnknownType)
}
