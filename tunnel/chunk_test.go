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

package tunnel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revtun/revtun/frame"
	"github.com/revtun/revtun/tunnel/session"
)

func TestFramesUnderMaxIsSingleData(t *testing.T) {
	out := Frames("id", 0, false, []byte("hello"), 384)
	require.Len(t, out, 1)
	assert.Equal(t, frame.Data, out[0].Type)
}

func TestFramesOverMaxShreds(t *testing.T) {
	body := []byte(strings.Repeat("x", 1024))
	out := Frames("id", 0, false, body, 384)
	require.Len(t, out, 3)
	for i, f := range out {
		assert.Equal(t, frame.Shred, f.Type)
		assert.Equal(t, i+1, f.Index)
		assert.Equal(t, 3, f.Total)
	}
	assert.Len(t, out[0].Body, 384)
	assert.Len(t, out[1].Body, 384)
	assert.Len(t, out[2].Body, 256)
}

func TestFramesRoundTripAnyPermutation(t *testing.T) {
	body := []byte(strings.Repeat("y", 1000))
	out := Frames("id", 0, false, body, 384)
	require.Len(t, out, 3)

	fb := session.NewFragmentBuffer()
	order := []int{2, 0, 1}
	var joined []byte
	for _, i := range order {
		f := out[i]
		j, complete, err := fb.Add(f.Index, f.Total, f.Body)
		require.NoError(t, err)
		if complete {
			joined = j
		}
	}
	assert.True(t, bytes.Equal(body, joined))
}
