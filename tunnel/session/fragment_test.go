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

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentBufferInOrder(t *testing.T) {
	fb := NewFragmentBuffer()

	joined, complete, err := fb.Add(1, 3, []byte("abc"))
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Nil(t, joined)

	_, complete, err = fb.Add(2, 3, []byte("def"))
	require.NoError(t, err)
	assert.False(t, complete)

	joined, complete, err = fb.Add(3, 3, []byte("ghi"))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "abcdefghi", string(joined))
}

func TestFragmentBufferAnyPermutation(t *testing.T) {
	fb := NewFragmentBuffer()

	_, complete, err := fb.Add(3, 3, []byte("ghi"))
	require.NoError(t, err)
	assert.False(t, complete)

	_, complete, err = fb.Add(1, 3, []byte("abc"))
	require.NoError(t, err)
	assert.False(t, complete)

	joined, complete, err := fb.Add(2, 3, []byte("def"))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "abcdefghi", string(joined))
}

func TestFragmentBufferDuplicateIndexOverwrites(t *testing.T) {
	fb := NewFragmentBuffer()

	_, _, err := fb.Add(1, 2, []byte("old"))
	require.NoError(t, err)

	_, _, err = fb.Add(1, 2, []byte("new"))
	require.NoError(t, err)

	joined, complete, err := fb.Add(2, 2, []byte("tail"))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "newtail", string(joined))
}

func TestFragmentBufferIndexBeyondTotalDiscarded(t *testing.T) {
	fb := NewFragmentBuffer()

	joined, complete, err := fb.Add(5, 3, []byte("stray"))
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Nil(t, joined)
	assert.Equal(t, 0, len(fb.parts))
}

func TestFragmentBufferTotalMismatchIsProtocolError(t *testing.T) {
	fb := NewFragmentBuffer()

	_, _, err := fb.Add(1, 3, []byte("abc"))
	require.NoError(t, err)

	_, _, err = fb.Add(2, 4, []byte("def"))
	assert.ErrorIs(t, err, ErrTotalMismatch)
}
