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
	"bytes"
	"sync"

	"github.com/pkg/errors"
)

// ErrTotalMismatch is returned by FragmentBuffer.Add when two SHRED frames
// sharing an id disagree on the declared total fragment count. This is a
// protocol error: the buffer is dropped and the session closed.
var ErrTotalMismatch = errors.New("fragment: total mismatch")

// FragmentBuffer reassembles a SHRED sequence sharing one session id. A
// duplicate index overwrites, an index beyond total is discarded, and a
// total that disagrees with a previously seen fragment is a protocol error.
type FragmentBuffer struct {
	mut   sync.Mutex
	total int
	parts map[int][]byte
}

// NewFragmentBuffer creates an empty buffer. total is fixed by the first
// SHRED observed; later ones with a different total are rejected.
func NewFragmentBuffer() *FragmentBuffer {
	return &FragmentBuffer{parts: make(map[int][]byte)}
}

// Add inserts fragment index (1-based) out of total. If this completes the
// set, it returns the concatenated payload in index order and resets the
// buffer's internal indices (the shared Table entry, if any, should then be
// deleted by the caller). A discarded out-of-range index is reported via
// complete = false with a nil error; a total mismatch is reported as an error.
func (fb *FragmentBuffer) Add(index, total int, body []byte) (joined []byte, complete bool, err error) {
	fb.mut.Lock()
	defer fb.mut.Unlock()

	if fb.total == 0 {
		fb.total = total
	} else if fb.total != total {
		return nil, false, ErrTotalMismatch
	}

	if index > fb.total {
		return nil, false, nil // discard: index > total
	}

	fb.parts[index] = body // duplicate index: overwrite

	if len(fb.parts) != fb.total {
		return nil, false, nil
	}

	var buf bytes.Buffer
	for i := 1; i <= fb.total; i++ {
		part, ok := fb.parts[i]
		if !ok {
			// defensive: size matches but an index outside [1,total] was
			// accepted elsewhere. Should be unreachable given the checks
			// above.
			return nil, false, nil
		}
		buf.Write(part)
	}
	fb.parts = make(map[int][]byte)
	fb.total = 0
	return buf.Bytes(), true, nil
}
