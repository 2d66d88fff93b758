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

// Package session implements the data model shared by both peers: the
// session id namespace, the per-session fragment reassembly buffer, and a
// generic table mapping ids to peer-defined entries.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Valid reports whether s looks like a session id: 36 characters, four
// hyphens. This is a shape check only, not a full UUID version/variant
// validation.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	return strings.Count(s, "-") == 4
}

// Table is a concurrency-safe id → entry map, confined to the control
// session's fibers behind a single mutex per table.
type Table[T any] struct {
	mut     sync.RWMutex
	entries map[string]T
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[string]T)}
}

// NewID returns a fresh UUIDv4 not already present in the table. The
// redirector uses this to assign ids that are guaranteed unique for the
// lifetime of one control session.
func (t *Table[T]) NewID() string {
	t.mut.RLock()
	defer t.mut.RUnlock()

	for {
		id := uuid.New().String()
		if _, exists := t.entries[id]; !exists {
			return id
		}
	}
}

func (t *Table[T]) Get(id string) (T, bool) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	v, ok := t.entries[id]
	return v, ok
}

func (t *Table[T]) Set(id string, v T) {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.entries[id] = v
}

func (t *Table[T]) Delete(id string) {
	t.mut.Lock()
	defer t.mut.Unlock()

	delete(t.entries, id)
}

func (t *Table[T]) Len() int {
	t.mut.RLock()
	defer t.mut.RUnlock()

	return len(t.entries)
}

// Range calls f for every entry currently in the table. f must not call
// back into the table; Range holds the read lock for its duration.
func (t *Table[T]) Range(f func(id string, v T)) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	for id, v := range t.entries {
		f(id, v)
	}
}

// Clear empties the table, used on control-session teardown to drop every
// derived session at once.
func (t *Table[T]) Clear() {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.entries = make(map[string]T)
}
