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

// Package tunnel holds the transmit-side helpers shared by redirector and
// starter: both sides read from a socket and must turn the bytes into one
// DATA frame, or — past the configured maximum — a sequence of SHRED
// frames.
package tunnel

import (
	"github.com/revtun/revtun/frame"
)

// Frames turns body into a single DATA frame, or ceil(len(body)/max) SHRED
// frames sharing id, if it exceeds max. max <= 0 disables fragmentation
// (always emits DATA, however large).
func Frames(id string, port uint16, hasPort bool, body []byte, max int) []*frame.Frame {
	if max <= 0 || len(body) <= max {
		return []*frame.Frame{{
			Type: frame.Data, ID: id, Port: port, HasPort: hasPort,
			Body: body,
		}}
	}

	total := (len(body) + max - 1) / max
	frames := make([]*frame.Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * max
		end := start + max
		if end > len(body) {
			end = len(body)
		}
		frames = append(frames, &frame.Frame{
			Type: frame.Shred, ID: id, Port: port, HasPort: hasPort,
			Index: i + 1, Total: total,
			Body: body[start:end],
		})
	}
	return frames
}
