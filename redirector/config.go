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

package redirector

import (
	"time"

	"github.com/revtun/revtun/common"
)

// Config is the redirector's external interface, plus the ambient fields
// every revtun role carries (maxPacketSize is a tuning parameter, not a
// correctness requirement; readTimeout bounds how long a freshly accepted
// control socket may sit in Authenticating).
type Config struct {
	Auth      string `config:"auth"`
	Separator string `config:"separator"`
	Listen    uint16 `config:"listen"`

	MaxPacketSize int           `config:"maxPacketSize"`
	ReadTimeout   time.Duration `config:"readTimeout"`
	IdleTimeout   time.Duration `config:"idleTimeout"`
}

func (c Config) sepBytes() []byte {
	return []byte(c.Separator)
}

func (c Config) maxPacketSize() int {
	if c.MaxPacketSize <= 0 {
		return common.DefaultMaxPacketSize
	}
	return c.MaxPacketSize
}

func (c Config) authTimeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ReadTimeout
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return common.DefaultIdleTimeout
	}
	return c.IdleTimeout
}
