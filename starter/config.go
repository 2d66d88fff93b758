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

package starter

import (
	"strconv"
	"time"

	"github.com/revtun/revtun/common"
)

// Endpoint is a dial target: a host and a port.
type Endpoint struct {
	Address string `config:"address"`
	Port    uint16 `config:"port"`
}

// Config is the starter's external interface, plus the ambient fields
// every revtun role carries.
type Config struct {
	Auth      string `config:"auth"`
	Separator string `config:"separator"`

	RedirectTo Endpoint   `config:"redirect_to"`
	Targets    []Endpoint `config:"targets"`

	MaxPacketSize  int           `config:"maxPacketSize"`
	ReconnectDelay time.Duration `config:"reconnectDelay"`
	IdleTimeout    time.Duration `config:"idleTimeout"`
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

func (c Config) reconnectDelay() time.Duration {
	if c.ReconnectDelay <= 0 {
		return common.DefaultReconnectDelay
	}
	return c.ReconnectDelay
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return common.DefaultIdleTimeout
	}
	return c.IdleTimeout
}

// advertisedPorts returns the ports sent in the AUTH frame: one per
// configured target, in Targets order. The list is derived entirely from
// Targets; an empty Targets yields an empty list.
func (c Config) advertisedPorts() []uint16 {
	ports := make([]uint16, 0, len(c.Targets))
	for _, t := range c.Targets {
		ports = append(ports, t.Port)
	}
	return ports
}

// backendAddress resolves the dial address for an inbound DATA's declared
// port: the configured target if present, else localhost on that port.
func (c Config) backendAddress(port uint16) string {
	for _, t := range c.Targets {
		if t.Port == port {
			if t.Address != "" {
				return t.Address + ":" + strconv.Itoa(int(port))
			}
			break
		}
	}
	return "127.0.0.1:" + strconv.Itoa(int(port))
}

func (c Config) redirectToAddress() string {
	return c.RedirectTo.Address + ":" + strconv.Itoa(int(c.RedirectTo.Port))
}
