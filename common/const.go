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

package common

import "time"

const (
	// App 应用程序名称
	App = "revtun"

	// Version 应用程序版本
	Version = "v0.1.0"

	// ReadWriteBlockSize frame.Reader 每次从控制连接 Read 的缓冲区大小
	//
	// redirector/starter 从 public/backend socket 读取时使用同样大小 (4096) 的缓冲区
	// 该值与 MaxPacketSize 相互独立 一次读到的字节是一条 DATA 帧还是多条 SHRED 帧
	// 只由 MaxPacketSize 决定
	ReadWriteBlockSize = 4096

	// DefaultMaxPacketSize SHRED 分片的默认阈值
	//
	// 早期版本里这个数值对应底层 MTU 的估算 在当前基于 body_len 的定长帧读取模型下
	// 它只是一个调优参数 不再是正确性的必要条件
	DefaultMaxPacketSize = 384

	// DefaultReconnectDelay starter 控制连接断开后的重连等待时间
	DefaultReconnectDelay = 5 * time.Second

	// DefaultIdleTimeout 会话空闲超时的默认值 超过这个时间未收发任何字节的
	// 会话会被当作对端主动关闭一样收尾 (§5)
	DefaultIdleTimeout = 5 * time.Minute
)
