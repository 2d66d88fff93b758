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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/revtun/revtun/common"
)

var (
	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "starter",
			Name:      "reconnects_total",
			Help:      "Control channel reconnects total",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Subsystem: "starter",
			Name:      "active_sessions",
			Help:      "Backend sessions currently tracked",
		},
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "starter",
			Name:      "frames_total",
			Help:      "Frames processed total, by type",
		},
		[]string{"type"},
	)

	protocolViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "starter",
			Name:      "protocol_violations_total",
			Help:      "Malformed headers or digest mismatches discarded total",
		},
	)

	backendDialFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "starter",
			Name:      "backend_dial_failures_total",
			Help:      "Backend dial failures total",
		},
	)
)
