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
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/revtun/revtun/internal/sigs"
	"github.com/revtun/revtun/logger"
)

func (s *Starter) setupAdminRoutes() {
	s.svr.RegisterGetRoute("/metrics", func(w http.ResponseWriter, req *http.Request) {
		promhttp.Handler().ServeHTTP(w, req)
	})

	s.svr.RegisterPostRoute("/-/logger", func(w http.ResponseWriter, req *http.Request) {
		logger.SetLoggerLevel(req.FormValue("level"))
		w.Write([]byte(`{"status":"success"}`))
	})

	s.svr.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, req *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
		}
	})

	s.svr.RegisterGetRoute("/-/sessions", s.streamSessionEvents)
}

// streamSessionEvents serves a long-lived, chunked newline-delimited JSON
// feed of backend session open/close events until the client disconnects.
func (s *Starter) streamSessionEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(q)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	for {
		v, ok := q.PopTimeout(30 * time.Second)
		if !ok {
			select {
			case <-req.Context().Done():
				return
			default:
				continue
			}
		}

		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			return
		}
		flusher.Flush()
	}
}
