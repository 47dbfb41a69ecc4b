/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

type queueLengthResponse struct {
	QueueLength int `json:"queue_length"`
}

type reprocessResponse struct {
	Path string `json:"path"`
}

type deleteResponse struct {
	Deleted string `json:"deleted"`
}

func (s *Server) getQueueLength(w http.ResponseWriter, r *http.Request) {
	length, err := s.jar.QueueLength(r.Context())
	if err != nil {
		s.log.Error(err, "reading queue length")
		http.Error(w, "queue length unavailable", http.StatusInternalServerError)
		return
	}

	s.respond(w, queueLengthResponse{QueueLength: length})
}

func (s *Server) postReprocess(w http.ResponseWriter, r *http.Request) {
	path, err := decodeReprocess(r.Body)
	if err != nil {
		http.Error(w, "couldn't decode request body", http.StatusBadRequest)
		return
	}

	if err := s.jar.MarkForProcessing(r.Context(), path); err != nil {
		s.log.Error(err, "marking cookie for processing", "identifier", path)
		http.Error(w, "marking for processing failed", http.StatusInternalServerError)
		return
	}

	s.respond(w, reprocessResponse{Path: path})
}

// decodeReprocess accepts either a bare JSON string or an object with a
// path member.
func decodeReprocess(body io.Reader) (string, error) {
	var raw any
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return "", err
	}

	switch v := raw.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if path, ok := v["path"].(string); ok && path != "" {
			return path, nil
		}
	}

	return "", errors.New("no path in request body")
}

func (s *Server) getCookie(w http.ResponseWriter, r *http.Request) {
	identifier := cookieIdentifier(r)

	cookie, err := s.jar.Fetch(r.Context(), identifier)
	if err != nil {
		s.log.Error(err, "fetching cookie", "identifier", identifier)
		http.Error(w, "fetching cookie failed", http.StatusInternalServerError)
		return
	}
	if cookie == nil {
		http.Error(w, "no such cookie", http.StatusNotFound)
		return
	}

	s.respond(w, cookie)
}

func (s *Server) deleteCookie(w http.ResponseWriter, r *http.Request) {
	identifier := cookieIdentifier(r)

	cookie, err := s.jar.Fetch(r.Context(), identifier)
	if err != nil {
		s.log.Error(err, "fetching cookie", "identifier", identifier)
		http.Error(w, "fetching cookie failed", http.StatusInternalServerError)
		return
	}
	if cookie == nil {
		http.Error(w, "no such cookie", http.StatusNotFound)
		return
	}

	if err := s.jar.Delete(r.Context(), identifier); err != nil {
		s.log.Error(err, "deleting cookie", "identifier", identifier)
		http.Error(w, "deleting cookie failed", http.StatusInternalServerError)
		return
	}

	s.respond(w, deleteResponse{Deleted: identifier})
}

// cookieIdentifier resolves the cookie addressed by the request: the
// identifier query parameter when present, otherwise the remainder of the
// URL path. Identifiers are usually absolute paths, so the path form reads
// /cookiejar//seq/run/file.cram; the query form exists for identifiers
// that are awkward to spell in a path.
func cookieIdentifier(r *http.Request) string {
	if identifier := r.URL.Query().Get("identifier"); identifier != "" {
		return identifier
	}

	tail := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(tail); err == nil {
		tail = unescaped
	}
	return tail
}

func (s *Server) respond(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error(err, "writing response")
	}
}
