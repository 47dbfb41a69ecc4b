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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/cookiemonster/internal/cookiejar"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestServer(jar cookiejar.CookieJar) *Server {
	return NewServer(jar, 0, logr.Discard())
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var payload T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))

	return payload
}

func seen(source string, at time.Time) types.Enrichment {
	return types.Enrichment{
		Source:    source,
		Timestamp: at,
		Metadata:  types.Metadata{"state": "seen"},
	}
}

func TestServer_QueueLength(t *testing.T) {
	ctx := context.Background()
	jar := cookiejar.NewInMemoryJar()
	srv := newTestServer(jar)

	now := time.Now().UTC()
	require.NoError(t, jar.Enrich(ctx, "/seq/1.cram", seen("irods", now)))
	require.NoError(t, jar.Enrich(ctx, "/seq/2.cram", seen("irods", now)))

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/queue", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 2, decode[queueLengthResponse](t, rec).QueueLength)
}

func TestServer_ReprocessWithObjectBody(t *testing.T) {
	ctx := context.Background()
	jar := cookiejar.NewInMemoryJar()
	srv := newTestServer(jar)

	body := strings.NewReader(`{"path": "/seq/1.cram"}`)
	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/queue/reprocess", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/seq/1.cram", decode[reprocessResponse](t, rec).Path)

	length, err := jar.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestServer_ReprocessWithBareString(t *testing.T) {
	ctx := context.Background()
	jar := cookiejar.NewInMemoryJar()
	srv := newTestServer(jar)

	body := strings.NewReader(`"/seq/2.cram"`)
	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/queue/reprocess", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/seq/2.cram", decode[reprocessResponse](t, rec).Path)

	length, err := jar.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestServer_ReprocessRejectsMalformedBodies(t *testing.T) {
	srv := newTestServer(cookiejar.NewInMemoryJar())

	bodies := []string{
		`not json at all`,
		`42`,
		`""`,
		`{"identifier": "/seq/1.cram"}`,
		`{"path": 17}`,
	}

	for _, body := range bodies {
		req := httptest.NewRequest(http.MethodPost, "/queue/reprocess", strings.NewReader(body))
		rec := serve(srv, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestServer_FetchCookie(t *testing.T) {
	ctx := context.Background()
	jar := cookiejar.NewInMemoryJar()
	srv := newTestServer(jar)

	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, jar.Enrich(ctx, "/seq/1.cram", seen("sequencer", base.Add(time.Minute))))
	require.NoError(t, jar.Enrich(ctx, "/seq/1.cram", seen("irods", base)))

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/cookiejar//seq/1.cram", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	cookie := decode[types.Cookie](t, rec)
	assert.Equal(t, "/seq/1.cram", cookie.Identifier)
	require.Len(t, cookie.Enrichments, 2)
	assert.Equal(t, "irods", cookie.Enrichments[0].Source)
	assert.Equal(t, "sequencer", cookie.Enrichments[1].Source)
	assert.True(t, cookie.Enrichments[0].Timestamp.Equal(base))
}

func TestServer_FetchCookieByQuery(t *testing.T) {
	ctx := context.Background()
	jar := cookiejar.NewInMemoryJar()
	srv := newTestServer(jar)

	require.NoError(t, jar.Enrich(ctx, "/seq/1.cram", seen("irods", time.Now().UTC())))

	target := "/cookiejar/?identifier=" + url.QueryEscape("/seq/1.cram")
	rec := serve(srv, httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/seq/1.cram", decode[types.Cookie](t, rec).Identifier)
}

func TestServer_FetchCookieEscapedPath(t *testing.T) {
	ctx := context.Background()
	jar := cookiejar.NewInMemoryJar()
	srv := newTestServer(jar)

	require.NoError(t, jar.Enrich(ctx, "/seq/1.cram", seen("irods", time.Now().UTC())))

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/cookiejar/%2Fseq%2F1.cram", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/seq/1.cram", decode[types.Cookie](t, rec).Identifier)
}

func TestServer_FetchUnknownCookie(t *testing.T) {
	srv := newTestServer(cookiejar.NewInMemoryJar())

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/cookiejar//seq/unknown.cram", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/cookiejar/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DeleteCookie(t *testing.T) {
	ctx := context.Background()
	jar := cookiejar.NewInMemoryJar()
	srv := newTestServer(jar)

	require.NoError(t, jar.Enrich(ctx, "/seq/1.cram", seen("irods", time.Now().UTC())))

	rec := serve(srv, httptest.NewRequest(http.MethodDelete, "/cookiejar//seq/1.cram", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/seq/1.cram", decode[deleteResponse](t, rec).Deleted)

	cookie, err := jar.Fetch(ctx, "/seq/1.cram")
	require.NoError(t, err)
	assert.Nil(t, cookie)

	rec = serve(srv, httptest.NewRequest(http.MethodDelete, "/cookiejar//seq/1.cram", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RejectsClientsNotAcceptingJSON(t *testing.T) {
	srv := newTestServer(cookiejar.NewInMemoryJar())

	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	req.Header.Set("Accept", "text/html")
	rec := serve(srv, req)

	require.Equal(t, http.StatusNotAcceptable, rec.Code)
	assert.Equal(t, "I only understand JSON", strings.TrimSpace(rec.Body.String()))

	for _, accept := range []string{"application/json", "application/*", "*/*"} {
		req = httptest.NewRequest(http.MethodGet, "/queue", nil)
		req.Header.Set("Accept", accept)
		assert.Equal(t, http.StatusOK, serve(srv, req).Code, "accept %q", accept)
	}

	assert.Equal(t, http.StatusOK, serve(srv, httptest.NewRequest(http.MethodGet, "/queue", nil)).Code)
}

func TestServer_StartServesAndStops(t *testing.T) {
	srv := newTestServer(cookiejar.NewInMemoryJar())

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/queue")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload queueLengthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 0, payload.QueueLength)

	srv.Stop()

	_, err = http.Get("http://" + srv.Addr() + "/queue")
	assert.Error(t, err)
}

func TestServer_ShutsDownOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newTestServer(cookiejar.NewInMemoryJar())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(srv.Stop)

	cancel()

	require.Eventually(t, func() bool {
		_, err := http.Get("http://" + srv.Addr() + "/queue")
		return err != nil
	}, waitFor, tick)
}

func TestServer_StartTwiceFails(t *testing.T) {
	srv := newTestServer(cookiejar.NewInMemoryJar())

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	assert.Error(t, srv.Start(context.Background()))
}
