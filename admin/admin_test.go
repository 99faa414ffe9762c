package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/motorblog/blogcache/blog"
	"github.com/motorblog/blogcache/bus"
	"github.com/motorblog/blogcache/cache"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	bus    *bus.Bus
	cache  *cache.Cache
	server *httptest.Server
}

func newFixture(t *testing.T, token string, start bool) *fixture {
	t.Helper()

	l := eventlog.NewMemoryLog("events", 100*1024, nil)
	b, err := bus.New(bus.Config{Log: l, Clock: hlc.NewClock(1), Backend: "memory", Backoff: 10 * time.Millisecond})
	require.NoError(t, err)
	c := cache.New(b, cache.Options{})

	categories, err := blog.OpenCategories(filepath.Join(t.TempDir(), "blog.db"), c, b, 5*time.Second)
	require.NoError(t, err)

	if start {
		require.NoError(t, b.Startup(context.Background()))
	}

	srv := NewServer("127.0.0.1:0", NewAdminHandlers(b, c, categories, 5*time.Second), token, nil)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		srv.Stop(context.Background())
		b.Shutdown()
		categories.Close()
	})
	return &fixture{bus: b, cache: c, server: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func TestAdmin_BusStats(t *testing.T) {
	f := newFixture(t, "", true)

	resp, body := f.do(t, http.MethodGet, "/admin/bus/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "memory", data["backend"])
	assert.Equal(t, true, data["running"])
	assert.Contains(t, data, "tailer")
}

func TestAdmin_EmitAndAwait(t *testing.T) {
	f := newFixture(t, "", true)

	resp, body := f.do(t, http.MethodPost, "/admin/bus/events/widgets_changed?await=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "widgets_changed", data["name"])
	assert.Equal(t, true, data["propagated"])
	assert.EqualValues(t, 1, data["position"])
}

func TestAdmin_EmitErrors(t *testing.T) {
	f := newFixture(t, "", false)

	resp, _ := f.do(t, http.MethodPost, "/admin/bus/events/tags_changed", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/bus/events/tags_changed?await=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/bus/events/bad*name", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_CacheKeysAndInvalidate(t *testing.T) {
	f := newFixture(t, "", true)

	_, err := f.cache.GetOrCompute(context.Background(), "nav", func(context.Context) (any, error) {
		return "menu", nil
	})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/admin/cache/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"nav"}, data["keys"])

	resp, _ = f.do(t, http.MethodDelete, "/admin/cache/nav", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.cache.Keys())
}

func TestAdmin_Categories(t *testing.T) {
	f := newFixture(t, "", true)

	resp, _ := f.do(t, http.MethodPost, "/admin/categories/", `{"slug":"go","name":"Go"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/categories/", `{"slug":"go","name":"Go"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/categories/", `{"slug":"Bad Slug","name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/categories/", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/admin/categories/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	assert.Equal(t, blog.DigestOf([]blog.Category{{Slug: "go", Name: "Go"}}), etag)
	assert.Equal(t, []interface{}{map[string]interface{}{"slug": "go", "name": "Go"}}, body["data"])

	resp, _ = f.do(t, http.MethodGet, "/admin/categories/", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/admin/categories/go", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/admin/categories/go", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The list changed, so the old tag no longer matches
	resp, _ = f.do(t, http.MethodGet, "/admin/categories/", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_Auth(t *testing.T) {
	f := newFixture(t, "s3cret", true)

	resp, _ := f.do(t, http.MethodGet, "/admin/bus/", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/bus/", "", "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/bus/", "", TokenHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/bus/", "", TokenHeader, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/bus/", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_LiveStream(t *testing.T) {
	f := newFixture(t, "", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/admin/live", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	_, err = f.bus.EmitAndAwait(ctx, events.PostsChanged)
	require.NoError(t, err)

	var got []string
	for len(got) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		got = append(got, line)
	}

	assert.Equal(t, "id: 1", got[0])
	assert.Equal(t, "event: posts_changed", got[1])
	assert.Contains(t, got[2], `"name":"posts_changed"`)
}

func TestAdmin_RedirectsBarePrefix(t *testing.T) {
	f := newFixture(t, "", true)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(f.server.URL + "/admin")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
}
