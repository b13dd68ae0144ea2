package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	app      *fiber.App
	broker   *PermissionBroker
	cacheDir string
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	broker := NewPermissionBroker()
	gate := &PermissionGate{Check: func(Permission) bool { return false }, Prompter: broker}
	executor := newTestExecutor(t, NewImagingCodec(nil))
	ch := NewMethodChannel(executor, gate, startLoop(t))
	t.Cleanup(ch.Close)

	web := NewWebApp(Config{
		CacheDir:    executor.CacheDir,
		Channel:     ch,
		Permissions: broker,
	})
	return testServer{
		app:      web.newRouter(context.Background()),
		broker:   broker,
		cacheDir: executor.CacheDir,
	}
}

func (s testServer) do(t *testing.T, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestWebApp_Channel(t *testing.T) {
	s := newTestServer(t)
	src := writeTestImage(t, t.TempDir(), "src.png", 90, 60)

	resp, body := s.do(t, http.MethodPost, "/api/channel/getImageOptions", `{"path":"`+src+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"result":{"width":90,"height":60}}`, string(body))

	resp, body = s.do(t, http.MethodPost, "/api/channel/cropImage", `{"path":"`+src+`","scale":1,"left":0,"top":0,"right":1,"bottom":0.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var crop struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &crop))
	assert.Equal(t, s.cacheDir, filepath.Dir(crop.Result))

	resp, body = s.do(t, http.MethodGet, "/api/view?file="+url.QueryEscape(filepath.Base(crop.Result)), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte{0xFF, 0xD8}, body[:2])

	resp, body = s.do(t, http.MethodPost, "/api/channel/getImageOptions", `{"path":"`+filepath.Join(t.TempDir(), "nope.png")+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var replyErr ReplyError
	require.NoError(t, json.Unmarshal(body, &replyErr))
	assert.Equal(t, errorCodeInvalid, replyErr.Code)
	assert.Equal(t, msgCannotOpen, replyErr.Message)

	resp, _ = s.do(t, http.MethodPost, "/api/channel/flipImage", `{}`)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestWebApp_PermissionFlow(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/api/permissions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"pending":[]}`, string(body))

	type result struct {
		status int
		body   []byte
	}
	done := make(chan result, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/channel/requestPermissions", strings.NewReader(`{}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := s.app.Test(req, -1)
		if err != nil {
			done <- result{}
			return
		}
		data, _ := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, data}
	}()

	require.Eventually(t, func() bool { return len(s.broker.Pending()) == 1 }, 5*time.Second, time.Millisecond)

	resp, body = s.do(t, http.MethodGet, "/api/permissions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Pending []PermissionRequest `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Pending, 1)
	id := listing.Pending[0].ID

	resp, _ = s.do(t, http.MethodPost, "/api/permissions/"+id, `{"grants":{"read_storage":true,"write_storage":true}}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case r := <-done:
		require.Equal(t, http.StatusOK, r.status, string(r.body))
		assert.JSONEq(t, `{"result":true}`, string(r.body))
	case <-time.After(5 * time.Second):
		t.Fatal("permission request did not complete")
	}

	resp, _ = s.do(t, http.MethodPost, "/api/permissions/"+id, `{"grants":{}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
