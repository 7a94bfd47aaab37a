package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"go.wsrt.dev/internal/broker"
	"go.wsrt.dev/internal/diagnostics"
	"go.wsrt.dev/internal/protocol"
	"go.wsrt.dev/internal/wm"
)

func testRouter(t *testing.T) (chiRouter http.Handler, w *wm.WM, warn *diagnostics.Service) {
	t.Helper()
	b := broker.New(broker.Config{})
	w = wm.New(b, nil)
	warn = diagnostics.NewService()
	return NewRouter(w, warn, func() bool { return true }), w, warn
}

func TestHealthzReportsReadiness(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzNotReady(t *testing.T) {
	b := broker.New(broker.Config{})
	w := wm.New(b, nil)
	warn := diagnostics.NewService()
	router := NewRouter(w, warn, func() bool { return false })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListServersEmpty(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []ServerDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Empty(t, out)
}

func TestCreateServerThenList(t *testing.T) {
	router, w, _ := testRouter(t)

	body, _ := json.Marshal(CreateServerRequest{Host: "as1.internal", Port: 7000})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/servers", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	infos := w.Servers()
	require.Len(t, infos, 1)
	require.Equal(t, protocol.NewServerId("as1.internal", 7000), infos[0].ID)
}

func TestCreateServerRejectsMissingHost(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/servers", bytes.NewReader([]byte(`{"port":7000}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteServerRequestsDisconnect(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/servers/as1.internal/7000", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDeleteServerRejectsBadPort(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/servers/as1.internal/not-a-port", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWarningsListAndAcknowledge(t *testing.T) {
	router, _, warn := testRouter(t)
	warn.Add(diagnostics.CategoryTransport, diagnostics.SeverityError, "as1.internal:7000", "connection reset")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/warnings", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []*diagnostics.Warning
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/warnings/"+out[0].ID+"/ack", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWarningsAcknowledgeUnknownID(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/warnings/does-not-exist/ack", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
