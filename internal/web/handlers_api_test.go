package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"zigbee-arbiter/internal/coordinator"
	"zigbee-arbiter/internal/knowledge"
	"zigbee-arbiter/internal/normalize"
	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/retry"
	"zigbee-arbiter/internal/store"
	"zigbee-arbiter/internal/transport"
)

type stubTransport struct {
	mu       sync.Mutex
	commands []uint8
	cmdErr   error
}

func (s *stubTransport) Start(context.Context, transport.Handlers) error { return nil }
func (s *stubTransport) Close() error                                    { return nil }

func (s *stubTransport) DataRequest(context.Context, transport.Target, uint16, []byte) error {
	return transport.ErrUnsupported
}

func (s *stubTransport) SendCommand(_ context.Context, _ transport.Target, command uint8, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return s.cmdErr
}

func (s *stubTransport) SendFrame(context.Context, transport.Target, []byte) error {
	return transport.ErrUnsupported
}

func (s *stubTransport) WriteAttributes(context.Context, transport.Target, []transport.AttributeWrite) error {
	return transport.ErrUnsupported
}

type testEnv struct {
	srv   *Server
	st    *store.BoltStore
	coord *coordinator.Coordinator
	tr    *stubTransport
}

func (e *testEnv) join(t *testing.T, id, vendor, model string) {
	t.Helper()
	e.coord.HandleJoined(transport.DeviceJoined{ID: id, Vendor: vendor, Model: model, Endpoint: 1})
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, r)
	return w
}

func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	kb := knowledge.Builtin().Build()
	tr := &stubTransport{}
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(tr, db, kb, normalize.New(kb, nil, logger), events, nil, coordinator.Config{
		Retry: retry.Plan{Attempts: 1, BaseDelay: -1},
	}, logger)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(coord, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, st: db, coord: coord, tr: tr}
}

func TestAPIListDevices(t *testing.T) {
	env := setupTestServer(t, "")
	env.join(t, "plug", "_TZ3000_g5xawfcq", "TS011F")
	env.join(t, "trv", "_TZE200_ckud7u2l", "TS0601")

	w := env.do("GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var devices []coordinator.DeviceInfo
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	for _, d := range devices {
		if d.Protocol == nil || d.Protocol.Source != protocol.KnownDevice {
			t.Errorf("device %s protocol = %+v, want known_device source", d.ID, d.Protocol)
		}
	}
}

func TestAPIGetDevice(t *testing.T) {
	env := setupTestServer(t, "")
	env.join(t, "trv", "_TZE200_ckud7u2l", "TS0601")

	w := env.do("GET", "/api/devices/trv", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got struct {
		ID       string `json:"id"`
		Protocol struct {
			Classification string `json:"classification"`
		} `json:"protocol"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "trv" || got.Protocol.Classification != protocol.DpOnly.String() {
		t.Errorf("device = %+v", got)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	env := setupTestServer(t, "")
	if w := env.do("GET", "/api/devices/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameDevice(t *testing.T) {
	env := setupTestServer(t, "")
	env.join(t, "plug", "_TZ3000_g5xawfcq", "TS011F")

	w := env.do("PATCH", "/api/devices/plug", `{"friendly_name":"Kettle"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	dev, err := env.st.GetDevice("plug")
	if err != nil {
		t.Fatal(err)
	}
	if dev.FriendlyName != "Kettle" {
		t.Errorf("friendly name = %q", dev.FriendlyName)
	}

	if w := env.do("PATCH", "/api/devices/ghost", `{"friendly_name":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d", w.Code)
	}
	if w := env.do("PATCH", "/api/devices/plug", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	env := setupTestServer(t, "")
	env.join(t, "plug", "_TZ3000_g5xawfcq", "TS011F")

	if w := env.do("DELETE", "/api/devices/plug", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, err := env.st.GetDevice("plug"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("device still stored: %v", err)
	}
	if _, ok := env.coord.Arbiter().Snapshot("plug"); ok {
		t.Error("device still attached")
	}
	if w := env.do("DELETE", "/api/devices/plug", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestAPISendCommand(t *testing.T) {
	tests := []struct {
		name    string
		device  string
		body    string
		cmdErr  error
		status  int
		command []uint8
	}{
		{"on", "plug", `{"capability":"onoff","value":true}`, nil, http.StatusOK, []uint8{0x01}},
		{"string off", "plug", `{"capability":"onoff","value":"off"}`, nil, http.StatusOK, []uint8{0x00}},
		{"unknown device", "ghost", `{"capability":"onoff","value":true}`, nil, http.StatusNotFound, nil},
		{"unmapped capability", "plug", `{"capability":"fan_speed","value":1}`, nil, http.StatusBadRequest, nil},
		{"missing value", "plug", `{"capability":"onoff"}`, nil, http.StatusBadRequest, nil},
		{"invalid body", "plug", `onoff`, nil, http.StatusBadRequest, nil},
		{"transport failure", "plug", `{"capability":"onoff","value":true}`, errors.New("no ack"), http.StatusBadGateway, []uint8{0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, "")
			env.join(t, "plug", "_TZ3000_g5xawfcq", "TS011F")
			env.tr.cmdErr = tt.cmdErr

			w := env.do("POST", "/api/devices/"+tt.device+"/command", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body)
			}
			if !bytes.Equal(env.tr.commands, tt.command) {
				t.Errorf("commands = %v, want %v", env.tr.commands, tt.command)
			}
		})
	}
}

func TestAPIListClassifications(t *testing.T) {
	env := setupTestServer(t, "")
	err := env.st.SaveClassification(&store.Classification{
		Vendor:         "AcmeLight",
		Model:          "AL-100",
		Classification: protocol.StandardOnly,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := env.do("GET", "/api/classifications", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "AcmeLight") {
		t.Errorf("body = %s", w.Body)
	}
}

func TestAPIVersionAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("up 1\n"))
	})
	env := setupTestServer(t, "secret", WithVersion("1.2.3"), WithMetrics(metrics))

	w := env.do("GET", "/api/version", "", "X-API-Key", "secret")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "1.2.3") {
		t.Errorf("version: status = %d, body = %s", w.Code, w.Body)
	}
	// Scrapes are not behind the API key.
	if w := env.do("GET", "/metrics", ""); w.Code != http.StatusOK || w.Body.String() != "up 1\n" {
		t.Errorf("metrics: status = %d, body = %s", w.Code, w.Body)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		status int
	}{
		{"valid key", []string{"X-API-Key", "secret"}, http.StatusOK},
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, "secret")
			if w := env.do("GET", "/api/devices", "", tt.header...); w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestOriginCheck(t *testing.T) {
	env := setupTestServer(t, "", WithAllowedOrigins([]string{"http://home.local"}))
	env.join(t, "plug", "_TZ3000_g5xawfcq", "TS011F")
	body := `{"capability":"onoff","value":true}`

	if w := env.do("POST", "/api/devices/plug/command", body, "Origin", "http://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d", w.Code)
	}
	w := env.do("POST", "/api/devices/plug/command", body, "Origin", "http://home.local")
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "http://home.local" {
		t.Errorf("allowed origin: status = %d, headers = %v", w.Code, w.Header())
	}
	if w := env.do("OPTIONS", "/api/devices/plug/command", "", "Origin", "http://home.local"); w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
}
