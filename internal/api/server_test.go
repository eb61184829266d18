package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thereceipt/printlink/internal/command"
	"github.com/thereceipt/printlink/internal/printer"
	"github.com/thereceipt/printlink/internal/printer/printertest"
	"github.com/thereceipt/printlink/internal/registry"
)

type testAPI struct {
	backend *printertest.Backend
	manager *printer.Manager
	queue   *printer.PrintQueue
	hub     *Hub
	server  *Server
}

func newTestAPI(t *testing.T, devices ...printer.Descriptor) *testAPI {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	b := printertest.NewBackend(devices...)
	m := printertest.NewManager(b)
	hub := NewHub(nil)
	q := printer.NewPrintQueue(m, printer.JobQueueOptions{OnUpdate: hub.BroadcastJob})
	m.Bus().Subscribe(hub.BroadcastStatus)
	return &testAPI{
		backend: b,
		manager: m,
		queue:   q,
		hub:     hub,
		server:  NewServer(m, q, command.NewExecutor(m, q, reg), hub, nil),
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Expected JSON response from %s %s, got %q", method, path, w.Body.String())
		}
	}
	return w, resp
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w, resp := a.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK || resp["status"] != "ok" {
		t.Errorf("Expected ok, got %d %v", w.Code, resp)
	}
}

func TestSearchNoPrinter(t *testing.T) {
	a := newTestAPI(t)
	w, resp := a.do(t, "POST", "/printer/search", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if resp["kind"] != "NoDeviceFound" {
		t.Errorf("Expected NoDeviceFound, got %v", resp["kind"])
	}
}

func TestSearchStatusAndReset(t *testing.T) {
	a := newTestAPI(t, printertest.Epson)

	w, resp := a.do(t, "POST", "/printer/search", "")
	if w.Code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected search to succeed, got %d %v", w.Code, resp)
	}

	w, resp = a.do(t, "GET", "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	state := resp["state"].(map[string]interface{})
	if state["status"] != "connected" || resp["ready"] != true {
		t.Errorf("Expected connected and ready, got %v", resp)
	}

	w, _ = a.do(t, "POST", "/printer/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected reset to succeed, got %d", w.Code)
	}
	w, resp = a.do(t, "POST", "/printer/reconnect", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after reset, got %d %v", w.Code, resp)
	}
}

func TestQueueEndpoints(t *testing.T) {
	a := newTestAPI(t, printertest.Epson)
	a.do(t, "POST", "/printer/search", "")

	w, resp := a.do(t, "PUT", "/queue", `{"size": 3}`)
	if w.Code != http.StatusOK || resp["size"] != float64(3) {
		t.Fatalf("Expected size 3, got %d %v", w.Code, resp)
	}
	if w, _ := a.do(t, "PUT", "/queue", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without size, got %d", w.Code)
	}
	if w, _ := a.do(t, "PUT", "/queue", `{"size": -2}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a negative size, got %d", w.Code)
	}

	_, resp = a.do(t, "POST", "/printer/disconnect-if-idle", "")
	if resp["disconnected"] != false {
		t.Errorf("Expected the printer to be kept, got %v", resp)
	}

	a.do(t, "PUT", "/queue", `{"size": 0}`)
	_, resp = a.do(t, "POST", "/printer/disconnect-if-idle", "")
	if resp["disconnected"] != true {
		t.Errorf("Expected the printer to be released, got %v", resp)
	}

	_, resp = a.do(t, "GET", "/queue", "")
	if resp["size"] != float64(0) || resp["pending"] != float64(0) {
		t.Errorf("Expected empty queue, got %v", resp)
	}
}

func TestPrintEnqueuesJob(t *testing.T) {
	a := newTestAPI(t, printertest.Epson)

	w, resp := a.do(t, "POST", "/print", `{"text": "ORDEM DE SERVICO\nCliente: Ana"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d %v", w.Code, resp)
	}
	id, _ := resp["job_id"].(string)
	if id == "" {
		t.Fatal("Expected a job id")
	}

	w, resp = a.do(t, "GET", "/jobs/"+id, "")
	if w.Code != http.StatusOK || resp["status"] != "queued" {
		t.Errorf("Expected queued job, got %d %v", w.Code, resp)
	}

	receipt := `{"version": "1.0", "commands": [{"type": "text", "value": "hi"}, {"type": "cut"}]}`
	if w, _ := a.do(t, "POST", "/print", receipt); w.Code != http.StatusAccepted {
		t.Errorf("Expected a receipt payload to be accepted, got %d", w.Code)
	}

	if w, _ := a.do(t, "POST", "/print", `{"version": "1.0", "commands": []}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty receipt, got %d", w.Code)
	}
	if w, _ := a.do(t, "POST", "/print", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for garbage, got %d", w.Code)
	}
	if w, _ := a.do(t, "GET", "/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown job, got %d", w.Code)
	}
}

func TestTestPageRequiresConnection(t *testing.T) {
	a := newTestAPI(t, printertest.Epson)

	if w, _ := a.do(t, "POST", "/test", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while disconnected, got %d", w.Code)
	}
	a.do(t, "POST", "/printer/search", "")
	if w, _ := a.do(t, "POST", "/test", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(string(a.backend.Written()), "TESTE DE IMPRESSAO") {
		t.Error("Expected the test page on the wire")
	}
}

func TestDevicesAndRename(t *testing.T) {
	a := newTestAPI(t, printertest.Epson)

	_, resp := a.do(t, "GET", "/devices", "")
	devices := resp["devices"].([]interface{})
	if len(devices) != 1 {
		t.Fatalf("Expected one device, got %v", devices)
	}
	id := devices[0].(map[string]interface{})["id"].(string)

	if w, _ := a.do(t, "PUT", "/devices/"+id+"/name", `{"name": "Balcao"}`); w.Code != http.StatusOK {
		t.Errorf("Expected rename, got %d", w.Code)
	}
	if w, _ := a.do(t, "PUT", "/devices/nope/name", `{"name": "x"}`); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w, _ := a.do(t, "PUT", "/devices/"+id+"/name", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	_, resp = a.do(t, "GET", "/devices", "")
	dev := resp["devices"].([]interface{})[0].(map[string]interface{})
	if dev["name"] != "Balcao" {
		t.Errorf("Expected custom name, got %v", dev["name"])
	}
}

func TestCommandEndpoint(t *testing.T) {
	a := newTestAPI(t, printertest.Epson)

	w, resp := a.do(t, "POST", "/command", `{"command": "search"}`)
	if w.Code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected success, got %d %v", w.Code, resp)
	}

	if w, _ := a.do(t, "POST", "/command", `{"command": "bogus"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown command, got %d", w.Code)
	}
	if w, _ := a.do(t, "POST", "/command", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without command, got %d", w.Code)
	}

	a.do(t, "POST", "/printer/reset", "")
	w, resp = a.do(t, "POST", "/command", `{"command": "test"}`)
	if w.Code != http.StatusConflict || resp["kind"] != "NotConnected" {
		t.Errorf("Expected 409 NotConnected, got %d %v", w.Code, resp)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{printer.ErrNoDeviceFound, http.StatusNotFound},
		{fmt.Errorf("claim: %w", printer.ErrPermissionDenied), http.StatusForbidden},
		{printer.ErrTimeout, http.StatusGatewayTimeout},
		{&printer.TransportError{Written: 64, Total: 128, Err: printer.ErrTimeout}, http.StatusInternalServerError},
		{printer.ErrNotConnected, http.StatusConflict},
		{&printer.ClaimFailedError{Attempts: 15, Last: printer.ErrClaimBusy}, http.StatusServiceUnavailable},
		{printer.ErrNotSupported, http.StatusNotImplemented},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): expected %d, got %d", tt.err, tt.want, got)
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Expected %s event, got %v", event, err)
		}
		if msg.Event == event {
			return msg
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	a := newTestAPI(t, printertest.Epson)
	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()
	defer a.hub.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	greeting := readEvent(t, conn, EventStatus)
	if greeting.Data["status"] != "disconnected" {
		t.Errorf("Expected disconnected greeting, got %v", greeting.Data)
	}

	if err := conn.WriteJSON(WSMessage{Event: EventCommand, Data: map[string]interface{}{"command": "search"}}); err != nil {
		t.Fatalf("Failed to send command: %v", err)
	}

	// The bus reports the transitions before the command answers
	for _, want := range []string{"connecting", "connected"} {
		msg := readEvent(t, conn, EventStatus)
		if msg.Data["status"] != want {
			t.Errorf("Expected %s, got %v", want, msg.Data["status"])
		}
	}
	resp := readEvent(t, conn, EventResponse)
	if resp.Data["success"] != true {
		t.Errorf("Expected success response, got %v", resp.Data)
	}

	conn.WriteJSON(WSMessage{Event: "dance"})
	if msg := readEvent(t, conn, EventError); !strings.Contains(msg.Data["error"].(string), "unknown event") {
		t.Errorf("Expected unknown event error, got %v", msg.Data)
	}
}
