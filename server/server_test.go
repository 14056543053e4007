package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/drhousemd1/slatepush"
	"github.com/drhousemd1/slatepush/storage"
)

type testSigner struct {
	key    *ecdsa.PrivateKey
	pubKey []byte
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &testSigner{key: key, pubKey: elliptic.Marshal(key.Curve, key.X, key.Y)}
}

func (s *testSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.key, digest)
}

func (s *testSigner) PublicKey() []byte {
	return s.pubKey
}

// pushRequest records one request the fake push service received.
type pushRequest struct {
	Path      string
	BodyLen   int
	CryptoKey string
}

type fixture struct {
	handler *Handler
	store   *storage.Memory
	pushURL string
	pushed  chan pushRequest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemory(),
		pushed: make(chan pushRequest, 16),
	}

	pushServer := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.pushed <- pushRequest{
			Path:      r.URL.Path,
			BodyLen:   len(body),
			CryptoKey: r.Header.Get("Crypto-Key"),
		}
		if strings.Contains(r.URL.Path, "gone") {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(pushServer.Close)
	f.pushURL = pushServer.URL

	client := slatepush.NewClient(newTestSigner(t), "mailto:test@example.com").
		WithHTTPClient(pushServer.Client())
	f.handler = New(f.store, client)
	return f
}

func (f *fixture) saveSubscription(t *testing.T, id, userID, path string) {
	t.Helper()
	err := f.store.Save(context.Background(), &storage.Record{
		ID:     id,
		UserID: userID,
		Subscription: &slatepush.Subscription{
			Endpoint: f.pushURL + path,
			Keys: slatepush.Keys{
				P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
				Auth:   "tBHItJI5svbpez7KI4CCXg",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) notify(t *testing.T, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/notify", bytes.NewReader([]byte(body)))
	if authorized {
		req.Header.Set("Authorization", "Bearer test-token")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHandler_Preflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/notify", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "authorization, x-client-info, apikey, content-type" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestHandler_Unauthorized(t *testing.T) {
	f := newFixture(t)

	w := f.notify(t, `{"targetUserId":"u1","type":"taskCompleted"}`, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "unauthorized" {
		t.Errorf("error = %v, want unauthorized", body["error"])
	}
}

func TestHandler_MissingTargetUser(t *testing.T) {
	f := newFixture(t)

	w := f.notify(t, `{"type":"taskCompleted","title":"Task Done"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeBody(t, w); body["error"] == nil {
		t.Error("response has no error field")
	}
}

func TestHandler_NoSubscriptions(t *testing.T) {
	f := newFixture(t)

	w := f.notify(t, `{"targetUserId":"u1","type":"taskCompleted","title":"Task Done","body":"X completed"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != false || body["reason"] != "no_subscriptions" {
		t.Errorf("body = %v, want ok=false reason=no_subscriptions", body)
	}
}

func TestHandler_Disabled(t *testing.T) {
	f := newFixture(t)
	f.saveSubscription(t, "sub-1", "u1", "/push/a")

	if err := f.store.SavePreferences(context.Background(), "u1", &storage.Preferences{Enabled: false}); err != nil {
		t.Fatal(err)
	}

	w := f.notify(t, `{"targetUserId":"u1","type":"taskCompleted","title":"Task Done"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != false || body["reason"] != "disabled" {
		t.Errorf("body = %v, want ok=false reason=disabled", body)
	}
	select {
	case req := <-f.pushed:
		t.Errorf("push sent to %s despite disabled preferences", req.Path)
	default:
	}
}

func TestHandler_TypeDisabled(t *testing.T) {
	f := newFixture(t)
	f.saveSubscription(t, "sub-1", "u1", "/push/a")

	prefs := &storage.Preferences{Enabled: true, Types: map[string]bool{"ruleBroken": false}}
	if err := f.store.SavePreferences(context.Background(), "u1", prefs); err != nil {
		t.Fatal(err)
	}

	w := f.notify(t, `{"targetUserId":"u1","type":"ruleBroken","title":"Rule Broken"}`, true)
	if body := decodeBody(t, w); body["reason"] != "disabled" {
		t.Errorf("body = %v, want reason=disabled", body)
	}

	// Another type still goes through.
	w = f.notify(t, `{"targetUserId":"u1","type":"taskCompleted","title":"Task Done"}`, true)
	body := decodeBody(t, w)
	if body["ok"] != true || body["sent"] != float64(1) {
		t.Errorf("body = %v, want ok=true sent=1", body)
	}
}

func TestHandler_Dispatch(t *testing.T) {
	f := newFixture(t)
	f.saveSubscription(t, "sub-1", "u1", "/push/a")

	w := f.notify(t, `{"targetUserId":"u1","type":"taskCompleted","title":"Task Done","body":"X completed"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != true || body["sent"] != float64(1) || body["total"] != float64(1) {
		t.Errorf("body = %v, want ok=true sent=1 total=1", body)
	}

	req := <-f.pushed
	if req.BodyLen == 0 {
		t.Error("push body is empty, want encrypted payload")
	}
	if !strings.Contains(req.CryptoKey, "dh=") {
		t.Errorf("Crypto-Key = %q, want dh parameter", req.CryptoKey)
	}
}

// One subscriber returning 410 must not stop delivery to the other, and the
// dead subscription is pruned.
func TestHandler_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.saveSubscription(t, "sub-ok", "u1", "/push/ok")
	f.saveSubscription(t, "sub-gone", "u1", "/push/gone")

	w := f.notify(t, `{"targetUserId":"u1","type":"taskCompleted","title":"Task Done"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != true || body["sent"] != float64(1) || body["total"] != float64(2) {
		t.Errorf("body = %v, want ok=true sent=1 total=2", body)
	}

	records, err := f.store.GetByUserID(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "sub-ok" {
		t.Errorf("remaining records = %v, want only sub-ok", records)
	}
}

func TestHandler_Ping(t *testing.T) {
	f := newFixture(t)

	w := f.notify(t, `{"mode":"ping","endpoint":"`+f.pushURL+`/push/diag"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != true || body["mode"] != "ping" {
		t.Errorf("body = %v, want ok=true mode=ping", body)
	}

	req := <-f.pushed
	if req.Path != "/push/diag" {
		t.Errorf("push path = %q, want /push/diag", req.Path)
	}
	if req.BodyLen != 0 {
		t.Errorf("ping body length = %d, want 0", req.BodyLen)
	}
	if strings.Contains(req.CryptoKey, "dh=") {
		t.Errorf("Crypto-Key = %q, want no dh parameter", req.CryptoKey)
	}
	select {
	case extra := <-f.pushed:
		t.Errorf("unexpected second push to %s", extra.Path)
	default:
	}
}

func TestHandler_Subscribe(t *testing.T) {
	f := newFixture(t)

	body := `{
		"userId": "u1",
		"subscription": {
			"endpoint": "https://push.example.com/new",
			"keys": {"p256dh": "key", "auth": "secret"}
		}
	}`
	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("response has no id")
	}

	record, err := f.store.GetByEndpoint(context.Background(), "https://push.example.com/new")
	if err != nil {
		t.Fatalf("GetByEndpoint() error = %v", err)
	}
	if record.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", record.UserID)
	}

	// Re-subscribing the same endpoint keeps the record ID.
	req = httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(body))
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	if again := decodeBody(t, w)["id"]; again != id {
		t.Errorf("id changed on re-subscribe: %v != %s", again, id)
	}
}

func TestHandler_Unsubscribe(t *testing.T) {
	f := newFixture(t)
	f.saveSubscription(t, "sub-1", "u1", "/push/a")

	body := `{"endpoint":"` + f.pushURL + `/push/a"}`
	req := httptest.NewRequest(http.MethodPost, "/unsubscribe", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if _, err := f.store.GetByEndpoint(context.Background(), f.pushURL+"/push/a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetByEndpoint() after unsubscribe error = %v, want ErrNotFound", err)
	}

	// Unknown endpoint answers 404.
	req = httptest.NewRequest(http.MethodPost, "/unsubscribe", strings.NewReader(body))
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandler_VAPIDPublicKey(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/vapid-public-key", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	key, _ := decodeBody(t, w)["publicKey"].(string)
	if key == "" {
		t.Fatal("response has no publicKey")
	}
	decoded, err := slatepush.DecodeBase64URL(key)
	if err != nil {
		t.Fatalf("decoding publicKey: %v", err)
	}
	if len(decoded) != 65 || decoded[0] != 0x04 {
		t.Error("publicKey is not a 65-byte uncompressed point")
	}
}
