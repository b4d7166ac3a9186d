package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/amakihi/fanpush/internal/db"
	"github.com/amakihi/fanpush/internal/dedup"
	"github.com/amakihi/fanpush/internal/engine"
)

const testToken = "watcher-secret"

type mockSubs struct {
	subs       map[string]*db.Subscription
	upsertErr  error
	lastUpsert *db.Subscription
	removed    []string
	settings   map[string]db.Settings
	names      map[string]string
}

func newMockSubs() *mockSubs {
	return &mockSubs{
		subs:     make(map[string]*db.Subscription),
		settings: make(map[string]db.Settings),
		names:    make(map[string]string),
	}
}

func (m *mockSubs) Upsert(_ context.Context, sub *db.Subscription) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.lastUpsert = sub
	m.subs[sub.ClientID] = sub
	return nil
}

func (m *mockSubs) Get(_ context.Context, clientID string) (*db.Subscription, error) {
	sub, ok := m.subs[clientID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return sub, nil
}

func (m *mockSubs) UpdateSettings(_ context.Context, clientID string, partial db.Settings) error {
	if _, ok := m.subs[clientID]; !ok {
		return db.ErrNotFound
	}
	m.settings[clientID] = partial
	return nil
}

func (m *mockSubs) UpdateDisplayName(_ context.Context, clientID, name string) error {
	if _, ok := m.subs[clientID]; !ok {
		return db.ErrNotFound
	}
	m.names[clientID] = name
	return nil
}

func (m *mockSubs) Remove(_ context.Context, clientID string) error {
	m.removed = append(m.removed, clientID)
	delete(m.subs, clientID)
	return nil
}

type mockHistory struct {
	page *db.HistoryPage
	err  error

	lastLimit  int
	lastOffset int
}

func (m *mockHistory) Page(_ context.Context, limit, offset int) (*db.HistoryPage, error) {
	m.lastLimit = limit
	m.lastOffset = offset
	if m.err != nil {
		return nil, m.err
	}
	return m.page, nil
}

type mockScheduled struct {
	created []*db.ScheduledNotification
	err     error
}

func (m *mockScheduled) Create(_ context.Context, sched *db.ScheduledNotification) error {
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, sched)
	return nil
}

type mockDispatcher struct {
	report      *engine.DeliveryReport
	dispatchErr error
	sendToErr   error

	lastEvent  *engine.Event
	sendToSubs []*db.Subscription
}

func (m *mockDispatcher) Dispatch(_ context.Context, event *engine.Event) (*engine.DeliveryReport, error) {
	m.lastEvent = event
	if m.dispatchErr != nil && m.report == nil {
		return nil, m.dispatchErr
	}
	return m.report, m.dispatchErr
}

func (m *mockDispatcher) SendTo(_ context.Context, sub *db.Subscription, event *engine.Event) error {
	m.sendToSubs = append(m.sendToSubs, sub)
	return m.sendToErr
}

type mockGate struct {
	isNew    bool
	err      error
	lastKey  string
	idCalls  int
	liveCall *dedup.LiveState
}

func (m *mockGate) IsNewID(_ context.Context, sourceKey string, _ int64) (bool, error) {
	m.lastKey = sourceKey
	m.idCalls++
	return m.isNew, m.err
}

func (m *mockGate) IsNewLiveState(_ context.Context, sourceKey string, state dedup.LiveState) (bool, error) {
	m.lastKey = sourceKey
	m.liveCall = &state
	return m.isNew, m.err
}

type handlerDeps struct {
	subs       *mockSubs
	history    *mockHistory
	scheduled  *mockScheduled
	dispatcher *mockDispatcher
	gate       *mockGate
}

func newTestHandler(token string) (*Handler, *handlerDeps) {
	deps := &handlerDeps{
		subs:      newMockSubs(),
		history:   &mockHistory{page: &db.HistoryPage{Logs: []*db.NotificationRecord{}}},
		scheduled: &mockScheduled{},
		dispatcher: &mockDispatcher{report: &engine.DeliveryReport{
			Status:      db.StatusSuccess,
			Subscribers: 2,
			Delivered:   2,
		}},
		gate: &mockGate{isNew: true},
	}
	h := NewHandler(zap.NewNop(), deps.subs, deps.history, deps.scheduled, deps.dispatcher, deps.gate, token, "test-vapid-pub")
	return h, deps
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func validNotifyBody() map[string]any {
	return map[string]any{
		"type": "VideoSite",
		"data": map[string]any{
			"title":     "New upload",
			"body":      "A new video is out",
			"url":       "https://video.example.com/watch/1",
			"published": "2026-09-01T10:00:00Z",
		},
	}
}

func TestNotify_RejectsWhenTokenUnconfigured(t *testing.T) {
	h, deps := newTestHandler("")

	rec := postJSON(t, h.Notify, "/api/notify", validNotifyBody(),
		map[string]string{"X-Notify-Token": "anything"})

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if deps.dispatcher.lastEvent != nil {
		t.Error("dispatch must not run when intake is disabled")
	}
}

func TestNotify_RejectsBadToken(t *testing.T) {
	h, deps := newTestHandler(testToken)

	for _, token := range []string{"", "wrong"} {
		rec := postJSON(t, h.Notify, "/api/notify", validNotifyBody(),
			map[string]string{"X-Notify-Token": token})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rec.Code)
		}
	}
	if deps.dispatcher.lastEvent != nil {
		t.Error("dispatch must not run on bad token")
	}
}

func TestNotify_DispatchesValidEvent(t *testing.T) {
	h, deps := newTestHandler(testToken)

	rec := postJSON(t, h.Notify, "/api/notify", validNotifyBody(),
		map[string]string{"X-Notify-Token": testToken})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != db.StatusSuccess {
		t.Errorf("status = %v, want success", resp["status"])
	}
	if resp["delivered"] != float64(2) {
		t.Errorf("delivered = %v, want 2", resp["delivered"])
	}

	ev := deps.dispatcher.lastEvent
	if ev == nil {
		t.Fatal("dispatcher not called")
	}
	if ev.Title != "New upload" || ev.Platform != "VideoSite" {
		t.Errorf("event = %+v, want title/platform preserved", ev)
	}
	if ev.SettingKey != "video-site" {
		t.Errorf("settingKey = %q, want classified video-site", ev.SettingKey)
	}
	if ev.EventKey == "" {
		t.Error("event key must be derived for duplicate suppression")
	}
}

func TestNotify_ExplicitSettingKeyPreserved(t *testing.T) {
	h, deps := newTestHandler(testToken)

	body := validNotifyBody()
	body["settingKey"] = "milestone"
	rec := postJSON(t, h.Notify, "/api/notify", body,
		map[string]string{"X-Notify-Token": testToken})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if deps.dispatcher.lastEvent.SettingKey != "milestone" {
		t.Errorf("settingKey = %q, want milestone", deps.dispatcher.lastEvent.SettingKey)
	}
}

func TestNotify_RejectsInvalidPayload(t *testing.T) {
	h, _ := newTestHandler(testToken)

	// Missing type.
	rec := postJSON(t, h.Notify, "/api/notify", map[string]any{
		"data": map[string]any{"title": "t"},
	}, map[string]string{"X-Notify-Token": testToken})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing type: status = %d, want 400", rec.Code)
	}

	// Missing title.
	rec = postJSON(t, h.Notify, "/api/notify", map[string]any{
		"type": "VideoSite",
		"data": map[string]any{},
	}, map[string]string{"X-Notify-Token": testToken})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing title: status = %d, want 400", rec.Code)
	}
}

func TestNotify_SeenSourceCandidateSkipsDispatch(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.gate.isNew = false

	body := validNotifyBody()
	body["source"] = map[string]any{"key": "siteA:accountX", "candidateId": 100}
	rec := postJSON(t, h.Notify, "/api/notify", body,
		map[string]string{"X-Notify-Token": testToken})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "skipped" || resp["new"] != false {
		t.Errorf("resp = %v, want skipped/new:false", resp)
	}
	if deps.dispatcher.lastEvent != nil {
		t.Error("seen candidate must never reach delivery")
	}
	if deps.gate.lastKey != "siteA:accountX" {
		t.Errorf("gate key = %q", deps.gate.lastKey)
	}
}

func TestNotify_NewSourceCandidateDispatches(t *testing.T) {
	h, deps := newTestHandler(testToken)

	body := validNotifyBody()
	body["source"] = map[string]any{"key": "siteA:accountX", "candidateId": 150}
	rec := postJSON(t, h.Notify, "/api/notify", body,
		map[string]string{"X-Notify-Token": testToken})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if deps.gate.idCalls != 1 {
		t.Errorf("gate calls = %d, want 1", deps.gate.idCalls)
	}
	if deps.dispatcher.lastEvent == nil {
		t.Fatal("new candidate must dispatch")
	}
}

func TestNotify_LiveSourceState(t *testing.T) {
	h, deps := newTestHandler(testToken)

	body := validNotifyBody()
	body["source"] = map[string]any{
		"key":  "liveB:accountY",
		"live": map[string]any{"status": "live", "broadcastId": "b42"},
	}
	rec := postJSON(t, h.Notify, "/api/notify", body,
		map[string]string{"X-Notify-Token": testToken})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if deps.gate.liveCall == nil {
		t.Fatal("live state not passed to gate")
	}
	if deps.gate.liveCall.Status != dedup.LivePublic || deps.gate.liveCall.BroadcastID != "b42" {
		t.Errorf("live state = %+v", deps.gate.liveCall)
	}
}

func TestNotify_GateFailureFailsClosed(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.gate.err = errors.New("db down")

	body := validNotifyBody()
	body["source"] = map[string]any{"key": "siteA:accountX", "candidateId": 100}
	rec := postJSON(t, h.Notify, "/api/notify", body,
		map[string]string{"X-Notify-Token": testToken})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if deps.dispatcher.lastEvent != nil {
		t.Error("gate failure must never reach delivery")
	}
}

func TestNotify_SourceRequiresExactlyOneIdentity(t *testing.T) {
	h, _ := newTestHandler(testToken)

	// Neither candidateId nor live.
	body := validNotifyBody()
	body["source"] = map[string]any{"key": "siteA:accountX"}
	rec := postJSON(t, h.Notify, "/api/notify", body,
		map[string]string{"X-Notify-Token": testToken})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty identity: status = %d, want 400", rec.Code)
	}

	// Both at once.
	body = validNotifyBody()
	body["source"] = map[string]any{
		"key":         "siteA:accountX",
		"candidateId": 1,
		"live":        map[string]any{"status": "live"},
	}
	rec = postJSON(t, h.Notify, "/api/notify", body,
		map[string]string{"X-Notify-Token": testToken})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("both identities: status = %d, want 400", rec.Code)
	}
}

func TestNotify_DispatchErrorReturns500(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.dispatcher.report = nil
	deps.dispatcher.dispatchErr = errors.New("db down")

	rec := postJSON(t, h.Notify, "/api/notify", validNotifyBody(),
		map[string]string{"X-Notify-Token": testToken})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	var problem ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("unmarshal problem: %v", err)
	}
	if problem.Type != "dispatch_error" {
		t.Errorf("problem type = %q, want dispatch_error", problem.Type)
	}
}

func validSaveBody() map[string]any {
	return map[string]any{
		"clientId": "client-1",
		"subscription": map[string]any{
			"endpoint": "https://push.example.com/ep1",
			"keys": map[string]any{
				"p256dh": "pub",
				"auth":   "auth",
			},
		},
		"settings": map[string]bool{"milestone": true},
	}
}

func TestSavePlatformSettings(t *testing.T) {
	h, deps := newTestHandler(testToken)

	rec := postJSON(t, h.SavePlatformSettings, "/api/save-platform-settings", validSaveBody(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	saved := deps.subs.lastUpsert
	if saved == nil {
		t.Fatal("subscription not saved")
	}
	if saved.ClientID != "client-1" || saved.Endpoint != "https://push.example.com/ep1" {
		t.Errorf("saved = %+v", saved)
	}
	if !saved.Settings["milestone"] {
		t.Error("settings not preserved")
	}
}

func TestSavePlatformSettings_InvalidKeys(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.subs.upsertErr = db.ErrInvalidPushKeys

	rec := postJSON(t, h.SavePlatformSettings, "/api/save-platform-settings", validSaveBody(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSavePlatformSettings_RejectsMissingFields(t *testing.T) {
	h, _ := newTestHandler(testToken)

	rec := postJSON(t, h.SavePlatformSettings, "/api/save-platform-settings", map[string]any{
		"clientId": "client-1",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetPlatformSettings(t *testing.T) {
	h, deps := newTestHandler(testToken)
	name := "Living room tablet"
	deps.subs.subs["client-1"] = &db.Subscription{
		ClientID:    "client-1",
		Settings:    db.Settings{"milestone": true},
		DisplayName: &name,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/get-platform-settings?clientId=client-1", nil)
	rec := httptest.NewRecorder()
	h.GetPlatformSettings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Settings db.Settings `json:"settings"`
		Name     string      `json:"name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Settings["milestone"] || resp.Name != name {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGetPlatformSettings_NotFound(t *testing.T) {
	h, _ := newTestHandler(testToken)

	req := httptest.NewRequest(http.MethodGet, "/api/get-platform-settings?clientId=nope", nil)
	rec := httptest.NewRecorder()
	h.GetPlatformSettings(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUpdatePlatformSettings_Merges(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.subs.subs["client-1"] = &db.Subscription{ClientID: "client-1"}

	req := httptest.NewRequest(http.MethodPatch, "/api/save-platform-settings",
		bytes.NewReader([]byte(`{"clientId":"client-1","settings":{"milestone":false}}`)))
	rec := httptest.NewRecorder()
	h.UpdatePlatformSettings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got := deps.subs.settings["client-1"]
	if v, ok := got["milestone"]; !ok || v {
		t.Errorf("settings = %v, want milestone:false", got)
	}
}

func TestUnsubscribe_IdempotentForUnknownClient(t *testing.T) {
	h, deps := newTestHandler(testToken)

	rec := postJSON(t, h.UnsubscribePlatformSettings, "/api/save-platform-settings",
		map[string]any{"clientId": "never-seen"}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for unknown client", rec.Code)
	}
	if len(deps.subs.removed) != 1 {
		t.Errorf("removed = %v, want one call", deps.subs.removed)
	}
}

func TestSaveAndGetName(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.subs.subs["client-1"] = &db.Subscription{ClientID: "client-1"}

	rec := postJSON(t, h.SaveName, "/api/save-name",
		map[string]any{"clientId": "client-1", "name": "Phone"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: status = %d, want 200", rec.Code)
	}
	if deps.subs.names["client-1"] != "Phone" {
		t.Errorf("name = %q, want Phone", deps.subs.names["client-1"])
	}

	name := "Phone"
	deps.subs.subs["client-1"].DisplayName = &name
	req := httptest.NewRequest(http.MethodGet, "/api/get-name?clientId=client-1", nil)
	getRec := httptest.NewRecorder()
	h.GetName(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", getRec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(getRec.Body.Bytes(), &resp)
	if resp["name"] != "Phone" {
		t.Errorf("name = %q, want Phone", resp["name"])
	}
}

func TestHistory_PaginationDefaultsAndClamps(t *testing.T) {
	h, deps := newTestHandler(testToken)

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rec := httptest.NewRecorder()
	h.History(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if deps.history.lastLimit != 20 || deps.history.lastOffset != 0 {
		t.Errorf("defaults: limit=%d offset=%d, want 20/0", deps.history.lastLimit, deps.history.lastOffset)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/history?limit=500&offset=-3", nil)
	rec = httptest.NewRecorder()
	h.History(rec, req)
	if deps.history.lastLimit != 20 || deps.history.lastOffset != 0 {
		t.Errorf("out of range ignored: limit=%d offset=%d, want 20/0", deps.history.lastLimit, deps.history.lastOffset)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/history?limit=50&offset=40", nil)
	rec = httptest.NewRecorder()
	h.History(rec, req)
	if deps.history.lastLimit != 50 || deps.history.lastOffset != 40 {
		t.Errorf("explicit: limit=%d offset=%d, want 50/40", deps.history.lastLimit, deps.history.lastOffset)
	}
}

func TestHistory_ResponseShape(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.history.page = &db.HistoryPage{
		Logs: []*db.NotificationRecord{
			{ID: 2, Title: "newer", Status: db.StatusSuccess},
			{ID: 1, Title: "older", Status: db.StatusFail},
		},
		HasMore: true,
		Total:   10,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil)
	rec := httptest.NewRecorder()
	h.History(rec, req)

	var page db.HistoryPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Logs) != 2 || !page.HasMore || page.Total != 10 {
		t.Errorf("page = %+v", page)
	}
	if page.Logs[0].Title != "newer" {
		t.Error("newest-first ordering must be preserved")
	}
}

func TestSendTest(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.subs.subs["client-1"] = &db.Subscription{ClientID: "client-1"}

	rec := postJSON(t, h.SendTest, "/api/send-test", map[string]any{"clientId": "client-1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(deps.dispatcher.sendToSubs) != 1 {
		t.Fatalf("SendTo calls = %d, want 1", len(deps.dispatcher.sendToSubs))
	}
}

func TestSendTest_UnknownClient(t *testing.T) {
	h, _ := newTestHandler(testToken)

	rec := postJSON(t, h.SendTest, "/api/send-test", map[string]any{"clientId": "nope"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSendTest_DeliveryFailure(t *testing.T) {
	h, deps := newTestHandler(testToken)
	deps.subs.subs["client-1"] = &db.Subscription{ClientID: "client-1"}
	deps.dispatcher.sendToErr = errors.New("endpoint rejected")

	rec := postJSON(t, h.SendTest, "/api/send-test", map[string]any{"clientId": "client-1"}, nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestSchedule(t *testing.T) {
	h, deps := newTestHandler(testToken)

	rec := postJSON(t, h.Schedule, "/api/schedule", map[string]any{
		"runAt": "2026-09-02T08:00:00Z",
		"event": map[string]any{"title": "Stream starts soon", "platform": "LiveSite"},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if len(deps.scheduled.created) != 1 {
		t.Fatalf("created = %d, want 1", len(deps.scheduled.created))
	}

	var ev engine.Event
	if err := json.Unmarshal(deps.scheduled.created[0].Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Title != "Stream starts soon" {
		t.Errorf("payload title = %q", ev.Title)
	}
}

func TestSchedule_RejectsBadTime(t *testing.T) {
	h, _ := newTestHandler(testToken)

	rec := postJSON(t, h.Schedule, "/api/schedule", map[string]any{
		"runAt": "tomorrow at 8",
		"event": map[string]any{"title": "t"},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestVAPIDPublicKey(t *testing.T) {
	h, _ := newTestHandler(testToken)

	req := httptest.NewRequest(http.MethodGet, "/api/vapid-public-key", nil)
	rec := httptest.NewRecorder()
	h.VAPIDPublicKey(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["publicKey"] != "test-vapid-pub" {
		t.Errorf("publicKey = %q", resp["publicKey"])
	}
}
