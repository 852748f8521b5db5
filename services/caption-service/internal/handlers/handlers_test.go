package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/services/caption-service/internal/generator"
	"github.com/captionforge/captionforge/services/caption-service/internal/storage"
)

var fixedNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
var resetDate = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

type account struct {
	sub   *entitlements.Subscription
	usage *entitlements.Usage
}

type fakeAccounts map[string]account

func (f fakeAccounts) Snapshot(_ context.Context, accountID string) (*entitlements.Subscription, *entitlements.Usage) {
	a := f[accountID]
	return a.sub, a.usage
}

type fakeStore struct {
	captions []storage.Caption
	profiles map[string][]storage.VoiceProfile
	seats    map[string][]storage.Seat
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: map[string][]storage.VoiceProfile{}, seats: map[string][]storage.Seat{}}
}

func (f *fakeStore) CreateCaption(_ context.Context, c storage.Caption) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.captions = append(f.captions, c)
	return nil
}

func (f *fakeStore) CaptionStats(_ context.Context, accountID string, since time.Time) (storage.CaptionStats, error) {
	out := storage.CaptionStats{ByPlatform: map[string]int{}}
	for _, c := range f.captions {
		if c.AccountID == accountID && !c.CreatedAt.Before(since) {
			out.Generations++
			out.Variations += len(c.Variations)
			out.ByPlatform[c.Platform]++
		}
	}
	return out, nil
}

func (f *fakeStore) ListVoiceProfiles(_ context.Context, accountID string) ([]storage.VoiceProfile, error) {
	return append([]storage.VoiceProfile{}, f.profiles[accountID]...), nil
}

func (f *fakeStore) GetVoiceProfile(_ context.Context, accountID, id string) (storage.VoiceProfile, error) {
	for _, vp := range f.profiles[accountID] {
		if vp.ID == id {
			return vp, nil
		}
	}
	return storage.VoiceProfile{}, storage.ErrNotFound
}

func (f *fakeStore) CreateVoiceProfile(_ context.Context, vp storage.VoiceProfile, allow func(int) bool) (storage.VoiceProfile, error) {
	if !allow(len(f.profiles[vp.AccountID])) {
		return storage.VoiceProfile{}, storage.ErrLimitReached
	}
	vp.CreatedAt = fixedNow
	f.profiles[vp.AccountID] = append(f.profiles[vp.AccountID], vp)
	return vp, nil
}

func (f *fakeStore) DeleteVoiceProfile(_ context.Context, accountID, id string) error {
	list := f.profiles[accountID]
	for i, vp := range list {
		if vp.ID == id {
			f.profiles[accountID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) ListSeats(_ context.Context, accountID string) ([]storage.Seat, error) {
	return append([]storage.Seat{}, f.seats[accountID]...), nil
}

func (f *fakeStore) CreateSeat(_ context.Context, s storage.Seat, allow func(int) bool) (storage.Seat, error) {
	for _, existing := range f.seats[s.AccountID] {
		if existing.Email == s.Email {
			return storage.Seat{}, storage.ErrDuplicate
		}
	}
	if !allow(len(f.seats[s.AccountID])) {
		return storage.Seat{}, storage.ErrLimitReached
	}
	s.CreatedAt = fixedNow
	f.seats[s.AccountID] = append(f.seats[s.AccountID], s)
	return s, nil
}

type stubGenerator struct {
	calls int
	last  generator.Request
	err   error
}

func (g *stubGenerator) Generate(_ context.Context, req generator.Request) (generator.Result, error) {
	g.calls++
	g.last = req
	if g.err != nil {
		return generator.Result{}, g.err
	}
	res := generator.Result{}
	for i := 0; i < req.Variations; i++ {
		res.Captions = append(res.Captions, "caption about "+req.Topic)
	}
	if req.Hashtags {
		res.Hashtags = []string{"#one"}
	}
	return res, nil
}

func usage(n int) *entitlements.Usage {
	return &entitlements.Usage{CaptionsUsed: n, ResetDate: resetDate}
}

func testAccounts() fakeAccounts {
	return fakeAccounts{
		"acct-free":     {usage: usage(3)},
		"acct-free-max": {usage: usage(10)},
		"acct-nousage":  {},
		"acct-pro":      {sub: &entitlements.Subscription{Plan: "pro", Status: entitlements.StatusActive}, usage: usage(500)},
		"acct-canceled": {sub: &entitlements.Subscription{Plan: "pro", Status: entitlements.StatusCanceled}, usage: usage(10)},
		"acct-ent":      {sub: &entitlements.Subscription{Plan: "enterprise", Status: entitlements.StatusPastDue}, usage: usage(0)},
		"acct-legacy":   {sub: &entitlements.Subscription{Plan: "platinum", Status: entitlements.StatusActive}, usage: usage(2)},
	}
}

func newTestHandler(gen generator.Generator) (*Handler, *fakeStore) {
	store := newFakeStore()
	h := New(store, testAccounts(), gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.now = func() time.Time { return fixedNow }
	return h, store
}

func call(h http.HandlerFunc, method, target, accountID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if accountID != "" {
		req.Header.Set(httpx.HeaderAccountID, accountID)
	}
	rw := httptest.NewRecorder()
	h(rw, req)
	return rw
}

func decode(t *testing.T, rw *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rw.Body.String(), err)
	}
	return out
}

func TestGenerateFreeWithinQuota(t *testing.T) {
	gen := &stubGenerator{}
	h, store := newTestHandler(gen)

	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"sourdough","variations":3}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	body := decode(t, rw)
	if got := len(body["captions"].([]any)); got != 3 {
		t.Fatalf("expected 3 captions, got %d", got)
	}
	if body["remaining"] != float64(6) {
		t.Fatalf("expected 6 remaining after generation, got %v", body["remaining"])
	}
	if len(store.captions) != 1 || store.captions[0].AccountID != "acct-free" {
		t.Fatalf("caption not stored: %+v", store.captions)
	}
}

func TestGenerateQuotaExhausted(t *testing.T) {
	gen := &stubGenerator{}
	h, _ := newTestHandler(gen)

	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free-max", `{"topic":"x"}`)
	if rw.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rw.Code)
	}
	body := decode(t, rw)
	if body["remaining"] != float64(0) {
		t.Fatalf("expected remaining 0, got %v", body["remaining"])
	}
	if body["reset_date"] != "2026-11-01T00:00:00Z" {
		t.Fatalf("unexpected reset_date %v", body["reset_date"])
	}
	if gen.calls != 0 {
		t.Fatal("generator must not run when quota is exhausted")
	}
}

func TestGenerateUnknownUsageFailsClosed(t *testing.T) {
	gen := &stubGenerator{}
	h, _ := newTestHandler(gen)

	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-nousage", `{"topic":"x"}`)
	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rw.Code)
	}
	if gen.calls != 0 {
		t.Fatal("generator must not run without usage")
	}
}

func TestGenerateProIgnoresUsage(t *testing.T) {
	h, _ := newTestHandler(&stubGenerator{})
	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-pro", `{"topic":"x","hashtags":true,"brand_voice":"playful"}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	body := decode(t, rw)
	if body["remaining"] != "unlimited" {
		t.Fatalf("expected unlimited, got %v", body["remaining"])
	}
	if strings.Contains(rw.Body.String(), "-1") {
		t.Fatalf("sentinel leaked: %s", rw.Body.String())
	}
}

func TestGenerateVariationsOverLimit(t *testing.T) {
	h, _ := newTestHandler(&stubGenerator{})
	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"x","variations":4}`)
	if rw.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rw.Code)
	}
	body := decode(t, rw)
	if body["limit"] != float64(3) || body["requested"] != float64(4) {
		t.Fatalf("unexpected refusal: %v", body)
	}
}

func TestGenerateHashtagsLockedOnFree(t *testing.T) {
	h, _ := newTestHandler(&stubGenerator{})
	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"x","hashtags":true}`)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}
	if body := decode(t, rw); body["required_plan"] != "pro" {
		t.Fatalf("expected required_plan pro, got %v", body)
	}
}

func TestCanceledProServedFreeLimits(t *testing.T) {
	h, _ := newTestHandler(&stubGenerator{})
	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-canceled", `{"topic":"x"}`)
	if rw.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for canceled pro at free limit, got %d", rw.Code)
	}
}

func TestUnknownPlanServedAsFree(t *testing.T) {
	h, _ := newTestHandler(&stubGenerator{})
	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-legacy", `{"topic":"x","hashtags":true}`)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown plan, got %d", rw.Code)
	}
}

func TestGenerateWithVoiceProfile(t *testing.T) {
	gen := &stubGenerator{}
	h, store := newTestHandler(gen)
	store.profiles["acct-free"] = []storage.VoiceProfile{{ID: "vp-1", AccountID: "acct-free", Name: "Calm", Description: "short"}}

	rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"x","voice_profile_id":"vp-1"}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if gen.last.Voice == nil || gen.last.Voice.Name != "Calm" {
		t.Fatalf("voice not passed to generator: %+v", gen.last)
	}

	rw = call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"x","voice_profile_id":"vp-missing"}`)
	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}

func TestGenerateErrors(t *testing.T) {
	h, _ := newTestHandler(nil)
	if rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"x"}`); rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without generator, got %d", rw.Code)
	}
	if rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "", `{"topic":"x"}`); rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without account, got %d", rw.Code)
	}
	if rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"  "}`); rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank topic, got %d", rw.Code)
	}

	h, _ = newTestHandler(&stubGenerator{err: errors.New("upstream")})
	if rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"x"}`); rw.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on generator failure, got %d", rw.Code)
	}

	h, store := newTestHandler(&stubGenerator{})
	store.saveErr = errors.New("db down")
	if rw := call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-free", `{"topic":"x"}`); rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on save failure, got %d", rw.Code)
	}
}

func TestGenerateBulk(t *testing.T) {
	h, store := newTestHandler(&stubGenerator{})

	rw := call(h.GenerateBulk, http.MethodPost, "/api/v1/captions/generate/bulk", "acct-free", `{"items":[{"topic":"a"}]}`)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for free bulk, got %d", rw.Code)
	}

	rw = call(h.GenerateBulk, http.MethodPost, "/api/v1/captions/generate/bulk", "acct-pro", `{"items":[{"topic":"a"},{"topic":"b","variations":2}]}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	items := decode(t, rw)["items"].([]any)
	if len(items) != 2 || len(store.captions) != 2 {
		t.Fatalf("expected two saved items, got %d/%d", len(items), len(store.captions))
	}

	rw = call(h.GenerateBulk, http.MethodPost, "/api/v1/captions/generate/bulk", "acct-pro", `{"items":[]}`)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", rw.Code)
	}
}

func TestEntitlementsEndpoint(t *testing.T) {
	h, store := newTestHandler(nil)
	store.seats["acct-ent"] = []storage.Seat{{ID: "s1", AccountID: "acct-ent", Email: "a@b.c"}}

	rw := call(h.Entitlements, http.MethodGet, "/api/v1/captions/entitlements", "acct-ent", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	body := decode(t, rw)
	if body["team_seats_remaining"] != float64(9) {
		t.Fatalf("expected 9 seats left, got %v", body["team_seats_remaining"])
	}
	if body["voice_profiles_remaining"] != "unlimited" {
		t.Fatalf("expected unlimited profiles, got %v", body["voice_profiles_remaining"])
	}
	features := body["features"].(map[string]any)
	if features["team_workspace"] != true {
		t.Fatalf("past_due enterprise keeps team workspace: %v", features)
	}

	rw = call(h.Entitlements, http.MethodGet, "/api/v1/captions/entitlements", "acct-free", "")
	body = decode(t, rw)
	if _, ok := body["team_seats_remaining"]; ok {
		t.Fatal("free plan has no team seats field")
	}
	if body["captions_remaining"] != float64(7) || body["captions_usage_percent"] != float64(30) {
		t.Fatalf("unexpected quota: %v", body)
	}
}

func TestVoiceProfileLimit(t *testing.T) {
	h, store := newTestHandler(nil)

	rw := call(h.VoiceProfiles, http.MethodPost, "/api/v1/captions/voice-profiles", "acct-free", `{"name":"Calm","description":"short sentences"}`)
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rw.Code, rw.Body.String())
	}
	rw = call(h.VoiceProfiles, http.MethodPost, "/api/v1/captions/voice-profiles", "acct-free", `{"name":"Loud"}`)
	if rw.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 at the free profile limit, got %d", rw.Code)
	}

	rw = call(h.VoiceProfiles, http.MethodGet, "/api/v1/captions/voice-profiles", "acct-free", "")
	body := decode(t, rw)
	if len(body["profiles"].([]any)) != 1 || body["remaining"] != float64(0) {
		t.Fatalf("unexpected list: %v", body)
	}

	id := store.profiles["acct-free"][0].ID
	rw = call(h.VoiceProfile, http.MethodDelete, "/api/v1/captions/voice-profiles/"+id, "acct-free", "")
	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rw.Code)
	}
	rw = call(h.VoiceProfile, http.MethodDelete, "/api/v1/captions/voice-profiles/"+id, "acct-free", "")
	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rw.Code)
	}
}

func TestVoiceProfileNameCountsCharacters(t *testing.T) {
	h, _ := newTestHandler(nil)

	name := strings.Repeat("é", 60)
	rw := call(h.VoiceProfiles, http.MethodPost, "/api/v1/captions/voice-profiles", "acct-pro", `{"name":"`+name+`"}`)
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a 60 character name, got %d: %s", rw.Code, rw.Body.String())
	}

	rw = call(h.VoiceProfiles, http.MethodPost, "/api/v1/captions/voice-profiles", "acct-pro", `{"name":"`+strings.Repeat("é", 81)+`"}`)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an 81 character name, got %d", rw.Code)
	}
}

func TestSeats(t *testing.T) {
	h, store := newTestHandler(nil)

	rw := call(h.Seats, http.MethodPost, "/api/v1/captions/team/seats", "acct-pro", `{"email":"x@y.z"}`)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for pro, got %d", rw.Code)
	}
	if body := decode(t, rw); body["required_plan"] != "enterprise" {
		t.Fatalf("unexpected refusal: %v", body)
	}

	for i := 0; i < 10; i++ {
		store.seats["acct-ent"] = append(store.seats["acct-ent"], storage.Seat{Email: string(rune('a'+i)) + "@team.test"})
	}
	rw = call(h.Seats, http.MethodPost, "/api/v1/captions/team/seats", "acct-ent", `{"email":"new@team.test"}`)
	if rw.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 at seat limit, got %d", rw.Code)
	}

	store.seats["acct-ent"] = store.seats["acct-ent"][:9]
	rw = call(h.Seats, http.MethodPost, "/api/v1/captions/team/seats", "acct-ent", `{"email":"New@Team.test","role":"editor"}`)
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rw.Code, rw.Body.String())
	}
	if body := decode(t, rw); body["email"] != "new@team.test" {
		t.Fatalf("email not normalised: %v", body)
	}

	rw = call(h.Seats, http.MethodPost, "/api/v1/captions/team/seats", "acct-ent", `{"email":"not-an-email"}`)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestAnalyticsLockedOnFree(t *testing.T) {
	h, _ := newTestHandler(&stubGenerator{})
	if rw := call(h.Analytics, http.MethodGet, "/api/v1/captions/analytics", "acct-free", ""); rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}

	call(h.Generate, http.MethodPost, "/api/v1/captions/generate", "acct-pro", `{"topic":"x","platform":"Instagram","variations":2}`)
	rw := call(h.Analytics, http.MethodGet, "/api/v1/captions/analytics", "acct-pro", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	body := decode(t, rw)
	if body["generations"] != float64(1) || body["variations"] != float64(2) {
		t.Fatalf("unexpected stats: %v", body)
	}
}
