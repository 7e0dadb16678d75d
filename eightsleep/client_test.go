package eightsleep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const (
	testEmail     = "user@example.com"
	testPassword  = "hunter2"
	testToken     = "fake_token"
	testDeviceID  = "98c53f17408384ffd6329fd1"
	testUserID    = "389e711791e70fe16c54ce166ad8f3eb"
	testPartnerID = "e9e8a0c020a1159cc0549e189f6d4a15"
)

const loginBody = `{"session":{"expirationDate":"2030-03-28T13:32:11.000Z","userId":"` + testUserID + `","token":"` + testToken + `"}}`

const deviceListBody = `{"user":{"userId":"` + testUserID + `","devices":["` + testDeviceID + `"]}}`

const deviceUsersBody = `{"result":{"ownerId":"` + testUserID + `","leftUserId":"` + testUserID + `","rightUserId":"` + testPartnerID + `"}}`

func profileBody(id, email string) string {
	return fmt.Sprintf(`{"user":{"userId":%q,"email":%q,"firstName":"Alex","lastName":"Sleeper","gender":"other","dob":"1990-01-01T00:00:00.000Z","devices":[%q]}}`, id, email, testDeviceID)
}

// devicePayload builds one device snapshot with a configurable left side.
// The left presence timestamp is a quoted string and the right one a bare
// number, the two forms the API mixes freely.
func devicePayload(level, target int, heating bool, presenceEnd int64) string {
	return fmt.Sprintf(`{"deviceId":%q,"ownerId":%q,"leftUserId":%q,"rightUserId":%q,`+
		`"leftHeatingLevel":%d,"leftTargetHeatingLevel":%d,"leftNowHeating":%t,"leftHeatingDuration":0,"leftPresenceEnd":"%d",`+
		`"rightHeatingLevel":-5,"rightTargetHeatingLevel":0,"rightNowHeating":false,"rightHeatingDuration":0,"rightPresenceEnd":%d,`+
		`"priming":false,"needsPriming":false,"hasWater":true,"online":true,"features":["warming","cooling"],`+
		`"lastHeard":"2022-03-21T08:13:48.000Z","timezone":"Europe/London"}`,
		testDeviceID, testUserID, testUserID, testPartnerID, level, target, heating, presenceEnd, presenceEnd)
}

func deviceBody(level, target int, heating bool, presenceEnd int64) string {
	return `{"result":` + devicePayload(level, target, heating, presenceEnd) + `}`
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func assertSessionToken(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Session-Token"); got != testToken {
		t.Fatalf("unexpected session token: %q", got)
	}
}

func TestStartAndDeviceData(t *testing.T) {
	var logins int
	presenceEnd := time.Now().Unix()
	level, target, heating := 10, 0, false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			logins++
			if r.Method != http.MethodPost {
				t.Fatalf("expected POST to /login, got %s", r.Method)
			}
			if got := r.Header.Get("api-key"); got != "api-key" {
				t.Fatalf("unexpected api key header: %q", got)
			}
			if got := r.Header.Get("application-id"); got != "morphy-app-id" {
				t.Fatalf("unexpected application id header: %q", got)
			}
			if err := r.ParseForm(); err != nil {
				t.Fatalf("parse login form: %v", err)
			}
			if r.PostForm.Get("email") != testEmail || r.PostForm.Get("password") != testPassword {
				t.Fatalf("unexpected login form: %v", r.PostForm)
			}
			writeJSON(w, loginBody)
		case "/users/me":
			assertSessionToken(t, r)
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			assertSessionToken(t, r)
			if r.URL.Query().Get("filter") != "" {
				writeJSON(w, deviceUsersBody)
				return
			}
			if r.URL.Query().Get("offlineView") != "true" {
				t.Fatalf("expected offlineView query, got %q", r.URL.RawQuery)
			}
			writeJSON(w, deviceBody(level, target, heating, presenceEnd))
		case "/users/" + testUserID:
			assertSessionToken(t, r)
			writeJSON(w, profileBody(testUserID, testEmail))
		case "/users/" + testPartnerID:
			assertSessionToken(t, r)
			writeJSON(w, profileBody(testPartnerID, "partner@example.com"))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(testEmail, testPassword, WithBaseURL(server.URL), WithPartner())
	ctx := context.Background()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if logins != 1 {
		t.Fatalf("expected 1 login, got %d", logins)
	}
	if client.Token() != testToken {
		t.Fatalf("unexpected token: %q", client.Token())
	}
	if client.UserID() != testUserID {
		t.Fatalf("unexpected user id: %q", client.UserID())
	}
	if client.DeviceID() != testDeviceID {
		t.Fatalf("unexpected device id: %q", client.DeviceID())
	}
	if ids := client.DeviceIDs(); len(ids) != 1 || ids[0] != testDeviceID {
		t.Fatalf("unexpected device ids: %v", ids)
	}
	if !client.CurrentSession().Valid(time.Now()) {
		t.Fatalf("expected a valid session after Start")
	}

	users := client.Users()
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].Side != SideLeft || users[0].ID != testUserID {
		t.Fatalf("unexpected left user: %s %s", users[0].Side, users[0].ID)
	}
	if users[1].Side != SideRight || users[1].ID != testPartnerID {
		t.Fatalf("unexpected right user: %s %s", users[1].Side, users[1].ID)
	}
	left := client.UserBySide(SideLeft)
	if left == nil || left.Profile() == nil || left.Profile().Email != testEmail {
		t.Fatalf("unexpected left profile: %+v", left.Profile())
	}
	if client.User(testPartnerID) == nil {
		t.Fatalf("expected partner tracked")
	}

	if client.DeviceData() != nil {
		t.Fatalf("expected no device data before the first poll")
	}
	if err := client.UpdateDeviceData(ctx); err != nil {
		t.Fatalf("UpdateDeviceData: %v", err)
	}

	device := client.DeviceData()
	if device == nil {
		t.Fatalf("expected device data after poll")
	}
	if device.LeftHeatingLevel == nil || *device.LeftHeatingLevel != 10 {
		t.Fatalf("unexpected left heating level: %v", device.LeftHeatingLevel)
	}
	if device.RightHeatingLevel == nil || *device.RightHeatingLevel != -5 {
		t.Fatalf("unexpected right heating level: %v", device.RightHeatingLevel)
	}
	if !client.IsPod() {
		t.Fatalf("expected pod features, got %v", device.Features)
	}
	if client.Device(testDeviceID) != device {
		t.Fatalf("expected Device(id) to return the same snapshot")
	}

	if got := left.HeatingLevel(); got == nil || *got != 10 {
		t.Fatalf("unexpected left user level: %v", got)
	}
	right := client.UserBySide(SideRight)
	if got := right.HeatingLevel(); got == nil || *got != -5 {
		t.Fatalf("unexpected right user level: %v", got)
	}
	wantSeen := time.Unix(presenceEnd, 0)
	if seen := left.LastSeen(); seen == nil || !seen.Equal(wantSeen) {
		t.Fatalf("unexpected left last seen: %v", seen)
	}
	if seen := right.LastSeen(); seen == nil || !seen.Equal(wantSeen) {
		t.Fatalf("unexpected right last seen: %v", seen)
	}

	// Cooling shows up as the heater loop running toward a negative target.
	level, target, heating = -20, -30, true
	if err := client.UpdateDeviceData(ctx); err != nil {
		t.Fatalf("UpdateDeviceData: %v", err)
	}
	if !left.NowCooling() {
		t.Fatalf("expected cooling with target -30")
	}
	if !left.NowHeating() {
		t.Fatalf("expected the heater loop reported active while cooling")
	}
	if history := client.DeviceDataHistory(); len(history) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(history))
	}
	if got := left.PastHeatingLevel(1); got != 10 {
		t.Fatalf("unexpected past level: %d", got)
	}
	if got := left.PastHeatingLevel(5); got != 0 {
		t.Fatalf("expected zero past level beyond history, got %d", got)
	}

	client.Stop()
	if client.Token() != "" {
		t.Fatalf("expected token cleared after Stop")
	}
	if err := client.UpdateDeviceData(ctx); !IsAuthError(err) {
		t.Fatalf("expected auth error after Stop, got %v", err)
	}
}

func TestUpdateBeforeStart(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	client := New(testEmail, testPassword, WithBaseURL(server.URL))
	ctx := context.Background()

	err := client.UpdateDeviceData(ctx)
	if !IsAuthError(err) || !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected auth error before start, got %v", err)
	}
	if err := client.UpdateUserData(ctx); !IsAuthError(err) {
		t.Fatalf("expected auth error before start, got %v", err)
	}
	if requests != 0 {
		t.Fatalf("expected no requests before start, got %d", requests)
	}
}

func TestLoginRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid credentials"}`)
	}))
	defer server.Close()

	client := New(testEmail, "wrong", WithBaseURL(server.URL))
	err := client.Start(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if IsFetchError(err) {
		t.Fatalf("credential rejection must not be a fetch error: %v", err)
	}
	var statusErr HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Fatalf("expected status 400 in %v", err)
	}
	if client.Token() != "" {
		t.Fatalf("expected no session after a rejected login")
	}
}

func TestLoginServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(testEmail, testPassword, WithBaseURL(server.URL))
	err := client.Start(context.Background())
	if !IsFetchError(err) || IsAuthError(err) {
		t.Fatalf("expected fetch error for a server failure, got %v", err)
	}
}

func TestSeededSessionSkipsLogin(t *testing.T) {
	var logins int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			logins++
			writeJSON(w, loginBody)
		case "/users/me":
			if got := r.Header.Get("Session-Token"); got != "seeded-token" {
				t.Fatalf("unexpected session token: %q", got)
			}
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			writeJSON(w, deviceUsersBody)
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	seed := Session{Token: "seeded-token", Expiry: time.Now().Add(2 * time.Hour), UserID: testUserID}
	client := New(testEmail, testPassword, WithBaseURL(server.URL), WithSession(seed))
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if logins != 0 {
		t.Fatalf("expected no login with a seeded session, got %d", logins)
	}
	if client.Token() != "seeded-token" {
		t.Fatalf("unexpected token: %q", client.Token())
	}
}

func TestNearExpirySeedTriggersLogin(t *testing.T) {
	var logins int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			logins++
			writeJSON(w, loginBody)
		case "/users/me":
			assertSessionToken(t, r)
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			writeJSON(w, deviceUsersBody)
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	// 10s to expiry is inside the re-login margin, so the seed is unusable.
	seed := Session{Token: "stale-token", Expiry: time.Now().Add(10 * time.Second), UserID: testUserID}
	client := New(testEmail, testPassword, WithBaseURL(server.URL), WithSession(seed))
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if logins != 1 {
		t.Fatalf("expected a fresh login for a nearly expired seed, got %d", logins)
	}
	if client.Token() != testToken {
		t.Fatalf("unexpected token: %q", client.Token())
	}
}

func TestExpiredTokenRetriesOnce(t *testing.T) {
	var logins, devicePolls int
	var fail401 bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			logins++
			writeJSON(w, loginBody)
		case "/users/me":
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			if r.URL.Query().Get("filter") != "" {
				writeJSON(w, deviceUsersBody)
				return
			}
			devicePolls++
			if fail401 {
				fail401 = false
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"error":"token expired"}`)
				return
			}
			writeJSON(w, deviceBody(25, 0, false, time.Now().Unix()))
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(testEmail, testPassword, WithBaseURL(server.URL))
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fail401 = true
	if err := client.UpdateDeviceData(ctx); err != nil {
		t.Fatalf("UpdateDeviceData after expiry: %v", err)
	}
	if logins != 2 {
		t.Fatalf("expected exactly one re-login, got %d logins", logins)
	}
	if devicePolls != 2 {
		t.Fatalf("expected exactly one retry, got %d polls", devicePolls)
	}
	if client.DeviceData() == nil {
		t.Fatalf("expected a snapshot from the retried poll")
	}
}

func TestRepeatedUnauthorizedFails(t *testing.T) {
	var logins, devicePolls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			logins++
			writeJSON(w, loginBody)
		case "/users/me":
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			if r.URL.Query().Get("filter") != "" {
				writeJSON(w, deviceUsersBody)
				return
			}
			devicePolls++
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"token expired"}`)
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(testEmail, testPassword, WithBaseURL(server.URL))
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := client.UpdateDeviceData(ctx)
	if !IsFetchError(err) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	var statusErr HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 in %v", err)
	}
	if devicePolls != 2 {
		t.Fatalf("expected exactly two attempts, got %d", devicePolls)
	}
	if logins != 2 {
		t.Fatalf("expected the initial login plus one re-login, got %d", logins)
	}
	if client.DeviceData() != nil {
		t.Fatalf("expected no snapshot from failed polls")
	}
}

func TestMalformedDeviceKeepsSnapshot(t *testing.T) {
	var malformed bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			writeJSON(w, loginBody)
		case "/users/me":
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			if r.URL.Query().Get("filter") != "" {
				writeJSON(w, deviceUsersBody)
				return
			}
			if malformed {
				writeJSON(w, `{"result":{"leftHeatingLevel":`)
				return
			}
			writeJSON(w, deviceBody(10, 0, false, time.Now().Unix()))
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(testEmail, testPassword, WithBaseURL(server.URL))
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := client.UpdateDeviceData(ctx); err != nil {
		t.Fatalf("UpdateDeviceData: %v", err)
	}

	malformed = true
	err := client.UpdateDeviceData(ctx)
	if !IsFetchError(err) {
		t.Fatalf("expected fetch error for truncated body, got %v", err)
	}
	if IsAuthError(err) {
		t.Fatalf("malformed body must not be an auth error: %v", err)
	}
	device := client.DeviceData()
	if device == nil || device.LeftHeatingLevel == nil || *device.LeftHeatingLevel != 10 {
		t.Fatalf("expected the previous snapshot kept, got %+v", device)
	}
	if history := client.DeviceDataHistory(); len(history) != 1 {
		t.Fatalf("expected history untouched by the failed poll, got %d", len(history))
	}
}

func TestStartNoDevices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			writeJSON(w, loginBody)
		case "/users/me":
			writeJSON(w, `{"user":{"userId":"`+testUserID+`","devices":[]}}`)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(testEmail, testPassword, WithBaseURL(server.URL))
	err := client.Start(context.Background())
	if !IsFetchError(err) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if !strings.Contains(err.Error(), "no devices") {
		t.Fatalf("unexpected error text: %v", err)
	}
}
