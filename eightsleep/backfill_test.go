package eightsleep

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

const trendsFixture = `{"days":[
	{"day":"2022-03-20","score":88,"presenceDuration":30000,"sleepDuration":28000,"tnt":3,
	 "sleepFitnessScore":{"total":95,"sleepDurationSeconds":{"score":90},"latencyAsleepSeconds":{"score":88},
	  "latencyOutSeconds":{"score":99},"wakeupConsistency":{"score":80}}},
	{"day":"2022-03-21"},
	{"day":"not-a-date","score":1}
]}`

func TestBackfill(t *testing.T) {
	var trendWindows []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			writeJSON(w, loginBody)
		case "/users/me":
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			writeJSON(w, deviceUsersBody)
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		case "/users/" + testUserID + "/trends":
			trendWindows = append(trendWindows, r.URL.Query().Get("from")+".."+r.URL.Query().Get("to"))
			if r.URL.Query().Get("tz") != "UTC" {
				t.Errorf("unexpected tz: %q", r.URL.Query().Get("tz"))
			}
			writeJSON(w, trendsFixture)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer api.Close()

	var imports []string
	importServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "text/plain; version=0.0.4" {
			t.Errorf("unexpected content type: %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		imports = append(imports, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer importServer.Close()

	client := New(testEmail, testPassword, WithBaseURL(api.URL))
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := Backfill(ctx, client, BackfillOptions{
		From:      time.Date(2022, 3, 18, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2022, 3, 25, 0, 0, 0, 0, time.UTC),
		ImportURL: importServer.URL,
	})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	if len(trendWindows) != 1 || trendWindows[0] != "2022-03-18..2022-03-25" {
		t.Fatalf("unexpected trend fetches: %v", trendWindows)
	}
	if len(imports) != 1 {
		t.Fatalf("expected 1 import request, got %d", len(imports))
	}

	lines := strings.Split(strings.TrimSpace(imports[0]), "\n")
	// One scored day: score, presence, sleep, tnt and five fitness series.
	if len(lines) != 9 {
		t.Fatalf("expected 9 samples, got %d: %v", len(lines), lines)
	}

	wantTS := strconv.FormatInt(time.Date(2022, 3, 20, 12, 0, 0, 0, time.UTC).Unix()*1000, 10)
	assertSample(t, lines, "eightsleep_trend_sleep_score", "88", wantTS)
	assertSample(t, lines, "eightsleep_trend_presence_seconds", "30000", wantTS)
	assertSample(t, lines, "eightsleep_trend_sleep_fitness_score", "95", wantTS)
	assertSample(t, lines, "eightsleep_trend_wakeup_consistency_score", "80", wantTS)
}

// assertSample finds the exposition line for a metric and checks its labels,
// value and timestamp. Label order inside the braces is not significant.
func assertSample(t *testing.T, lines []string, name, value, ts string) {
	t.Helper()
	for _, line := range lines {
		if !strings.HasPrefix(line, name+"{") {
			continue
		}
		if !strings.Contains(line, `user_id="`+testUserID+`"`) || !strings.Contains(line, `side="left"`) {
			t.Fatalf("missing labels in %q", line)
		}
		if !strings.HasSuffix(line, " "+value+" "+ts) {
			t.Fatalf("unexpected value/timestamp in %q, want %s @ %s", line, value, ts)
		}
		return
	}
	t.Fatalf("no sample for %s in %v", name, lines)
}

func TestBackfillUserFilter(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			writeJSON(w, loginBody)
		case "/users/me":
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			writeJSON(w, deviceUsersBody)
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer api.Close()

	client := New(testEmail, testPassword, WithBaseURL(api.URL))
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := Backfill(ctx, client, BackfillOptions{
		From:  time.Now().AddDate(0, 0, -1),
		To:    time.Now(),
		Users: []string{"nobody"},
	})
	if err == nil || !strings.Contains(err.Error(), "no users matched") {
		t.Fatalf("expected user filter error, got %v", err)
	}
}

func TestBackfillImportFailure(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			writeJSON(w, loginBody)
		case "/users/me":
			writeJSON(w, deviceListBody)
		case "/devices/" + testDeviceID:
			writeJSON(w, deviceUsersBody)
		case "/users/" + testUserID:
			writeJSON(w, profileBody(testUserID, testEmail))
		case "/users/" + testUserID + "/trends":
			writeJSON(w, trendsFixture)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer api.Close()

	importServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "disk full")
	}))
	defer importServer.Close()

	client := New(testEmail, testPassword, WithBaseURL(api.URL))
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := Backfill(ctx, client, BackfillOptions{
		From:      time.Date(2022, 3, 20, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2022, 3, 20, 0, 0, 0, 0, time.UTC),
		ImportURL: importServer.URL,
	})
	if err == nil || !strings.Contains(err.Error(), "http 500") {
		t.Fatalf("expected import failure, got %v", err)
	}
}
