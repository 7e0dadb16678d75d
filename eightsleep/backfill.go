package eightsleep

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultImportURL is the local VictoriaMetrics Prometheus import endpoint.
const DefaultImportURL = "http://127.0.0.1:8428/vm/api/v1/import/prometheus"

// trendChunkDays bounds one trends request. The endpoint accepts arbitrary
// windows but very long ones time out on the vendor side.
const trendChunkDays = 31

type BackfillOptions struct {
	From time.Time
	To   time.Time
	// Users restricts the backfill to these user ids; empty means every
	// tracked user.
	Users []string

	ImportURL string
	BatchSize int
	Throttle  time.Duration
}

type sample struct {
	Name      string
	Labels    map[string]string
	Value     float64
	Timestamp time.Time
}

// Backfill fetches historical trend days for the tracked users and imports
// them into VictoriaMetrics as Prometheus exposition lines. Days the vendor
// has no data for are skipped, not errors.
func Backfill(ctx context.Context, client *Client, opts BackfillOptions) error {
	if client == nil {
		return fmt.Errorf("eightsleep client is required")
	}
	if opts.ImportURL == "" {
		opts.ImportURL = DefaultImportURL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}

	users := filterUsers(client.Users(), opts.Users)
	if len(users) == 0 {
		return fmt.Errorf("no users matched filter")
	}

	from := time.Date(opts.From.Year(), opts.From.Month(), opts.From.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(opts.To.Year(), opts.To.Month(), opts.To.Day(), 0, 0, 0, 0, time.UTC)

	var buf []sample
	for _, user := range users {
		for start := from; !start.After(to); start = start.AddDate(0, 0, trendChunkDays) {
			end := start.AddDate(0, 0, trendChunkDays-1)
			if end.After(to) {
				end = to
			}
			days, err := user.fetchTrends(ctx, start, end)
			if err != nil {
				return err
			}
			buf = append(buf, trendSamples(days, user)...)
			if len(buf) >= opts.BatchSize {
				if err := importSamples(ctx, opts.ImportURL, buf); err != nil {
					return err
				}
				buf = buf[:0]
			}
			if opts.Throttle > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(opts.Throttle):
				}
			}
		}
	}

	if len(buf) > 0 {
		if err := importSamples(ctx, opts.ImportURL, buf); err != nil {
			return err
		}
	}
	return nil
}

func filterUsers(users []*User, ids []string) []*User {
	if len(ids) == 0 {
		return users
	}
	lookup := map[string]struct{}{}
	for _, id := range ids {
		lookup[strings.TrimSpace(id)] = struct{}{}
	}
	filtered := make([]*User, 0, len(users))
	for _, user := range users {
		if _, ok := lookup[user.ID]; ok {
			filtered = append(filtered, user)
		}
	}
	return filtered
}

func trendSamples(days []TrendDay, user *User) []sample {
	labels := map[string]string{
		"user_id": user.ID,
		"side":    string(user.Side),
	}

	var samples []sample
	add := func(name string, value *int, ts time.Time) {
		if value == nil {
			return
		}
		samples = append(samples, sample{
			Name:      name,
			Labels:    labels,
			Value:     float64(*value),
			Timestamp: ts,
		})
	}

	for _, day := range days {
		parsed, err := time.Parse("2006-01-02", day.Day)
		if err != nil {
			continue
		}
		// Stamp daily aggregates at noon so they land inside the day they
		// describe regardless of the display timezone.
		ts := parsed.Add(12 * time.Hour)

		add("eightsleep_trend_sleep_score", day.Score, ts)
		add("eightsleep_trend_presence_seconds", day.PresenceDuration, ts)
		add("eightsleep_trend_sleep_seconds", day.SleepDuration, ts)
		add("eightsleep_trend_tnt_count", day.TnT, ts)
		if fitness := day.SleepFitnessScore; fitness != nil {
			add("eightsleep_trend_sleep_fitness_score", fitness.Total, ts)
			add("eightsleep_trend_sleep_duration_score", fitness.SleepDurationSeconds.Score, ts)
			add("eightsleep_trend_latency_asleep_score", fitness.LatencyAsleepSeconds.Score, ts)
			add("eightsleep_trend_latency_out_score", fitness.LatencyOutSeconds.Score, ts)
			add("eightsleep_trend_wakeup_consistency_score", fitness.WakeupConsistency.Score, ts)
		}
	}
	return samples
}

func importSamples(ctx context.Context, importURL string, samples []sample) error {
	if len(samples) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, s := range samples {
		buf.WriteString(s.Name)
		if len(s.Labels) > 0 {
			buf.WriteString("{")
			first := true
			for k, v := range s.Labels {
				if !first {
					buf.WriteString(",")
				}
				first = false
				buf.WriteString(k)
				buf.WriteString("=\"")
				buf.WriteString(escapeLabelValue(v))
				buf.WriteString("\"")
			}
			buf.WriteString("}")
		}
		buf.WriteString(" ")
		buf.WriteString(strconv.FormatFloat(s.Value, 'f', -1, 64))
		buf.WriteString(" ")
		buf.WriteString(strconv.FormatInt(s.Timestamp.Unix()*1000, 10))
		buf.WriteString("\n")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, importURL, strings.NewReader(buf.String()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; version=0.0.4")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backfill import http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func escapeLabelValue(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\n", "\\n")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return value
}
