package eightsleep

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session is the authenticated context shared by all API calls. At most one
// valid Session exists per Client; it is replaced wholesale on every login.
type Session struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
	UserID string    `json:"user_id"`
}

// Valid reports whether the session token can still be used at the given
// time, leaving a margin so a token is never presented right at its expiry.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.Expiry.Add(-sessionExpiryMargin))
}

// Side identifies one half of the mattress.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Device is one wholesale-replaced telemetry snapshot. Absent fields stay
// nil; the vendor omits per-side keys for sides that have no user paired.
type Device struct {
	DeviceID                string          `json:"deviceId"`
	OwnerID                 string          `json:"ownerId"`
	LeftUserID              string          `json:"leftUserId"`
	RightUserID             string          `json:"rightUserId"`
	LeftHeatingLevel        *int            `json:"leftHeatingLevel"`
	LeftTargetHeatingLevel  *int            `json:"leftTargetHeatingLevel"`
	LeftNowHeating          *bool           `json:"leftNowHeating"`
	LeftHeatingDuration     *int            `json:"leftHeatingDuration"`
	LeftPresenceEnd         *UnixTime       `json:"leftPresenceEnd"`
	RightHeatingLevel       *int            `json:"rightHeatingLevel"`
	RightTargetHeatingLevel *int            `json:"rightTargetHeatingLevel"`
	RightNowHeating         *bool           `json:"rightNowHeating"`
	RightHeatingDuration    *int            `json:"rightHeatingDuration"`
	RightPresenceEnd        *UnixTime       `json:"rightPresenceEnd"`
	Priming                 *bool           `json:"priming"`
	NeedsPriming            *bool           `json:"needsPriming"`
	HasWater                *bool           `json:"hasWater"`
	Online                  *bool           `json:"online"`
	LastHeard               string          `json:"lastHeard"`
	Timezone                string          `json:"timezone"`
	Features                []string        `json:"features"`
	SensorInfo              json.RawMessage `json:"sensorInfo"`
}

// IsPod reports whether the unit supports active cooling.
func (d *Device) IsPod() bool {
	if d == nil {
		return false
	}
	for _, feature := range d.Features {
		if feature == "cooling" {
			return true
		}
	}
	return false
}

func (d *Device) heatingLevel(side Side) *int {
	if d == nil {
		return nil
	}
	if side == SideLeft {
		return d.LeftHeatingLevel
	}
	return d.RightHeatingLevel
}

func (d *Device) targetHeatingLevel(side Side) *int {
	if d == nil {
		return nil
	}
	if side == SideLeft {
		return d.LeftTargetHeatingLevel
	}
	return d.RightTargetHeatingLevel
}

func (d *Device) nowHeating(side Side) *bool {
	if d == nil {
		return nil
	}
	if side == SideLeft {
		return d.LeftNowHeating
	}
	return d.RightNowHeating
}

func (d *Device) heatingDuration(side Side) *int {
	if d == nil {
		return nil
	}
	if side == SideLeft {
		return d.LeftHeatingDuration
	}
	return d.RightHeatingDuration
}

func (d *Device) presenceEnd(side Side) *UnixTime {
	if d == nil {
		return nil
	}
	if side == SideLeft {
		return d.LeftPresenceEnd
	}
	return d.RightPresenceEnd
}

// UnixTime is an epoch-seconds timestamp. The API emits these either as a
// bare number or as a quoted string, so it decodes both.
type UnixTime int64

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*t = 0
		return nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("epoch timestamp %q: %w", raw, err)
	}
	*t = UnixTime(value)
	return nil
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(t))
}

// Time converts the timestamp to a time.Time in the local zone.
func (t UnixTime) Time() time.Time {
	return time.Unix(int64(t), 0)
}

// UserProfile is the account record the vendor keeps per user.
type UserProfile struct {
	UserID    string   `json:"userId"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Gender    string   `json:"gender"`
	DOB       string   `json:"dob"`
	Devices   []string `json:"devices"`
}

// Interval is one sleep session as reported by the intervals endpoint.
// Index 0 is the in-progress (or most recent) session, index 1 the last
// completed one.
type Interval struct {
	ID         string             `json:"id"`
	TS         string             `json:"ts"`
	Stages     []IntervalStage    `json:"stages"`
	Score      *int               `json:"score"`
	Incomplete bool               `json:"incomplete"`
	Timeseries IntervalTimeseries `json:"timeseries"`
}

type IntervalStage struct {
	Stage    string `json:"stage"`
	Duration int    `json:"duration"`
}

type IntervalTimeseries struct {
	TnT       []TimeSample `json:"tnt"`
	TempBedC  []TimeSample `json:"tempBedC"`
	TempRoomC []TimeSample `json:"tempRoomC"`
	RespRate  []TimeSample `json:"respiratoryRate"`
	HeartRate []TimeSample `json:"heartRate"`
}

// TimeSample is one [timestamp, value] pair from an interval timeseries.
type TimeSample struct {
	Time  time.Time
	Value float64
}

func (s *TimeSample) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("timeseries sample has %d elements, want 2", len(pair))
	}
	var raw string
	if err := json.Unmarshal(pair[0], &raw); err != nil {
		return err
	}
	if ts := parseTimestamp(raw); ts != nil {
		s.Time = *ts
	}
	return json.Unmarshal(pair[1], &s.Value)
}

func (s TimeSample) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{s.Time.UTC().Format("2006-01-02T15:04:05.000Z"), s.Value})
}

// SleepBreakdown sums the seconds spent in each stage over one session.
type SleepBreakdown struct {
	Awake int `json:"awake"`
	Light int `json:"light"`
	Deep  int `json:"deep"`
	Rem   int `json:"rem"`
}

// TrendDay is one day of aggregates from the trends endpoint.
type TrendDay struct {
	Day               string        `json:"day"`
	Score             *int          `json:"score"`
	PresenceDuration  *int          `json:"presenceDuration"`
	SleepDuration     *int          `json:"sleepDuration"`
	LightDuration     *int          `json:"lightDuration"`
	DeepDuration      *int          `json:"deepDuration"`
	RemDuration       *int          `json:"remDuration"`
	TnT               *int          `json:"tnt"`
	SleepFitnessScore *SleepFitness `json:"sleepFitnessScore"`
}

// SleepFitness carries the composite fitness score and its components.
type SleepFitness struct {
	Total                *int         `json:"total"`
	SleepDurationSeconds FitnessScore `json:"sleepDurationSeconds"`
	LatencyAsleepSeconds FitnessScore `json:"latencyAsleepSeconds"`
	LatencyOutSeconds    FitnessScore `json:"latencyOutSeconds"`
	WakeupConsistency    FitnessScore `json:"wakeupConsistency"`
}

type FitnessScore struct {
	Score *int `json:"score"`
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return &ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts
	}
	return nil
}

func boolValue(v *bool) bool {
	return v != nil && *v
}

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
