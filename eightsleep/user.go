package eightsleep

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"time"
)

// User tracks one person on one side of the bed. Users are created during
// Start from the primary device's side assignments and live for the life of
// the Client.
type User struct {
	client *Client
	ID     string
	Side   Side

	// guarded by client.mu
	profile   *UserProfile
	intervals []Interval
	trends    []TrendDay
	presence  bool
}

func newUser(c *Client, id string, side Side) *User {
	return &User{client: c, ID: id, Side: side}
}

// device returns the current primary device snapshot, nil before the first
// poll.
func (u *User) device() *Device {
	c := u.client
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[c.primaryID].current()
}

// BedPresence reports whether this user is believed to be in bed.
func (u *User) BedPresence() bool {
	u.client.mu.Lock()
	defer u.client.mu.Unlock()
	return u.presence
}

// HeatingLevel is the observed level of this user's side, nil before the
// first device poll.
func (u *User) HeatingLevel() *int {
	return u.device().heatingLevel(u.Side)
}

// TargetHeatingLevel is the level the side is set to reach.
func (u *User) TargetHeatingLevel() *int {
	return u.device().targetHeatingLevel(u.Side)
}

// NowHeating reports whether the side is actively heating.
func (u *User) NowHeating() bool {
	return boolValue(u.device().nowHeating(u.Side))
}

// NowCooling reports whether the side is actively cooling. Only pods cool;
// the API expresses it as heating toward a negative target.
func (u *User) NowCooling() bool {
	d := u.device()
	target := d.targetHeatingLevel(u.Side)
	return d.IsPod() && boolValue(d.nowHeating(u.Side)) && target != nil && *target < 0
}

// HeatingRemaining is the seconds of heating time left on the side's timer.
func (u *User) HeatingRemaining() *int {
	return u.device().heatingDuration(u.Side)
}

// LastSeen returns when the mattress last sensed this user, or nil.
func (u *User) LastSeen() *time.Time {
	end := u.device().presenceEnd(u.Side)
	if end == nil || *end == 0 {
		return nil
	}
	seen := end.Time()
	return &seen
}

// PastHeatingLevel returns the side's heating level n device polls ago, or 0
// when that far back is unknown.
func (u *User) PastHeatingLevel(n int) int {
	c := u.client
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[c.primaryID].pastHeatingLevel(u.Side, n)
}

func (u *User) interval(n int) *Interval {
	c := u.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(u.intervals) {
		return nil
	}
	return &u.intervals[n]
}

// CurrentSessionDate is the start of the in-progress sleep session.
func (u *User) CurrentSessionDate() *time.Time {
	return u.sessionDate(0)
}

// LastSessionDate is the start of the last completed session.
func (u *User) LastSessionDate() *time.Time {
	return u.sessionDate(1)
}

func (u *User) sessionDate(n int) *time.Time {
	iv := u.interval(n)
	if iv == nil {
		return nil
	}
	return parseTimestamp(iv.TS)
}

// CurrentSessionProcessing reports whether the current session is still
// open and its aggregates provisional.
func (u *User) CurrentSessionProcessing() bool {
	iv := u.interval(0)
	return iv != nil && iv.Incomplete
}

func (u *User) LastSessionProcessing() bool {
	iv := u.interval(1)
	return iv != nil && iv.Incomplete
}

// CurrentSleepStage returns the stage of the in-progress session, or "".
// An open session always carries a provisional awake entry at the end, so
// the stage before it is the live one. A non-awake stage is not trusted
// once the mattress has not seen the user for 30 minutes.
func (u *User) CurrentSleepStage() string {
	iv := u.interval(0)
	if iv == nil || len(iv.Stages) == 0 {
		return ""
	}
	idx := len(iv.Stages) - 1
	if iv.Incomplete && len(iv.Stages) > 1 {
		idx = len(iv.Stages) - 2
	}
	stage := iv.Stages[idx].Stage

	if stage != "awake" {
		if seen := u.LastSeen(); seen != nil && time.Since(*seen) > 30*time.Minute {
			stage = "awake"
		}
	}
	return stage
}

// CurrentSleepScore is the score of the in-progress session, nil while the
// API is still computing it.
func (u *User) CurrentSleepScore() *int {
	iv := u.interval(0)
	if iv == nil {
		return nil
	}
	return iv.Score
}

func (u *User) LastSleepScore() *int {
	iv := u.interval(1)
	if iv == nil {
		return nil
	}
	return iv.Score
}

// CurrentSleepBreakdown sums the seconds spent per stage over the current
// session.
func (u *User) CurrentSleepBreakdown() *SleepBreakdown {
	iv := u.interval(0)
	if iv == nil {
		return nil
	}
	return sumStages(iv.Stages)
}

func (u *User) LastSleepBreakdown() *SleepBreakdown {
	iv := u.interval(1)
	if iv == nil {
		return nil
	}
	return sumStages(iv.Stages)
}

func sumStages(stages []IntervalStage) *SleepBreakdown {
	breakdown := &SleepBreakdown{}
	for _, stage := range stages {
		switch stage.Stage {
		case "awake":
			breakdown.Awake += stage.Duration
		case "light":
			breakdown.Light += stage.Duration
		case "deep":
			breakdown.Deep += stage.Duration
		case "rem":
			breakdown.Rem += stage.Duration
		}
	}
	return breakdown
}

// CurrentBedTemp is the latest bed temperature reading in degrees C.
func (u *User) CurrentBedTemp() *float64 {
	iv := u.interval(0)
	if iv == nil {
		return nil
	}
	return latestValue(iv.Timeseries.TempBedC)
}

// CurrentRoomTemp is the latest room temperature reading in degrees C.
func (u *User) CurrentRoomTemp() *float64 {
	iv := u.interval(0)
	if iv == nil {
		return nil
	}
	return latestValue(iv.Timeseries.TempRoomC)
}

// CurrentRespRate is the latest respiratory rate in breaths per minute.
func (u *User) CurrentRespRate() *float64 {
	iv := u.interval(0)
	if iv == nil {
		return nil
	}
	return latestValue(iv.Timeseries.RespRate)
}

// CurrentHeartRate is the latest heart rate in beats per minute.
func (u *User) CurrentHeartRate() *float64 {
	iv := u.interval(0)
	if iv == nil {
		return nil
	}
	return latestValue(iv.Timeseries.HeartRate)
}

// CurrentTnT counts tosses and turns in the current session.
func (u *User) CurrentTnT() *int {
	iv := u.interval(0)
	if iv == nil {
		return nil
	}
	count := len(iv.Timeseries.TnT)
	return &count
}

// LastBedTemp is the average bed temperature over the last completed
// session.
func (u *User) LastBedTemp() *float64 {
	iv := u.interval(1)
	if iv == nil {
		return nil
	}
	return averageValue(iv.Timeseries.TempBedC)
}

func (u *User) LastRoomTemp() *float64 {
	iv := u.interval(1)
	if iv == nil {
		return nil
	}
	return averageValue(iv.Timeseries.TempRoomC)
}

func (u *User) LastRespRate() *float64 {
	iv := u.interval(1)
	if iv == nil {
		return nil
	}
	return averageValue(iv.Timeseries.RespRate)
}

func (u *User) LastHeartRate() *float64 {
	iv := u.interval(1)
	if iv == nil {
		return nil
	}
	return averageValue(iv.Timeseries.HeartRate)
}

func (u *User) LastTnT() *int {
	iv := u.interval(1)
	if iv == nil {
		return nil
	}
	count := len(iv.Timeseries.TnT)
	return &count
}

func latestValue(samples []TimeSample) *float64 {
	if len(samples) == 0 {
		return nil
	}
	value := samples[len(samples)-1].Value
	return &value
}

func averageValue(samples []TimeSample) *float64 {
	if len(samples) == 0 {
		return nil
	}
	var sum float64
	for _, sample := range samples {
		sum += sample.Value
	}
	avg := sum / float64(len(samples))
	return &avg
}

func (u *User) lastTrendDay() *TrendDay {
	c := u.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(u.trends) == 0 {
		return nil
	}
	return &u.trends[len(u.trends)-1]
}

func (u *User) latestFitness() *SleepFitness {
	day := u.lastTrendDay()
	if day == nil {
		return nil
	}
	return day.SleepFitnessScore
}

// CurrentFitnessSessionDate is the day the displayed fitness score belongs
// to, in 2006-01-02 form, or "".
func (u *User) CurrentFitnessSessionDate() string {
	day := u.lastTrendDay()
	if day == nil {
		return ""
	}
	return day.Day
}

// CurrentSleepFitnessScore is the composite fitness score for the latest
// trend day.
func (u *User) CurrentSleepFitnessScore() *int {
	fitness := u.latestFitness()
	if fitness == nil {
		return nil
	}
	return fitness.Total
}

func (u *User) CurrentSleepDurationScore() *int {
	fitness := u.latestFitness()
	if fitness == nil {
		return nil
	}
	return fitness.SleepDurationSeconds.Score
}

func (u *User) CurrentLatencyAsleepScore() *int {
	fitness := u.latestFitness()
	if fitness == nil {
		return nil
	}
	return fitness.LatencyAsleepSeconds.Score
}

func (u *User) CurrentLatencyOutScore() *int {
	fitness := u.latestFitness()
	if fitness == nil {
		return nil
	}
	return fitness.LatencyOutSeconds.Score
}

func (u *User) CurrentWakeupConsistencyScore() *int {
	fitness := u.latestFitness()
	if fitness == nil {
		return nil
	}
	return fitness.WakeupConsistency.Score
}

// TrendSleepScore returns the sleep score recorded for a day in 2006-01-02
// form, or nil when that day is outside the fetched window.
func (u *User) TrendSleepScore(date string) *int {
	c := u.client
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range u.trends {
		if u.trends[i].Day == date {
			return u.trends[i].Score
		}
	}
	return nil
}

// SleepFitnessScore returns the composite fitness score for a day in
// 2006-01-02 form.
func (u *User) SleepFitnessScore(date string) *int {
	c := u.client
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range u.trends {
		if u.trends[i].Day == date && u.trends[i].SleepFitnessScore != nil {
			return u.trends[i].SleepFitnessScore.Total
		}
	}
	return nil
}

// Profile returns the vendor account record for this user, or nil before
// Start fetched it.
func (u *User) Profile() *UserProfile {
	u.client.mu.Lock()
	defer u.client.mu.Unlock()
	return u.profile
}

// HeatingStats summarises the side's heating level over the last 5 and 10
// device polls.
type HeatingStats struct {
	Mean5      float64
	Mean10     float64
	Stdev5     float64
	Stdev10    float64
	Variance5  float64
	Variance10 float64
}

// HeatingStats computes level statistics over the snapshot history. Nil
// until ten polls with a non-zero level have accumulated.
func (u *User) HeatingStats() *HeatingStats {
	c := u.client
	c.mu.Lock()
	state := c.devices[c.primaryID]
	levels := make([]float64, 0, deviceHistoryDepth)
	for i := 0; i < deviceHistoryDepth; i++ {
		level := state.pastHeatingLevel(u.Side, i)
		if level == 0 {
			c.mu.Unlock()
			return nil
		}
		levels = append(levels, float64(level))
	}
	c.mu.Unlock()

	stats := &HeatingStats{
		Mean5:      mean(levels[:5]),
		Mean10:     mean(levels),
		Variance5:  variance(levels[:5]),
		Variance10: variance(levels),
	}
	stats.Stdev5 = math.Sqrt(stats.Variance5)
	stats.Stdev10 = math.Sqrt(stats.Variance10)
	return stats
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance is the sample variance, with an n-1 denominator.
func variance(values []float64) float64 {
	m := mean(values)
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values)-1)
}

// refreshPresence re-evaluates bed presence after a device poll. The bed has
// no occupancy sensor; a body pushes the observed heating level above the
// target, so level movement stands in for one.
func (u *User) refreshPresence() {
	c := u.client
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.devices[c.primaryID]
	d := state.current()
	levelPtr := d.heatingLevel(u.Side)
	if levelPtr == nil {
		return
	}
	level := *levelPtr
	target := d.targetHeatingLevel(u.Side)
	heating := boolValue(d.nowHeating(u.Side))

	// True when the side is idle, or running yet still 8 or more levels
	// above its target.
	warmerThanTarget := !heating || (target != nil && level-*target >= 8)

	past := func(n int) int { return state.pastHeatingLevel(u.Side, n) }
	rising := past(0)-past(1) >= 2 && past(1)-past(2) >= 2 && past(2)-past(3) >= 2
	falling := past(0)-past(1) < 0 && past(1)-past(2) < 0 && past(2)-past(3) < 0

	if !u.presence {
		switch {
		case level > 50:
			if warmerThanTarget {
				u.presence = true
			}
		case level > 25:
			if rising && warmerThanTarget {
				u.presence = true
			}
		}
		return
	}

	switch {
	case level <= 15:
		// Failsafe, very slow.
		u.presence = false
	case level < 50:
		if falling {
			u.presence = false
		}
	}
}

// update refreshes this user's sleep sessions and the trend window around
// today.
func (u *User) update(ctx context.Context) error {
	if err := u.updateIntervals(ctx); err != nil {
		return err
	}
	now := time.Now()
	return u.updateTrends(ctx, now.AddDate(0, 0, -2), now.AddDate(0, 0, 2))
}

func (u *User) updateIntervals(ctx context.Context) error {
	var resp struct {
		Intervals []Interval `json:"intervals"`
	}
	path := fmt.Sprintf("/users/%s/intervals", u.ID)
	if err := u.client.getJSON(ctx, path, &resp); err != nil {
		return fetchErr("user intervals", err)
	}
	u.client.mu.Lock()
	u.intervals = resp.Intervals
	u.client.mu.Unlock()
	return nil
}

func (u *User) updateTrends(ctx context.Context, from, to time.Time) error {
	days, err := u.fetchTrends(ctx, from, to)
	if err != nil {
		return err
	}
	u.client.mu.Lock()
	u.trends = days
	u.client.mu.Unlock()
	return nil
}

// fetchTrends fetches daily aggregates for a date window without touching
// the stored snapshot.
func (u *User) fetchTrends(ctx context.Context, from, to time.Time) ([]TrendDay, error) {
	params := url.Values{}
	params.Set("tz", u.client.timezone)
	params.Set("from", from.Format("2006-01-02"))
	params.Set("to", to.Format("2006-01-02"))

	var resp struct {
		Days []TrendDay `json:"days"`
	}
	path := fmt.Sprintf("/users/%s/trends?%s", u.ID, params.Encode())
	if err := u.client.getJSON(ctx, path, &resp); err != nil {
		return nil, fetchErr("user trends", err)
	}
	return resp.Days, nil
}

func (u *User) updateProfile(ctx context.Context) error {
	var resp struct {
		User *UserProfile `json:"user"`
	}
	if err := u.client.getJSON(ctx, "/users/"+u.ID, &resp); err != nil {
		return fetchErr("user profile", err)
	}
	if resp.User == nil {
		return fetchErr("user profile", fmt.Errorf("user %s response missing profile", u.ID))
	}
	u.client.mu.Lock()
	u.profile = resp.User
	u.client.mu.Unlock()
	return nil
}

// SetHeatingLevel sets the target level for this user's side, clamped to
// 10..100, heating for duration seconds. The response carries a fresh device
// snapshot which replaces the current one immediately.
func (u *User) SetHeatingLevel(ctx context.Context, level, duration int) error {
	if level < 10 {
		level = 10
	}
	if level > 100 {
		level = 100
	}

	c := u.client
	if err := c.requireStarted("set heating level"); err != nil {
		return err
	}
	c.mu.Lock()
	deviceID := c.primaryID
	c.mu.Unlock()

	payload := map[string]int{
		string(u.Side) + "TargetHeatingLevel": level,
		string(u.Side) + "HeatingDuration":    duration,
	}
	var resp struct {
		Device *Device `json:"device"`
	}
	if err := c.putJSON(ctx, "/devices/"+deviceID, payload, &resp); err != nil {
		return fetchErr("set heating level", err)
	}
	if resp.Device != nil {
		if resp.Device.DeviceID == "" {
			resp.Device.DeviceID = deviceID
		}
		c.handleDeviceSnapshot(deviceID, resp.Device)
	}
	return nil
}

// UpdateUserData refreshes sessions and trends for every tracked user. On
// failure the previously fetched data is kept.
func (c *Client) UpdateUserData(ctx context.Context) error {
	if err := c.requireStarted("update user data"); err != nil {
		return err
	}
	for _, user := range c.Users() {
		if err := user.update(ctx); err != nil {
			return err
		}
	}
	return nil
}
