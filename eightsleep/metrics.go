package eightsleep

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes the most recent device and user snapshots as
// Prometheus gauges. It never talks to the API; the Service keeps the
// snapshots fresh on its own cadence, so a scrape is always cheap.
type MetricsCollector struct {
	client *Client

	heatingLevel     *prometheus.GaugeVec
	targetLevel      *prometheus.GaugeVec
	nowHeating       *prometheus.GaugeVec
	nowCooling       *prometheus.GaugeVec
	heatingRemaining *prometheus.GaugeVec
	bedPresence      *prometheus.GaugeVec
	lastSeen         *prometheus.GaugeVec
	bedTemp          *prometheus.GaugeVec
	roomTemp         *prometheus.GaugeVec
	respRate         *prometheus.GaugeVec
	heartRate        *prometheus.GaugeVec
	sleepScore       *prometheus.GaugeVec
	fitnessScore     *prometheus.GaugeVec

	deviceOnline       *prometheus.GaugeVec
	deviceWater        *prometheus.GaugeVec
	devicePriming      *prometheus.GaugeVec
	deviceNeedsPriming *prometheus.GaugeVec

	roomAverage prometheus.Gauge

	lastDevicePoll prometheus.Gauge
	lastUserPoll   prometheus.Gauge
	pollSuccess    prometheus.Gauge
}

func NewMetricsCollector(client *Client) *MetricsCollector {
	userLabels := []string{"side", "user_id"}
	deviceLabels := []string{"device_id"}
	return &MetricsCollector{
		client: client,
		heatingLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_heating_level",
			Help: "Observed heating level per side (-100..100)",
		}, userLabels),
		targetLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_target_heating_level",
			Help: "Target heating level per side (-100..100)",
		}, userLabels),
		nowHeating: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_now_heating_bool",
			Help: "Side actively heating (1=on, 0=off)",
		}, userLabels),
		nowCooling: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_now_cooling_bool",
			Help: "Side actively cooling (1=on, 0=off)",
		}, userLabels),
		heatingRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_heating_remaining_seconds",
			Help: "Seconds left on the side's heating timer",
		}, userLabels),
		bedPresence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_bed_presence_bool",
			Help: "Derived bed presence per side (1=in bed, 0=out)",
		}, userLabels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_last_seen_timestamp_seconds",
			Help: "When the mattress last sensed the user (epoch seconds)",
		}, userLabels),
		bedTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_current_bed_temperature_celsius",
			Help: "Latest bed temperature reading per side",
		}, userLabels),
		roomTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_current_room_temperature_celsius",
			Help: "Latest room temperature reading per side",
		}, userLabels),
		respRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_current_respiratory_rate",
			Help: "Latest respiratory rate per side (breaths per minute)",
		}, userLabels),
		heartRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_current_heart_rate",
			Help: "Latest heart rate per side (beats per minute)",
		}, userLabels),
		sleepScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_current_sleep_score",
			Help: "Sleep score of the current session per side",
		}, userLabels),
		fitnessScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_sleep_fitness_score",
			Help: "Composite sleep fitness score of the latest trend day",
		}, userLabels),
		deviceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_device_online_bool",
			Help: "Device reachable from the vendor cloud (1=online)",
		}, deviceLabels),
		deviceWater: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_device_water_bool",
			Help: "Device water reservoir filled (1=ok)",
		}, deviceLabels),
		devicePriming: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_device_priming_bool",
			Help: "Device priming in progress (1=priming)",
		}, deviceLabels),
		deviceNeedsPriming: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eightsleep_device_needs_priming_bool",
			Help: "Device requires priming (1=needed)",
		}, deviceLabels),
		roomAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eightsleep_room_temperature_celsius",
			Help: "Room temperature averaged across tracked users",
		}),
		lastDevicePoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eightsleep_last_device_poll_timestamp_seconds",
			Help: "Last successful device poll (epoch seconds)",
		}),
		lastUserPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eightsleep_last_user_poll_timestamp_seconds",
			Help: "Last successful user data poll (epoch seconds)",
		}),
		pollSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eightsleep_poll_success",
			Help: "Last poll success (1=ok, 0=error)",
		}),
	}
}

// MarkDevicePoll records a device poll outcome for the health gauges.
func (c *MetricsCollector) MarkDevicePoll(err error) {
	if err != nil {
		c.pollSuccess.Set(0)
		return
	}
	c.pollSuccess.Set(1)
	c.lastDevicePoll.Set(float64(time.Now().Unix()))
}

// MarkUserPoll records a user data poll outcome for the health gauges.
func (c *MetricsCollector) MarkUserPoll(err error) {
	if err != nil {
		c.pollSuccess.Set(0)
		return
	}
	c.pollSuccess.Set(1)
	c.lastUserPoll.Set(float64(time.Now().Unix()))
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.heatingLevel.Describe(ch)
	c.targetLevel.Describe(ch)
	c.nowHeating.Describe(ch)
	c.nowCooling.Describe(ch)
	c.heatingRemaining.Describe(ch)
	c.bedPresence.Describe(ch)
	c.lastSeen.Describe(ch)
	c.bedTemp.Describe(ch)
	c.roomTemp.Describe(ch)
	c.respRate.Describe(ch)
	c.heartRate.Describe(ch)
	c.sleepScore.Describe(ch)
	c.fitnessScore.Describe(ch)
	c.deviceOnline.Describe(ch)
	c.deviceWater.Describe(ch)
	c.devicePriming.Describe(ch)
	c.deviceNeedsPriming.Describe(ch)
	c.roomAverage.Describe(ch)
	c.lastDevicePoll.Describe(ch)
	c.lastUserPoll.Describe(ch)
	c.pollSuccess.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.heatingLevel.Reset()
	c.targetLevel.Reset()
	c.nowHeating.Reset()
	c.nowCooling.Reset()
	c.heatingRemaining.Reset()
	c.bedPresence.Reset()
	c.lastSeen.Reset()
	c.bedTemp.Reset()
	c.roomTemp.Reset()
	c.respRate.Reset()
	c.heartRate.Reset()
	c.sleepScore.Reset()
	c.fitnessScore.Reset()
	c.deviceOnline.Reset()
	c.deviceWater.Reset()
	c.devicePriming.Reset()
	c.deviceNeedsPriming.Reset()

	for _, user := range c.client.Users() {
		labels := prometheus.Labels{
			"side":    string(user.Side),
			"user_id": user.ID,
		}
		if level := user.HeatingLevel(); level != nil {
			c.heatingLevel.With(labels).Set(float64(*level))
		}
		if target := user.TargetHeatingLevel(); target != nil {
			c.targetLevel.With(labels).Set(float64(*target))
		}
		c.nowHeating.With(labels).Set(boolToFloat(user.NowHeating()))
		c.nowCooling.With(labels).Set(boolToFloat(user.NowCooling()))
		if remaining := user.HeatingRemaining(); remaining != nil {
			c.heatingRemaining.With(labels).Set(float64(*remaining))
		}
		c.bedPresence.With(labels).Set(boolToFloat(user.BedPresence()))
		if seen := user.LastSeen(); seen != nil {
			c.lastSeen.With(labels).Set(float64(seen.Unix()))
		}
		if temp := user.CurrentBedTemp(); temp != nil {
			c.bedTemp.With(labels).Set(*temp)
		}
		if temp := user.CurrentRoomTemp(); temp != nil {
			c.roomTemp.With(labels).Set(*temp)
		}
		if rate := user.CurrentRespRate(); rate != nil {
			c.respRate.With(labels).Set(*rate)
		}
		if rate := user.CurrentHeartRate(); rate != nil {
			c.heartRate.With(labels).Set(*rate)
		}
		if score := user.CurrentSleepScore(); score != nil {
			c.sleepScore.With(labels).Set(float64(*score))
		}
		if score := user.CurrentSleepFitnessScore(); score != nil {
			c.fitnessScore.With(labels).Set(float64(*score))
		}
	}

	for _, id := range c.client.DeviceIDs() {
		device := c.client.Device(id)
		if device == nil {
			continue
		}
		labels := prometheus.Labels{"device_id": id}
		if device.Online != nil {
			c.deviceOnline.With(labels).Set(boolToFloat(*device.Online))
		}
		if device.HasWater != nil {
			c.deviceWater.With(labels).Set(boolToFloat(*device.HasWater))
		}
		if device.Priming != nil {
			c.devicePriming.With(labels).Set(boolToFloat(*device.Priming))
		}
		if device.NeedsPriming != nil {
			c.deviceNeedsPriming.With(labels).Set(boolToFloat(*device.NeedsPriming))
		}
	}

	if temp := c.client.RoomTemperature(); temp != nil {
		c.roomAverage.Set(*temp)
	}

	c.collectAll(ch)
}

func (c *MetricsCollector) collectAll(ch chan<- prometheus.Metric) {
	c.heatingLevel.Collect(ch)
	c.targetLevel.Collect(ch)
	c.nowHeating.Collect(ch)
	c.nowCooling.Collect(ch)
	c.heatingRemaining.Collect(ch)
	c.bedPresence.Collect(ch)
	c.lastSeen.Collect(ch)
	c.bedTemp.Collect(ch)
	c.roomTemp.Collect(ch)
	c.respRate.Collect(ch)
	c.heartRate.Collect(ch)
	c.sleepScore.Collect(ch)
	c.fitnessScore.Collect(ch)
	c.deviceOnline.Collect(ch)
	c.deviceWater.Collect(ch)
	c.devicePriming.Collect(ch)
	c.deviceNeedsPriming.Collect(ch)
	c.roomAverage.Collect(ch)
	c.lastDevicePoll.Collect(ch)
	c.lastUserPoll.Collect(ch)
	c.pollSuccess.Collect(ch)
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
