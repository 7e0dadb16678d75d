package eightsleep

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, metric := range family.GetMetric() {
			got := make(map[string]string, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				got[pair.GetName()] = pair.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			return metricValue(metric), true
		}
	}
	return 0, false
}

func metricValue(metric *dto.Metric) float64 {
	if metric.GetGauge() != nil {
		return metric.GetGauge().GetValue()
	}
	return metric.GetCounter().GetValue()
}

func TestMetricsCollector(t *testing.T) {
	client, _ := startedClient(t)
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollector(client)
	if err := registry.Register(collector); err != nil {
		t.Fatalf("Register: %v", err)
	}

	leftLabels := map[string]string{"side": "left", "user_id": testUserID}
	if got, ok := gatherValue(t, registry, "eightsleep_heating_level", leftLabels); !ok || got != 10 {
		t.Fatalf("unexpected left heating level: %v (present=%t)", got, ok)
	}
	if got, ok := gatherValue(t, registry, "eightsleep_target_heating_level", leftLabels); !ok || got != 0 {
		t.Fatalf("unexpected left target: %v (present=%t)", got, ok)
	}
	if got, ok := gatherValue(t, registry, "eightsleep_now_heating_bool", leftLabels); !ok || got != 0 {
		t.Fatalf("expected idle heater, got %v (present=%t)", got, ok)
	}

	rightLabels := map[string]string{"side": "right", "user_id": testPartnerID}
	if got, ok := gatherValue(t, registry, "eightsleep_heating_level", rightLabels); !ok || got != -5 {
		t.Fatalf("unexpected right heating level: %v (present=%t)", got, ok)
	}

	deviceLabels := map[string]string{"device_id": testDeviceID}
	if got, ok := gatherValue(t, registry, "eightsleep_device_online_bool", deviceLabels); !ok || got != 1 {
		t.Fatalf("expected device online, got %v (present=%t)", got, ok)
	}
	if got, ok := gatherValue(t, registry, "eightsleep_device_water_bool", deviceLabels); !ok || got != 1 {
		t.Fatalf("expected water ok, got %v (present=%t)", got, ok)
	}

	// The seen timestamp comes from the device snapshot presence fields.
	if got, ok := gatherValue(t, registry, "eightsleep_last_seen_timestamp_seconds", leftLabels); !ok || got <= 0 {
		t.Fatalf("expected last seen timestamp, got %v (present=%t)", got, ok)
	}
}

func TestMetricsPollHealth(t *testing.T) {
	client, _ := startedClient(t)
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollector(client)
	if err := registry.Register(collector); err != nil {
		t.Fatalf("Register: %v", err)
	}

	collector.MarkDevicePoll(nil)
	if got, ok := gatherValue(t, registry, "eightsleep_poll_success", nil); !ok || got != 1 {
		t.Fatalf("expected poll success 1, got %v (present=%t)", got, ok)
	}
	if got, ok := gatherValue(t, registry, "eightsleep_last_device_poll_timestamp_seconds", nil); !ok || got <= 0 {
		t.Fatalf("expected device poll timestamp, got %v (present=%t)", got, ok)
	}

	collector.MarkUserPoll(ErrNoSession)
	if got, ok := gatherValue(t, registry, "eightsleep_poll_success", nil); !ok || got != 0 {
		t.Fatalf("expected poll success 0 after failure, got %v (present=%t)", got, ok)
	}
	if got, ok := gatherValue(t, registry, "eightsleep_last_user_poll_timestamp_seconds", nil); !ok || got != 0 {
		t.Fatalf("failed poll must not move the user poll timestamp, got %v (present=%t)", got, ok)
	}
}
