package server

import (
	"encoding/json"
	"net/http"
)

// Panel describes one graph on a generated Grafana dashboard.
type Panel struct {
	Title string
	Expr  string
	Unit  string
}

// BuildDashboard renders a Grafana dashboard JSON document with one
// timeseries panel per entry, laid out two to a row. The JSON is built in
// code so the panel list stays next to the metrics it charts.
func BuildDashboard(title string, panels []Panel) ([]byte, error) {
	rendered := make([]map[string]any, 0, len(panels))
	for i, panel := range panels {
		fieldConfig := map[string]any{
			"defaults": map[string]any{},
		}
		if panel.Unit != "" {
			fieldConfig["defaults"] = map[string]any{"unit": panel.Unit}
		}
		rendered = append(rendered, map[string]any{
			"id":    i + 1,
			"type":  "timeseries",
			"title": panel.Title,
			"gridPos": map[string]int{
				"x": (i % 2) * 12,
				"y": (i / 2) * 8,
				"w": 12,
				"h": 8,
			},
			"fieldConfig": fieldConfig,
			"targets": []map[string]any{
				{"expr": panel.Expr, "refId": "A"},
			},
		})
	}

	dashboard := map[string]any{
		"title":         title,
		"schemaVersion": 39,
		"refresh":       "1m",
		"time":          map[string]string{"from": "now-24h", "to": "now"},
		"panels":        rendered,
	}
	return json.MarshalIndent(dashboard, "", "  ")
}

// DashboardsHandler serves dashboard JSON from an in-memory map keyed by
// URL path.
func DashboardsHandler(dashboards map[string][]byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if data, ok := dashboards[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}

		http.NotFound(w, r)
	})
}
