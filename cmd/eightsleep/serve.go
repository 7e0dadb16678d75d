package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/eightsleep-golang/eightsleep"
	"github.com/joshp123/eightsleep-golang/internal/rate"
	"github.com/joshp123/eightsleep-golang/internal/server"
	"github.com/joshp123/eightsleep-golang/internal/sessioncache"
)

func serveMain(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	httpAddr := flags.String("http-addr", envOrDefault("EIGHTSLEEP_HTTP_ADDR", ":8080"), "HTTP listen address")
	deviceInterval := flags.Duration("device-interval", eightsleep.DefaultDeviceInterval, "Device poll interval")
	userInterval := flags.Duration("user-interval", eightsleep.DefaultUserInterval, "User data poll interval")
	_ = flags.Parse(args)

	email := os.Getenv("EIGHTSLEEP_EMAIL")
	if email == "" {
		fatal("serve", fmt.Errorf("EIGHTSLEEP_EMAIL is required"))
	}
	password, err := loadPassword()
	if err != nil {
		fatal("serve", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := sessioncache.NewManager(
		envOrDefault("EIGHTSLEEP_STATE_FILE", defaultStateFile()),
		email,
		blobStoreFromEnv(),
	)

	decl := rate.Provider("eightsleep").
		MaxRequestsPer(rate.Minute, 60).
		BudgetFloor(rate.Minute, 5).
		ReadHeaders(rate.StandardHeaders())
	httpClient := rate.WrapHTTP(decl, &http.Client{Timeout: 10 * time.Second})

	opts := []eightsleep.Option{
		eightsleep.WithHTTPClient(httpClient),
		eightsleep.WithTimezone(os.Getenv("EIGHTSLEEP_TIMEZONE")),
	}
	if truthy(os.Getenv("EIGHTSLEEP_PARTNER")) {
		opts = append(opts, eightsleep.WithPartner())
	}
	if state, err := manager.Resolve(ctx); err != nil {
		log.Printf("serve: session cache unusable: %v", err)
	} else if state != nil {
		opts = append(opts, eightsleep.WithSession(state.Session()))
	}

	client := eightsleep.New(email, password, opts...)
	collector := eightsleep.NewMetricsCollector(client)

	serviceOpts := []eightsleep.ServiceOption{
		eightsleep.WithMetrics(collector),
		eightsleep.WithSessionSaver(manager),
		eightsleep.WithDeviceInterval(*deviceInterval),
		eightsleep.WithUserInterval(*userInterval),
	}
	if broker := os.Getenv("EIGHTSLEEP_MQTT_BROKER"); broker != "" {
		publisher, err := eightsleep.NewPublisher(client, broker, envOrDefault("EIGHTSLEEP_MQTT_PREFIX", "eightsleep"))
		if err != nil {
			fatal("serve", err)
		}
		defer publisher.Close()
		serviceOpts = append(serviceOpts, eightsleep.WithPublisher(publisher))
	}
	service := eightsleep.NewService(client, serviceOpts...)

	registry := prometheus.NewRegistry()
	registry.MustRegister(service.Collectors()...)
	registry.MustRegister(sessioncache.MetricsCollectors()...)
	registry.MustRegister(rate.MetricsCollectors()...)

	httpServer := server.New(*httpAddr, registry, map[string][]byte{
		"/dashboards/eightsleep/overview.json": overviewDashboard(),
	})
	go func() {
		if err := httpServer.Run(ctx); err != nil {
			log.Fatalf("serve: http: %v", err)
		}
	}()

	if err := service.Run(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// blobStoreFromEnv builds the S3 mirror when an endpoint is configured,
// otherwise the session cache stays file-only.
func blobStoreFromEnv() sessioncache.BlobStore {
	endpoint := os.Getenv("EIGHTSLEEP_S3_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	store, err := sessioncache.NewS3Store(sessioncache.S3Config{
		Endpoint:      endpoint,
		Bucket:        os.Getenv("EIGHTSLEEP_S3_BUCKET"),
		Prefix:        os.Getenv("EIGHTSLEEP_S3_PREFIX"),
		AccessKeyFile: os.Getenv("EIGHTSLEEP_S3_ACCESS_KEY_FILE"),
		SecretKeyFile: os.Getenv("EIGHTSLEEP_S3_SECRET_KEY_FILE"),
		Region:        os.Getenv("EIGHTSLEEP_S3_REGION"),
	})
	if err != nil {
		fatal("serve", err)
	}
	return store
}

func overviewDashboard() []byte {
	data, err := server.BuildDashboard("Eight Sleep", []server.Panel{
		{Title: "Heating level", Expr: "eightsleep_heating_level"},
		{Title: "Target level", Expr: "eightsleep_target_heating_level"},
		{Title: "Bed presence", Expr: "eightsleep_bed_presence_bool"},
		{Title: "Bed temperature", Expr: "eightsleep_current_bed_temperature_celsius", Unit: "celsius"},
		{Title: "Room temperature", Expr: "eightsleep_room_temperature_celsius", Unit: "celsius"},
		{Title: "Heart rate", Expr: "eightsleep_current_heart_rate"},
		{Title: "Respiratory rate", Expr: "eightsleep_current_respiratory_rate"},
		{Title: "Sleep score", Expr: "eightsleep_current_sleep_score"},
		{Title: "Sleep fitness", Expr: "eightsleep_sleep_fitness_score"},
		{Title: "Poll errors", Expr: "rate(eightsleep_poll_errors_total[15m])"},
	})
	if err != nil {
		fatal("serve", err)
	}
	return data
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
