package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/ims/internal/health"
	"github.com/vladislavdragonenkov/ims/internal/version"
)

// metricsServerFixture поднимает операционный HTTP-сервер сервиса с
// управляемыми ping-проверками postgres и kafka.
type metricsServerFixture struct {
	port   int
	cancel context.CancelFunc

	mu       sync.Mutex
	storeErr error
	kafkaErr error
}

func (f *metricsServerFixture) setStoreErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = err
}

func (f *metricsServerFixture) setKafkaErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kafkaErr = err
}

func startMetricsFixture(t *testing.T) *metricsServerFixture {
	t.Helper()

	fixture := &metricsServerFixture{port: reserveLocalPort(t)}

	ctx, cancel := context.WithCancel(context.Background())
	fixture.cancel = cancel
	t.Cleanup(cancel)

	handler := healthcheck.NewHandler(version.String())
	handler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", func(context.Context) error {
		fixture.mu.Lock()
		defer fixture.mu.Unlock()
		return fixture.storeErr
	}))
	handler.RegisterChecker("kafka", healthcheck.NewPingChecker("kafka", func(context.Context) error {
		fixture.mu.Lock()
		defer fixture.mu.Unlock()
		return fixture.kafkaErr
	}))

	srv := startMetricsServer(ctx, fmt.Sprintf(":%d", fixture.port), log.WithField("test", "metrics-server"), handler)
	if srv == nil {
		t.Fatal("startMetricsServer returned nil server")
	}

	fixture.waitReachable(t)
	return fixture
}

func (f *metricsServerFixture) url(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", f.port, path)
}

func (f *metricsServerFixture) waitReachable(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(f.url("/livez"))
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("metrics server did not start")
}

func (f *metricsServerFixture) get(t *testing.T, path string) (int, string) {
	t.Helper()

	resp, err := http.Get(f.url(path))
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

func TestMetricsServer_HealthzReportsDependencies(t *testing.T) {
	fixture := startMetricsFixture(t)

	status, body := fixture.get(t, "/healthz")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", status)
	}

	var response healthcheck.Response
	if err := json.Unmarshal([]byte(body), &response); err != nil {
		t.Fatalf("decode /healthz response: %v", err)
	}
	if response.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy service, got %q", response.Status)
	}
	if len(response.Checks) != 2 {
		t.Fatalf("expected postgres and kafka checks, got %+v", response.Checks)
	}
	// runChecks сортирует по имени: kafka, postgres.
	if response.Checks[0].Name != "kafka" || response.Checks[1].Name != "postgres" {
		t.Fatalf("unexpected check order: %+v", response.Checks)
	}
}

func TestMetricsServer_ReadyzFollowsDependencyState(t *testing.T) {
	fixture := startMetricsFixture(t)

	status, body := fixture.get(t, "/readyz")
	if status != http.StatusOK || body != "ready" {
		t.Fatalf("expected ready, got %d %q", status, body)
	}

	fixture.setKafkaErr(errors.New("kafka metadata refresh failed"))
	status, body = fixture.get(t, "/readyz")
	if status != http.StatusServiceUnavailable || body != "not ready" {
		t.Fatalf("expected not ready after kafka failure, got %d %q", status, body)
	}

	status, body = fixture.get(t, "/healthz")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from /healthz, got %d", status)
	}
	if !strings.Contains(body, "kafka metadata refresh failed") {
		t.Fatalf("/healthz should carry the failing check message, got %s", body)
	}

	fixture.setKafkaErr(nil)
	status, _ = fixture.get(t, "/readyz")
	if status != http.StatusOK {
		t.Fatalf("expected recovery after kafka is back, got %d", status)
	}
}

func TestMetricsServer_LivezIgnoresDependencies(t *testing.T) {
	fixture := startMetricsFixture(t)
	fixture.setStoreErr(errors.New("postgres down"))
	fixture.setKafkaErr(errors.New("kafka down"))

	status, body := fixture.get(t, "/livez")
	if status != http.StatusOK || body != "ok" {
		t.Fatalf("liveness must not depend on postgres/kafka, got %d %q", status, body)
	}
}

func TestMetricsServer_ServesPrometheusMetrics(t *testing.T) {
	fixture := startMetricsFixture(t)

	status, body := fixture.get(t, "/metrics")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", status)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("/metrics should expose the default prometheus collectors")
	}
}

func TestMetricsServer_StopsOnContextCancel(t *testing.T) {
	fixture := startMetricsFixture(t)

	fixture.cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get(fixture.url("/livez")); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server still reachable after context cancellation")
}

func TestMetricsServer_SurvivesOccupiedPort(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	addr := fmt.Sprintf(":%d", listener.Addr().(*net.TCPAddr).Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startMetricsServer(ctx, addr, log.WithField("test", "occupied-port"), healthcheck.NewHandler(version.String()))
	if srv == nil {
		t.Fatal("startMetricsServer should return the server even when listen fails")
	}
}

func TestShutdownHTTP(t *testing.T) {
	logger := log.WithField("test", "shutdown")

	// nil-сервер не должен приводить к панике
	shutdownHTTP(nil, logger)

	port := reserveLocalPort(t)
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}
	go func() { _ = srv.ListenAndServe() }()

	url := fmt.Sprintf("http://localhost:%d/", port)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	shutdownHTTP(srv, logger)

	if _, err := http.Get(url); err == nil {
		t.Fatal("server should be stopped after shutdownHTTP")
	}
}

func reserveLocalPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
