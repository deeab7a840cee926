// Package health агрегирует проверки зависимостей складского сервиса
// (postgres, kafka) в /healthz, /livez и /readyz эндпоинты.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status — состояние компонента или сервиса в целом.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Каждая проверка получает собственный таймаут: зависший ping одной
// зависимости не должен задерживать весь health-ответ.
const checkTimeout = time.Second

// Check — результат проверки одного компонента.
type Check struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Response — JSON-ответ /healthz.
type Response struct {
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Checks        []Check   `json:"checks,omitempty"`
	Version       string    `json:"version,omitempty"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Checker проверяет доступность одного компонента сервиса.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler выполняет зарегистрированные проверки и отдаёт агрегированный
// статус сервиса.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startedAt time.Time
}

// NewHandler создаёт health handler с информацией о сборке.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startedAt: time.Now(),
	}
}

// RegisterChecker регистрирует проверку компонента под именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// runChecks выполняет проверки в стабильном порядке имён и сводит
// общий статус: любой unhealthy делает сервис unhealthy, degraded
// понижает статус, если хуже ничего нет.
func (h *Handler) runChecks(ctx context.Context) ([]Check, Status) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		names = append(names, name)
		checkers[name] = checker
	}
	h.mu.RUnlock()
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	overall := StatusHealthy
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		check := checkers[name].Check(checkCtx)
		cancel()

		if check.Name == "" {
			check.Name = name
		}
		checks = append(checks, check)

		switch {
		case check.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case check.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return checks, overall
}

// ServeHTTP отдаёт полный health-ответ с результатами всех проверок.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks, overall := h.runChecks(r.Context())

	response := Response{
		Status:        overall,
		Timestamp:     time.Now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler отвечает "процесс жив", не трогая зависимости.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler сообщает, готов ли сервис принимать трафик:
// unhealthy-зависимость выводит экземпляр из балансировки.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	_, overall := h.runChecks(r.Context())
	if overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// PingChecker проверяет компонент ping-функцией (postgres.Store.Ping,
// kafka.Producer.Ping).
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker создаёт проверку компонента по ping-функции.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// Check выполняет ping и замеряет его длительность.
func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return Check{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Message:   err.Error(),
			LatencyMs: latency.Milliseconds(),
		}
	}

	return Check{
		Name:      c.name,
		Status:    StatusHealthy,
		LatencyMs: latency.Milliseconds(),
	}
}

var _ Checker = (*PingChecker)(nil)
