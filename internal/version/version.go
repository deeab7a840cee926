// Package version хранит сведения о сборке сервиса, заполняемые при
// компиляции через -ldflags:
//
//	-X github.com/vladislavdragonenkov/ims/internal/version.version=v1.2.0
//	-X github.com/vladislavdragonenkov/ims/internal/version.commit=abc1234
//	-X github.com/vladislavdragonenkov/ims/internal/version.date=2026-08-31
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает одну сборку сервиса.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// String возвращает строку для лога запуска и health-ответа.
func String() string {
	b := Current()
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}
