package version

import (
	"strings"
	"testing"
)

func TestCurrent(t *testing.T) {
	b := Current()

	if b.Version == "" {
		t.Error("version should not be empty")
	}
	if b.Commit == "" {
		t.Error("commit should not be empty")
	}
	if b.Date == "" {
		t.Error("date should not be empty")
	}
}

func TestString(t *testing.T) {
	s := String()

	for _, want := range []string{"version=", "commit=", "date="} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in %q", want, s)
		}
	}
}

func TestStringMatchesCurrent(t *testing.T) {
	b := Current()
	s := String()

	if !strings.Contains(s, b.Version) || !strings.Contains(s, b.Commit) || !strings.Contains(s, b.Date) {
		t.Errorf("String %q diverged from Current %+v", s, b)
	}
}
