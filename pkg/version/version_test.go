package version

import (
	"runtime"
	"strings"
	"testing"
)

func stamp(t *testing.T, v string) {
	t.Helper()
	saved := Version
	Version = v
	t.Cleanup(func() { Version = saved })
}

func TestGet(t *testing.T) {
	stamp(t, "1.2.3")

	info := Get()
	if info.Version != "1.2.3" || !info.Release {
		t.Errorf("Get() = %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if !strings.HasPrefix(info.String(), "ncsync 1.2.3 ") || !strings.Contains(info.String(), "commit ") {
		t.Errorf("String() = %q", info.String())
	}
}

func TestString_DevBuildOmitsStamp(t *testing.T) {
	stamp(t, "dev")

	info := Get()
	if info.Release {
		t.Error("dev build reported as release")
	}
	if strings.Contains(info.String(), "commit") {
		t.Errorf("String() = %q", info.String())
	}
}

func TestUserAgent(t *testing.T) {
	stamp(t, "1.2.3")

	want := "ncsync/1.2.3 (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
	if got := UserAgent(); got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}
