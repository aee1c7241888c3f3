package platformprofile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
)

func fakeSysfs(t *testing.T, choices, current string) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("UMOCKDEV_DIR", root)
	dir := filepath.Join(root, acpiPlatformDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, attrChoices), []byte(choices), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, attrProfile), []byte(current), 0o644))
}

func TestProbeFailsWithoutAttribute(t *testing.T) {
	t.Setenv("UMOCKDEV_DIR", t.TempDir())
	d := New(hclog.NewNullLogger())
	preferred := profile.Balanced
	require.Equal(t, driver.ProbeFail, d.Probe(context.Background(), &preferred))
}

func TestProbeReadsChoicesAndCurrent(t *testing.T) {
	fakeSysfs(t, "low-power balanced performance\n", "performance\n")
	d := New(hclog.NewNullLogger())
	preferred := profile.Balanced
	result := d.Probe(context.Background(), &preferred)
	require.Equal(t, driver.ProbeOK, result)
	require.Equal(t, profile.Performance, preferred)
	require.Equal(t, profile.All, d.SupportedProfiles())
	require.NoError(t, d.Close())
}

func TestProbePartialChoicesLimitsSupportedMask(t *testing.T) {
	fakeSysfs(t, "low-power balanced\n", "balanced\n")
	d := New(hclog.NewNullLogger())
	preferred := profile.Unset
	result := d.Probe(context.Background(), &preferred)
	require.Equal(t, driver.ProbeOK, result)
	require.Equal(t, profile.PowerSaver|profile.Balanced, d.SupportedProfiles())
	require.NoError(t, d.Close())
}

func TestActivateWritesAttribute(t *testing.T) {
	fakeSysfs(t, "low-power balanced performance\n", "balanced\n")
	d := New(hclog.NewNullLogger())
	preferred := profile.Balanced
	require.Equal(t, driver.ProbeOK, d.Probe(context.Background(), &preferred))

	require.NoError(t, d.Activate(context.Background(), profile.Performance))

	b, err := os.ReadFile(filepath.Join(d.(*Driver).sysfsPath, attrProfile))
	require.NoError(t, err)
	require.Equal(t, "performance", string(b))
	require.NoError(t, d.Close())
}

func TestExternalAttrWriteEmitsProfileChanged(t *testing.T) {
	fakeSysfs(t, "low-power balanced performance\n", "balanced\n")
	d := New(hclog.NewNullLogger())
	preferred := profile.Balanced
	require.Equal(t, driver.ProbeOK, d.Probe(context.Background(), &preferred))

	impl := d.(*Driver)
	require.NoError(t, os.WriteFile(filepath.Join(impl.sysfsPath, attrProfile), []byte("performance"), 0o644))

	select {
	case ev := <-d.Events():
		require.Equal(t, driver.EventProfileChanged, ev.Kind)
		require.Equal(t, profile.Performance, ev.Profile)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for profile-changed event")
	}
	require.NoError(t, d.Close())
}
