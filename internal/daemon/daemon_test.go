package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firestige.xyz/vswitch/internal/log"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func baseConfig(dir, level string) string {
	return `
vswitch:
  log:
    level: ` + level + `
    format: text
  metrics:
    enabled: false
  switch:
    loops: 2
    vxlan_listen: 127.0.0.1:0
    pid_file: ` + filepath.Join(dir, "vswitch.pid") + `
  networks:
    - vni: 1314
      v4: 10.0.0.0/24
      ips:
        - ip: 10.0.0.1
          mac: "02:00:00:00:00:01"
      routes:
        - name: default
          prefix: 0.0.0.0/0
          gateway: 10.0.0.254
  ifaces:
    - kind: remote-switch
      name: sw2
      remote: 127.0.0.1:14789
    - kind: vlan
      parent: remote:sw2
      vlan: 100
      vni: 1314
`
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	prev := log.GetLogger()
	defer log.SetLogger(prev)

	d, err := New(writeConfig(t, tmpDir, baseConfig(tmpDir, "info")))
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	pidFile := filepath.Join(tmpDir, "vswitch.pid")
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		t.Errorf("PID file was not created: %s", pidFile)
	}
	if d.Switch().Network(1314) == nil {
		t.Errorf("network 1314 was not created")
	}
	if got := len(d.Switch().Ifaces()); got != 2 {
		t.Errorf("expected 2 interfaces, got %d", got)
	}
	if d.Switch().Iface("vlan.100@remote:sw2") == nil {
		t.Errorf("vlan adaptor was not attached")
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run()
	}()

	d.TriggerShutdown()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file was not removed: %s", pidFile)
	}
	if len(d.Switch().Ifaces()) != 0 {
		t.Errorf("interfaces left after shutdown")
	}
}

func TestDaemon_StartFailsOnMissingParent(t *testing.T) {
	tmpDir := t.TempDir()
	prev := log.GetLogger()
	defer log.SetLogger(prev)

	cfg := strings.Replace(baseConfig(tmpDir, "info"), "parent: remote:sw2", "parent: eth9", 1)
	d, err := New(writeConfig(t, tmpDir, cfg))
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	defer d.Stop()

	err = d.Start()
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if !strings.Contains(err.Error(), "eth9") {
		t.Errorf("error does not name the parent: %v", err)
	}
}

func TestDaemon_ReloadLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	prev := log.GetLogger()
	defer log.SetLogger(prev)

	configPath := writeConfig(t, tmpDir, baseConfig(tmpDir, "info"))
	d, err := New(configPath)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	if log.GetLogger().IsDebugEnabled() {
		t.Fatal("debug enabled before reload")
	}

	writeConfig(t, tmpDir, baseConfig(tmpDir, "debug"))
	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d.config.Log.Level != "debug" {
		t.Fatalf("expected level debug after reload, got %s", d.config.Log.Level)
	}
	if !log.GetLogger().IsDebugEnabled() {
		t.Fatal("debug not enabled after reload")
	}
}

func TestDaemon_ReloadRejectsInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	prev := log.GetLogger()
	defer log.SetLogger(prev)

	configPath := writeConfig(t, tmpDir, baseConfig(tmpDir, "info"))
	d, err := New(configPath)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	writeConfig(t, tmpDir, baseConfig(tmpDir, "loud"))
	if err := d.Reload(); err == nil {
		t.Fatal("expected reload to fail")
	}
	if d.config.Log.Level != "info" {
		t.Fatalf("level changed by failed reload: %s", d.config.Log.Level)
	}
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vswitch.pid")

	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error for missing file")
	}

	if err := os.WriteFile(path, []byte("4242\n"), 0644); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != 4242 {
		t.Errorf("expected pid 4242, got %d (%v)", pid, err)
	}

	if err := os.WriteFile(path, []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error for garbage")
	}
}
