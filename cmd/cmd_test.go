package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type MockSignaler struct {
	mock.Mock
}

func (m *MockSignaler) Signal(sig syscall.Signal) error {
	args := m.Called(sig)
	return args.Error(0)
}

func TestRunStop_Success(t *testing.T) {
	s := new(MockSignaler)
	s.On("Signal", syscall.SIGTERM).Return(nil)

	var buf bytes.Buffer
	require.NoError(t, runStop(s, &buf))
	assert.Contains(t, buf.String(), "Stop signal sent")
	s.AssertExpectations(t)
}

func TestRunStop_NotRunning(t *testing.T) {
	s := new(MockSignaler)
	s.On("Signal", syscall.SIGTERM).Return(errors.New("daemon not running"))

	var buf bytes.Buffer
	err := runStop(s, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
	assert.Empty(t, buf.String())
}

func TestRunReload_Success(t *testing.T) {
	s := new(MockSignaler)
	s.On("Signal", syscall.SIGHUP).Return(nil)

	var buf bytes.Buffer
	require.NoError(t, runReload(s, &buf))
	assert.Contains(t, buf.String(), "Reload signal sent")
	s.AssertExpectations(t)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
vswitch:
  metrics:
    enabled: false
  networks:
    - vni: 1314
      v4: 10.0.0.0/24
  filters:
    - filters:
        - kind: ratelimit
          options:
            pps: 100
    - name: second
`

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "-c", writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "VALID: 1 network(s), 0 iface(s), 2 filter table(s)")
}

func TestValidateCommandUnknownFilter(t *testing.T) {
	_, err := execute(t, "validate", "-c", writeConfig(t, `
vswitch:
  filters:
    - filters:
        - kind: teleport
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID")
}

func TestGraphCommand(t *testing.T) {
	out, err := execute(t, "graph", "-c", writeConfig(t, validConfig))
	require.NoError(t, err)

	var dump struct {
		Nodes []string `yaml:"nodes"`
		Edges []struct {
			From string `yaml:"from"`
			To   string `yaml:"to"`
		} `yaml:"edges"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &dump))
	assert.Contains(t, dump.Nodes, "ingress-filter")
	assert.Contains(t, dump.Nodes, "ingress-filter:second")
	assert.NotEmpty(t, dump.Edges)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vswitch dev")
}

func TestStopWithoutPIDFile(t *testing.T) {
	_, err := execute(t, "stop", "-c", writeConfig(t, validConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid_file")
}
