// Package daemon implements the switch process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/vswitch/internal/config"
	"firestige.xyz/vswitch/internal/filter"
	"firestige.xyz/vswitch/internal/iface"
	"firestige.xyz/vswitch/internal/log"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/packet"
	"firestige.xyz/vswitch/internal/vswitch"
)

// Version is set at build time.
var Version = "dev"

// Daemon manages the switch process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.Config
	configPath string

	// Core components
	insp          *metrics.Inspection
	registry      *filter.Registry
	sw            *vswitch.Switch
	vxlanConn     *net.UDPConn
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	serving      sync.WaitGroup
	stopOnce     sync.Once
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New loads the configuration. Filter kinds beyond the built-in ones are
// registered on Registry before Start.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		insp:         metrics.NewInspection(),
		registry:     filter.NewRegistry(),
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func (d *Daemon) Registry() *filter.Registry      { return d.registry }
func (d *Daemon) Switch() *vswitch.Switch         { return d.sw }
func (d *Daemon) Inspection() *metrics.Inspection { return d.insp }

// Start initializes and starts all components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"version": Version,
		"config":  d.configPath,
	}).Info("starting vswitch daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build the switch and its node graph
	sw, err := vswitch.New(d.config.SwitchOptions(), d.registry, d.insp)
	if err != nil {
		return fmt.Errorf("failed to create switch: %w", err)
	}
	d.sw = sw

	// 5. Networks are populated before the loops run
	if err := d.addNetworks(); err != nil {
		return err
	}

	// 6. Open the shared vxlan socket
	if d.config.Switch.VXLANListen != "" {
		addr, err := net.ResolveUDPAddr("udp", d.config.Switch.VXLANListen)
		if err != nil {
			return fmt.Errorf("failed to resolve vxlan address: %w", err)
		}
		if d.vxlanConn, err = net.ListenUDP("udp", addr); err != nil {
			return fmt.Errorf("failed to open vxlan socket: %w", err)
		}
	}

	// 7. Attach configured interfaces
	if err := d.addIfaces(); err != nil {
		return err
	}

	// 8. Start the loops and serve vxlan
	d.sw.Start()
	if d.vxlanConn != nil {
		d.serving.Add(1)
		go func() {
			defer d.serving.Done()
			if err := d.sw.ServeVXLAN(d.ctx, d.vxlanConn); err != nil {
				logger.WithError(err).Error("vxlan socket failed")
			}
		}()
		logger.WithField("addr", d.vxlanConn.LocalAddr().String()).Info("vxlan socket listening")
	}

	logger.Info("daemon started successfully")
	return nil
}

func (d *Daemon) addNetworks() error {
	for _, nc := range d.config.Networks {
		cfg, err := nc.Network(d.config.TCP)
		if err != nil {
			return err
		}
		n, err := d.sw.AddNetwork(cfg)
		if err != nil {
			return fmt.Errorf("failed to add network: %w", err)
		}
		ips, err := nc.SyntheticIPs()
		if err != nil {
			return err
		}
		for _, ip := range ips {
			if err := n.AddIP(ip.IP, ip.MAC); err != nil {
				return fmt.Errorf("vni %d: %w", nc.VNI, err)
			}
		}
		routes, err := nc.RouteList()
		if err != nil {
			return err
		}
		for _, r := range routes {
			if err := n.Routes.Add(r); err != nil {
				return fmt.Errorf("vni %d: %w", nc.VNI, err)
			}
		}
	}
	return nil
}

func (d *Daemon) addIfaces() error {
	for _, ic := range d.config.Ifaces {
		i, err := d.buildIface(ic)
		if err != nil {
			return err
		}
		if err := d.sw.AddIface(i); err != nil {
			return fmt.Errorf("failed to add iface: %w", err)
		}
	}
	return nil
}

func (d *Daemon) buildIface(ic config.IfaceConfig) (packet.Iface, error) {
	switch ic.Kind {
	case config.IfaceVXLan, config.IfaceRemoteSwitch:
		if d.vxlanConn == nil {
			return nil, fmt.Errorf("iface %s %s needs switch.vxlan_listen", ic.Kind, ic.Remote)
		}
		remote, err := ic.RemoteAddr()
		if err != nil {
			return nil, err
		}
		if ic.Kind == config.IfaceRemoteSwitch {
			return iface.NewRemoteSwitchIface(ic.Name, remote, d.vxlanConn, ic.AddSwitchFlag), nil
		}
		bare := iface.NewBareVXLanIface(remote, d.vxlanConn)
		bare.SetLocalSideVRF(ic.VNI)
		return bare, nil
	case config.IfaceVLan:
		parent := d.sw.Iface(ic.Parent)
		if parent == nil {
			return nil, fmt.Errorf("vlan %d: parent %s is not defined before it", ic.VLan, ic.Parent)
		}
		return iface.NewVLanAdaptorIface(parent, ic.VLan, ic.VNI), nil
	default:
		return nil, fmt.Errorf("unsupported iface kind '%s'", ic.Kind)
	}
}

// Stop performs graceful shutdown of all components. It is safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. Stop reading the vxlan socket
	d.cancel()
	if d.vxlanConn != nil {
		d.vxlanConn.Close()
	}
	d.serving.Wait()

	// 2. Tear down interfaces, networks and loops
	if d.sw != nil {
		d.sw.Close()
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	// 4. Unregister signal handler
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("daemon stopped gracefully")
}

// Run blocks until SIGTERM, SIGINT or TriggerShutdown. SIGHUP reloads the
// configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger := log.GetLogger()
	logger.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				logger.Info("received reload signal")
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			logger.Info("shutdown triggered")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// TriggerShutdown makes Run return after a graceful shutdown.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level.
// Cold (requires restart): everything else.
func (d *Daemon) Reload() error {
	logger := log.GetLogger()
	logger.WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	if newConfig.Log.Level != d.config.Log.Level {
		if err := log.SetLevel(newConfig.Log.Level); err != nil {
			return fmt.Errorf("failed to change log level: %w", err)
		}
		d.config.Log.Level = newConfig.Log.Level
		hotReloaded = append(hotReloaded, "log.level")
	}

	requiresRestart := []string{}
	if newConfig.Log.Format != d.config.Log.Format || newConfig.Log.File != d.config.Log.File {
		requiresRestart = append(requiresRestart, "log")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Switch != d.config.Switch {
		requiresRestart = append(requiresRestart, "switch")
	}
	if newConfig.TCP != d.config.TCP {
		requiresRestart = append(requiresRestart, "tcp")
	}

	logger.WithFields(map[string]interface{}{
		"hot_reloaded":     hotReloaded,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	logger := log.GetLogger()
	if !d.config.Metrics.Enabled {
		logger.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, d.insp)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"addr": d.config.Metrics.Listen,
		"path": d.config.Metrics.Path,
	}).Info("metrics server started")
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	path := d.config.Switch.PIDFile
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	path := d.config.Switch.PIDFile
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}
