package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	box "github.com/sagernet/sing-box"
	"github.com/sagernet/sing-box/adapter"
	C "github.com/sagernet/sing-box/constant"
	"github.com/sagernet/sing-box/experimental"
	"github.com/sagernet/sing-box/experimental/clashapi"
	"github.com/sagernet/sing-box/include"
	"github.com/sagernet/sing/service"

	"github.com/getlantern/boxclient/config"
	"github.com/getlantern/boxclient/internal"
)

const defaultProbeTimeout = 5 * time.Second

func init() {
	// Traffic totals are read from the clash API, which is only linked in when registered.
	experimental.RegisterClashServerConstructor(clashapi.NewServer)
}

// SingBox runs configs on an embedded sing-box.
type SingBox struct {
	// AssetDir is where rule-set assets are read from.
	AssetDir string
	// LogOutput is the sing-box log file. Empty means stderr.
	LogOutput string
	// ProbeTimeout bounds the reachability check of the outbound server done before start. A
	// negative value disables the check.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

var _ Engine = (*SingBox)(nil)

func (e *SingBox) logger() *slog.Logger {
	if e.Logger == nil {
		return internal.NoOpLogger()
	}
	return e.Logger
}

func (e *SingBox) Version() string {
	return "sing-box " + C.Version
}

func (e *SingBox) New(cfg *config.Config) (Instance, error) {
	opts, err := BuildOptions(cfg, e.AssetDir, e.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("build options: %w", err)
	}
	ctx, cancel := context.WithCancel(include.Context(context.Background()))
	instance, err := box.New(box.Options{
		Context: ctx,
		Options: opts,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create sing-box: %w", err)
	}
	inst := &singBoxInstance{
		ctx:    ctx,
		cancel: cancel,
		box:    instance,
		log:    e.logger(),
	}
	if host, port, ok := cfg.Outbound.Target(); ok && e.ProbeTimeout >= 0 {
		inst.probeAddr = net.JoinHostPort(host, strconv.Itoa(port))
		inst.probeTimeout = e.ProbeTimeout
		if inst.probeTimeout == 0 {
			inst.probeTimeout = defaultProbeTimeout
		}
	}
	if cs, ok := service.FromContext[adapter.ClashServer](ctx).(*clashapi.Server); ok {
		inst.clash = cs
	}
	return inst, nil
}

func (e *SingBox) Check(cfg *config.Config) error {
	opts, err := BuildOptions(cfg, e.AssetDir, e.LogOutput)
	if err != nil {
		return fmt.Errorf("build options: %w", err)
	}
	ctx, cancel := context.WithCancel(include.Context(context.Background()))
	defer cancel()
	instance, err := box.New(box.Options{
		Context: ctx,
		Options: opts,
	})
	if err != nil {
		return fmt.Errorf("create sing-box: %w", err)
	}
	if err := instance.Close(); err != nil {
		e.logger().Warn("Failed to close dry-run instance", "error", err)
	}
	if cfg.Inbound.Protocol == config.ProtocolTun {
		return nil
	}
	return probeListen(cfg.Inbound)
}

// probeListen checks that the inbound address is free by binding and releasing it.
func probeListen(in *config.Inbound) error {
	addr := net.JoinHostPort(in.ListenAddr(), strconv.Itoa(in.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, addr, err)
	}
	return l.Close()
}

type singBoxInstance struct {
	ctx    context.Context
	cancel context.CancelFunc
	box    *box.Box
	clash  *clashapi.Server
	log    *slog.Logger

	probeAddr    string
	probeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (i *singBoxInstance) Start() error {
	if i.probeAddr != "" {
		if err := i.probe(); err != nil {
			return err
		}
	}
	if err := i.box.Start(); err != nil {
		if isBindError(err) {
			return fmt.Errorf("%w: %w", ErrBind, err)
		}
		return fmt.Errorf("start sing-box: %w", err)
	}
	i.log.Debug("sing-box started")
	return nil
}

func (i *singBoxInstance) probe() error {
	ctx, cancel := context.WithTimeout(i.ctx, i.probeTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", i.probeAddr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrUnreachable, i.probeAddr, err)
	}
	conn.Close()
	i.log.Debug("Outbound server reachable", "addr", i.probeAddr)
	return nil
}

func (i *singBoxInstance) Close() error {
	i.closeOnce.Do(func() {
		i.closeErr = i.box.Close()
		i.cancel()
		i.log.Debug("sing-box closed", "error", i.closeErr)
	})
	return i.closeErr
}

func (i *singBoxInstance) Traffic() (Traffic, bool) {
	if i.clash == nil {
		return Traffic{}, false
	}
	up, down := i.clash.TrafficManager().Total()
	return Traffic{Uplink: up, Downlink: down}, true
}

func isBindError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "listen"
}
