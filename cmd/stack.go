package cmd

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"

	"github.com/metal-toolbox/bmcmgmt/internal/command"
	"github.com/metal-toolbox/bmcmgmt/internal/configuration"
	"github.com/metal-toolbox/bmcmgmt/internal/diagnostics"
	"github.com/metal-toolbox/bmcmgmt/internal/elog"
	"github.com/metal-toolbox/bmcmgmt/internal/fru"
	"github.com/metal-toolbox/bmcmgmt/internal/handlers"
	"github.com/metal-toolbox/bmcmgmt/internal/log"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/metal-toolbox/bmcmgmt/internal/readiness"
	"github.com/metal-toolbox/bmcmgmt/internal/sel"
	"github.com/metal-toolbox/bmcmgmt/internal/store"
	"github.com/metal-toolbox/bmcmgmt/internal/store/bmc"
	"github.com/metal-toolbox/bmcmgmt/internal/tasks"
	"github.com/metal-toolbox/bmcmgmt/internal/transport"
	"github.com/pkg/errors"
)

// defaultSSIFAddress is the SMBus address of the controller SSIF interface.
const defaultSSIFAddress uint8 = 0x10

// stack is the set of components every subcommand operates on.
type stack struct {
	config     *configuration.Configuration
	transport  transport.Transport
	channel    *command.Channel
	publisher  *diagnostics.Publisher
	probe      *readiness.Probe
	sel        *sel.Manager
	elog       *elog.Dispatcher
	fru        *fru.Accessor
	frus       *fru.Dispatcher
	repository store.Repository
}

func loadConfig(args *model.Args) (*configuration.Configuration, error) {
	if args.ConfigFile == "" {
		if _, err := os.Stat(configuration.DefaultConfigFile); err == nil {
			args.ConfigFile = configuration.DefaultConfigFile
		}
	}

	config, err := configuration.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, err
	}

	log.SetLevel(config.LogLevel)
	slog.Debug("Configuration loaded", config.AsLogFields()...)

	return config, nil
}

// newStack opens the transport and builds the components on top of it.
func newStack(ctx context.Context, config *configuration.Configuration) (*stack, error) {
	t, err := openTransport(ctx, config)
	if err != nil {
		return nil, err
	}

	publisher, err := newPublisher(ctx, config.Diagnostics)
	if err != nil {
		t.Close()
		return nil, err
	}

	s := &stack{
		config:    config,
		transport: t,
		channel:   command.New(t),
		publisher: publisher,
	}

	s.probe = readiness.New(s.channel, readiness.Config{
		ReadyDelayRetries: config.Readiness.ReadyDelayRetries,
		DeviceIDDelay:     config.Readiness.DeviceIDDelay,
		SelfTestDelay:     config.Readiness.SelfTestDelay,
	}, readiness.WithRaiser(publisher))

	s.sel = sel.New(s.channel, s.probe, sel.Config{
		ClearPollLimit: config.SEL.ClearPollLimit,
		ClearPollDelay: config.SEL.ClearPollDelay,
	}, sel.WithRaiser(publisher))

	redirs := []elog.Redir{s.sel}
	if config.RemoteBMC.Host != "" {
		redirs = append(redirs, bmc.NewRemoteSEL(bmc.RemoteOptions{
			Host:     config.RemoteBMC.Host,
			Port:     config.RemoteBMC.Port,
			User:     config.RemoteBMC.User,
			Pass:     config.RemoteBMC.Pass,
			LogLevel: config.LogLevel,
		}))
	}

	if s.elog, err = elog.NewDispatcher(redirs...); err != nil {
		s.Close()
		return nil, err
	}

	fruOpts := []fru.Option{}
	if len(config.FRU.Slots) > 0 {
		slots := make([]fru.DeviceInfo, 0, len(config.FRU.Slots))
		for _, slot := range config.FRU.Slots {
			slots = append(slots, fru.DeviceInfo{Valid: true, Logical: slot.Logical, DeviceID: slot.DeviceID})
		}

		fruOpts = append(fruOpts, fru.WithSlots(slots))
	}

	s.fru = fru.New(s.channel, s.probe, fruOpts...)
	s.frus = fru.NewDispatcher(s.fru)

	if s.repository, err = store.NewRepository(ctx, config.Archive); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func openTransport(ctx context.Context, config *configuration.Configuration) (transport.Transport, error) {
	opts := config.Transport

	kind, err := transport.FromString(opts.Kind)
	if err != nil {
		return nil, errors.Wrap(model.ErrConfig, err.Error())
	}

	if config.DryRun {
		kind = transport.Sim
	}

	slog.Info("opening transport", "kind", kind.String(), "device", opts.Device)

	switch kind {
	case transport.KCS, transport.BT, transport.IPMB:
		link, err := transport.OpenDevice(opts.Device, opts.Timeout)
		if err != nil {
			return nil, err
		}

		switch kind {
		case transport.BT:
			return transport.NewBT(link), nil
		case transport.IPMB:
			ipmbOpts := []transport.IPMBOption{}
			if opts.IPMB.RequesterAddress != 0 {
				ipmbOpts = append(ipmbOpts, transport.WithRequesterAddress(opts.IPMB.RequesterAddress))
			}

			if opts.IPMB.ResponderAddress != 0 {
				ipmbOpts = append(ipmbOpts, transport.WithResponderAddress(opts.IPMB.ResponderAddress))
			}

			return transport.NewIPMB(link, ipmbOpts...), nil
		default:
			return transport.NewKCS(link), nil
		}
	case transport.SSIF:
		addr := opts.SMBusAddr
		if addr == 0 {
			addr = defaultSSIFAddress
		}

		bus, err := transport.OpenI2CBus(opts.SMBusDevice, addr)
		if err != nil {
			return nil, err
		}

		return transport.NewSSIF(bus), nil
	case transport.LAN:
		lan := transport.NewLAN(transport.LANConfig{
			Host:     opts.LAN.Host,
			Port:     opts.LAN.Port,
			Username: opts.LAN.Username,
			Password: opts.LAN.Password,
			AuthType: opts.LAN.Auth,
			Timeout:  opts.Timeout,
		})

		if err := lan.Open(ctx); err != nil {
			return nil, err
		}

		return lan, nil
	case transport.Sim:
		fixture := bmc.DefaultFixture()

		if config.Simulator.Fixture != "" {
			if fixture, err = bmc.LoadFixture(config.Simulator.Fixture); err != nil {
				return nil, err
			}
		}

		return bmc.NewDryRunBMC(fixture), nil
	default:
		return nil, errors.Wrap(model.ErrConfig, "transport kind "+kind.String())
	}
}

func newPublisher(ctx context.Context, opts *configuration.DiagnosticsOptions) (*diagnostics.Publisher, error) {
	openers := []diagnostics.Opener{}

	if opts.Has("log") {
		openers = append(openers, func() (diagnostics.Sink, error) { return diagnostics.LogSink{}, nil })
	}

	if opts.Has("http") {
		var oidc *diagnostics.OIDCOptions
		if !opts.DisableOIDC {
			oidc = &diagnostics.OIDCOptions{
				IssuerEndpoint:   opts.OIDC.Issuer,
				AudienceEndpoint: opts.OIDC.Audience,
				ClientID:         opts.OIDC.ClientID,
				ClientSecret:     opts.OIDC.ClientSecret,
				Scopes:           opts.OIDC.Scopes,
			}
		}

		openers = append(openers, func() (diagnostics.Sink, error) {
			return diagnostics.NewHTTPSink(ctx, opts.Endpoint, oidc)
		})
	}

	if opts.Has("nats") {
		openers = append(openers, func() (diagnostics.Sink, error) {
			return diagnostics.NewNATSSink(opts.NatsURL, opts.NatsSubject, opts.NatsTimeout)
		})
	}

	return diagnostics.OpenPublisher(openers...)
}

// ready probes the controller and builds the FRU slot table, the state SEL
// and FRU commands expect.
func (s *stack) ready(ctx context.Context) error {
	result, err := s.probe.Run(ctx)
	if err != nil {
		return err
	}

	if !result.State.Usable() {
		return errors.Wrap(model.ErrNotReady, "controller health "+result.State.String())
	}

	if err := s.fru.Init(ctx); err != nil {
		slog.Warn("FRU slot table not built", "error", err)
	}

	return nil
}

func (s *stack) controller() *tasks.Controller {
	return &tasks.Controller{
		Transport: s.transport.Kind().String(),
		Probe:     s.probe,
		SEL:       s.sel,
		FRU:       s.fru,
	}
}

func (s *stack) api(boot *tasks.TaskRunner) *handlers.Controller {
	return &handlers.Controller{
		Probe: s.probe,
		SEL:   s.sel,
		Elog:  s.elog,
		FRU:   s.fru,
		FRUs:  s.frus,
		Boot:  boot,
	}
}

func (s *stack) Close() error {
	var errs []error

	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}

	if s.transport != nil {
		errs = append(errs, s.transport.Close())
	}

	return stderrors.Join(errs...)
}

// withStack loads the configuration, builds the stack and runs fn with it.
func withStack(ctx context.Context, fn func(ctx context.Context, s *stack) error) error {
	config, err := loadConfig(args)
	if err != nil {
		return err
	}

	s, err := newStack(ctx, config)
	if err != nil {
		slog.Error("Failed to build controller stack", "error", err)
		return err
	}

	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("closing controller stack", "error", err)
		}
	}()

	return fn(ctx, s)
}
