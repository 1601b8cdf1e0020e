package configuration

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jeremywohl/flatten"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/bmcmgmt/config.yaml"

	defaultAPIListen       = "127.0.0.1:8300"
	defaultRateLimit       = 20
	defaultBurst           = 40
	defaultMaxConnections  = 64
	defaultMetricsListen   = "0.0.0.0:9090"
	defaultNatsTimeout     = 100 * time.Millisecond
	defaultNatsSubject     = model.AppSubject
	defaultReadyRetries    = 30
	defaultDeviceIDDelay   = time.Second
	defaultSelfTestDelay   = 500 * time.Millisecond
	defaultClearPollLimit  = 512
	defaultTransportDevice = "/dev/ipmi-kcs"
	redacted               = "<redacted>"
)

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace, warn, error
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// DryRun talks to the simulated controller instead of a transport.
	DryRun bool `mapstructure:"dry_run"`

	EnableProfiling bool `mapstructure:"enable_profiling"`

	Transport   *TransportOptions   `mapstructure:"transport" validate:"required"`
	Readiness   *ReadinessOptions   `mapstructure:"readiness" validate:"required"`
	SEL         *SELOptions         `mapstructure:"sel" validate:"required"`
	FRU         *FRUOptions         `mapstructure:"fru" validate:"required"`
	API         *APIOptions         `mapstructure:"api" validate:"required"`
	Metrics     *MetricsOptions     `mapstructure:"metrics" validate:"required"`
	Diagnostics *DiagnosticsOptions `mapstructure:"diagnostics" validate:"required"`
	Archive     *ArchiveOptions     `mapstructure:"archive" validate:"required"`
	RemoteBMC   *RemoteBMCOptions   `mapstructure:"remote_bmc" validate:"required"`
	Simulator   *SimulatorOptions   `mapstructure:"simulator" validate:"required"`
}

// TransportOptions selects and addresses the controller interface.
type TransportOptions struct {
	Kind        string        `mapstructure:"kind" validate:"oneof=kcs bt ssif ipmb lan sim"`
	Device      string        `mapstructure:"device"`
	SMBusDevice string        `mapstructure:"smbus_device"`
	SMBusAddr   uint8         `mapstructure:"smbus_address"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
	IPMB        IPMBOptions   `mapstructure:"ipmb"`
	LAN         LANOptions    `mapstructure:"lan"`
}

type IPMBOptions struct {
	RequesterAddress uint8 `mapstructure:"requester_address"`
	ResponderAddress uint8 `mapstructure:"responder_address"`
}

type LANOptions struct {
	Host     string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Auth     string `mapstructure:"auth" validate:"omitempty,oneof=none md5 password"`
	Enabled  bool   `mapstructure:"-"`
}

type ReadinessOptions struct {
	ReadyDelayRetries int           `mapstructure:"ready_delay_retries" validate:"gte=0"`
	DeviceIDDelay     time.Duration `mapstructure:"device_id_delay" validate:"gte=0"`
	SelfTestDelay     time.Duration `mapstructure:"self_test_delay" validate:"gte=0"`
}

type SELOptions struct {
	ClearPollLimit int           `mapstructure:"clear_poll_limit" validate:"gte=1"`
	ClearPollDelay time.Duration `mapstructure:"clear_poll_delay" validate:"gte=0"`
}

// FRUSlot declares a slot explicitly, replacing the table built from the
// controller capabilities.
type FRUSlot struct {
	DeviceID uint8 `mapstructure:"device_id"`
	Logical  bool  `mapstructure:"logical"`
}

type FRUOptions struct {
	Slots []FRUSlot `mapstructure:"slots" validate:"max=20"`
}

type APIOptions struct {
	Listen         string  `mapstructure:"listen" validate:"required,hostname_port"`
	RateLimit      float64 `mapstructure:"rate_limit" validate:"gt=0"`
	Burst          int     `mapstructure:"burst" validate:"gte=1"`
	MaxConnections int     `mapstructure:"max_connections" validate:"gte=1"`
}

type MetricsOptions struct {
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

type OIDCOptions struct {
	Issuer       string   `mapstructure:"issuer"`
	Audience     string   `mapstructure:"audience"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// DiagnosticsOptions lists the sinks diagnostics are published to, any of
// log, http and nats.
type DiagnosticsOptions struct {
	Sinks       []string      `mapstructure:"sinks" validate:"dive,oneof=log http nats"`
	Endpoint    string        `mapstructure:"endpoint"`
	DisableOIDC bool          `mapstructure:"disable_oidc"`
	OIDC        OIDCOptions   `mapstructure:"oidc"`
	NatsURL     string        `mapstructure:"nats_url"`
	NatsSubject string        `mapstructure:"nats_subject"`
	NatsTimeout time.Duration `mapstructure:"nats_timeout"`
}

func (d *DiagnosticsOptions) Has(sink string) bool {
	for _, s := range d.Sinks {
		if s == sink {
			return true
		}
	}

	return false
}

// ArchiveOptions configures where exported event logs are stored, kind is
// one of s3, fs or empty for no archive.
type ArchiveOptions struct {
	Kind      string `mapstructure:"kind" validate:"omitempty,oneof=s3 fs"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Kind s3"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Directory string `mapstructure:"directory" validate:"required_if=Kind fs"`
}

// RemoteBMCOptions addresses a BMC whose event log is read out of band,
// disabled when Host is empty.
type RemoteBMCOptions struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
}

type SimulatorOptions struct {
	Fixture string `mapstructure:"fixture"`
}

// New creates a configuration struct with defaults.
func New() *Configuration {
	// these are initialized here so viper can read in configuration from env vars
	return &Configuration{
		LogLevel: "info",
		Transport: &TransportOptions{
			Kind:   "kcs",
			Device: defaultTransportDevice,
		},
		Readiness: &ReadinessOptions{
			ReadyDelayRetries: defaultReadyRetries,
			DeviceIDDelay:     defaultDeviceIDDelay,
			SelfTestDelay:     defaultSelfTestDelay,
		},
		SEL: &SELOptions{
			ClearPollLimit: defaultClearPollLimit,
		},
		FRU: &FRUOptions{},
		API: &APIOptions{
			Listen:         defaultAPIListen,
			RateLimit:      defaultRateLimit,
			Burst:          defaultBurst,
			MaxConnections: defaultMaxConnections,
		},
		Metrics: &MetricsOptions{
			Listen: defaultMetricsListen,
		},
		Diagnostics: &DiagnosticsOptions{
			Sinks:       []string{"log"},
			NatsSubject: defaultNatsSubject,
			NatsTimeout: defaultNatsTimeout,
		},
		Archive:   &ArchiveOptions{},
		RemoteBMC: &RemoteBMCOptions{},
		Simulator: &SimulatorOptions{},
	}
}

func secret(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"dryRun", c.DryRun,
		"enableProfiling", c.EnableProfiling,
		"transport", c.Transport.Kind,
		"device", c.Transport.Device,
		"lanHost", c.Transport.LAN.Host,
		"lanPassword", secret(c.Transport.LAN.Password),
		"apiListen", c.API.Listen,
		"metricsListen", c.Metrics.Listen,
		"diagnosticsSinks", c.Diagnostics.Sinks,
		"diagnosticsEndpoint", c.Diagnostics.Endpoint,
		"oidcClientSecret", secret(c.Diagnostics.OIDC.ClientSecret),
		"natsURL", c.Diagnostics.NatsURL,
		"archive", c.Archive.Kind,
		"archiveSecretKey", secret(c.Archive.SecretKey),
		"remoteBMC", c.RemoteBMC.Host,
		"remoteBMCPass", secret(c.RemoteBMC.Pass),
	}
}

func (c *Configuration) LoadArgs(args *model.Args) {
	if args.LogLevel != "" {
		c.LogLevel = args.LogLevel
	}

	if args.EnableProfiling {
		c.EnableProfiling = true
	}

	if args.DryRun {
		c.DryRun = true
	}
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables.
func Load(args *model.Args) (*Configuration, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.LoadArgs(args)

	if err := config.envVarDiagnosticsOverrides(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "diagnostics env overrides error: "+err.Error())
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) envVarDiagnosticsOverrides(viperConfig *viper.Viper) error {
	if viperConfig.GetString("diagnostics.oidc.client.secret") != "" {
		c.Diagnostics.OIDC.ClientSecret = viperConfig.GetString("diagnostics.oidc.client.secret")
	}

	if viperConfig.GetString("diagnostics.oidc.client.scopes") != "" {
		c.Diagnostics.OIDC.Scopes = viperConfig.GetStringSlice("diagnostics.oidc.client.scopes")
	}

	if c.Diagnostics.Has("nats") && c.Diagnostics.NatsURL == "" {
		return errors.New("missing parameter: diagnostics.nats_url")
	}

	if !c.Diagnostics.Has("http") {
		return nil
	}

	if _, err := url.Parse(c.Diagnostics.Endpoint); err != nil || c.Diagnostics.Endpoint == "" {
		return errors.New("diagnostics endpoint URL missing or invalid")
	}

	if c.Diagnostics.DisableOIDC {
		return nil
	}

	if c.Diagnostics.OIDC.Issuer == "" {
		return errors.New("diagnostics oidc.issuer not defined")
	}

	if c.Diagnostics.OIDC.ClientID == "" {
		return errors.New("diagnostics oidc.client_id not defined")
	}

	if c.Diagnostics.OIDC.ClientSecret == "" {
		return errors.New("diagnostics oidc.client_secret not defined")
	}

	return nil
}

// Validate checks the configuration against its struct tags.
func (c *Configuration) Validate() error {
	c.Transport.LAN.Enabled = c.Transport.Kind == "lan"

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}

			return errors.Wrap(model.ErrConfig, "invalid fields: "+strings.Join(fields, ", "))
		}

		return errors.Wrap(model.ErrConfig, err.Error())
	}

	return nil
}
