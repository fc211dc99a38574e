package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	defaultDataDirName   = "CoinSocket"
	defaultConfigFile    = "coinsocket.yaml"
	defaultPeerHost      = "localhost"
	defaultWebSocketPort = "8080"
	defaultAllowedIPs    = `^(127\.0\.0\.1|\[::1\]|\[::ffff:127\.0\.0\.1\]):`
)

// defaultRPCPorts is keyed by chaincfg.Params.Name.
var defaultRPCPorts = map[string]string{
	chaincfg.MainNetParams.Name:       "8332",
	chaincfg.TestNet3Params.Name:      "18332",
	chaincfg.RegressionNetParams.Name: "18443",
	chaincfg.SimNetParams.Name:        "18556",
	chaincfg.SigNetParams.Name:        "38332",
}

var errMissingNetwork = errors.New("missing network")

type coinSocketConfig struct {
	Network     string              `yaml:"network"`
	DataDir     string              `yaml:"datadir"`
	DBName      string              `yaml:"dbname"`
	Sync        bool                `yaml:"sync"`
	PeerHost    string              `yaml:"peerhost"`
	PeerPort    string              `yaml:"peerport"`
	RPCUser     string              `yaml:"rpcuser"`
	RPCPass     string              `yaml:"rpcpass"`
	WSPort      string              `yaml:"wsport"`
	AllowedIPs  string              `yaml:"allowedips"`
	ConnectKey  string              `yaml:"connectkey"`
	TLSCertFile string              `yaml:"tlscertfile"`
	TLSKeyFile  string              `yaml:"tlskeyfile"`
	LogLevel    string              `yaml:"loglevel"`
	LogFormat   string              `yaml:"logformat"`
	ChannelSets map[string][]string `yaml:"channel_sets"`

	configFile     string
	params         *chaincfg.Params
	allowed        *regexp.Regexp
	connectKeyHash []byte
}

func defaultConfig() *coinSocketConfig {
	return &coinSocketConfig{
		PeerHost:   defaultPeerHost,
		WSPort:     defaultWebSocketPort,
		AllowedIPs: defaultAllowedIPs,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// loadConfig builds the configuration from defaults, the YAML config
// file, COINSOCKET_* environment variables and finally command-line
// flags, each layer overriding the previous one. pflag.ErrHelp is
// returned as is when --help was given.
func loadConfig(args []string, lookupEnv func(string) (string, bool)) (*coinSocketConfig, error) {
	flags := pflag.NewFlagSet("coinsocket", pflag.ContinueOnError)
	cli := &coinSocketConfig{}
	flags.StringVar(&cli.configFile, "config", "", "name of the configuration file")
	flags.StringVar(&cli.Network, "network", "", "name of the p2p network (mainnet, testnet3, regtest, simnet, signet)")
	flags.StringVar(&cli.DataDir, "datadir", "", "data directory")
	flags.StringVar(&cli.DBName, "dbname", "", "vault database name")
	flags.BoolVar(&cli.Sync, "sync", false, "set to true to turn on peer synchronization")
	flags.StringVar(&cli.PeerHost, "peerhost", "", "peer hostname")
	flags.StringVar(&cli.PeerPort, "peerport", "", "peer RPC port")
	flags.StringVar(&cli.RPCUser, "rpcuser", "", "peer RPC user")
	flags.StringVar(&cli.RPCPass, "rpcpass", "", "peer RPC password")
	flags.StringVar(&cli.WSPort, "wsport", "", "port to listen for inbound websocket connections")
	flags.StringVar(&cli.AllowedIPs, "allowedips", "", "regular expression for allowed remote addresses")
	flags.StringVar(&cli.ConnectKey, "connectkey", "", "key to be supplied when connecting")
	flags.StringVar(&cli.TLSCertFile, "tlscertfile", "", "TLS certificate file")
	flags.StringVar(&cli.TLSKeyFile, "tlskeyfile", "", "TLS private key file")
	flags.StringVar(&cli.LogLevel, "loglevel", "", "log level (debug, info, warn, error)")
	flags.StringVar(&cli.LogFormat, "logformat", "", "log format (text, json)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := applyEnv(cfg, lookupEnv); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if flags.Changed("network") {
		cfg.Network = cli.Network
	}
	if flags.Changed("datadir") {
		cfg.DataDir = cli.DataDir
	}
	if cfg.DataDir == "" {
		dir, err := defaultDataDir(cfg.Network)
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("invalid data directory: %w", err)
	}

	cfg.configFile = filepath.Join(cfg.DataDir, defaultConfigFile)
	if flags.Changed("config") {
		cfg.configFile = cli.configFile
	}
	if err := loadConfigFile(cfg.configFile, cfg, flags.Changed("config")); err != nil {
		return nil, fmt.Errorf("config file %s: %w", cfg.configFile, err)
	}

	// Environment and flags win over the file.
	if err := applyEnv(cfg, lookupEnv); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "network":
			cfg.Network = cli.Network
		case "datadir":
			cfg.DataDir = cli.DataDir
		case "dbname":
			cfg.DBName = cli.DBName
		case "sync":
			cfg.Sync = cli.Sync
		case "peerhost":
			cfg.PeerHost = cli.PeerHost
		case "peerport":
			cfg.PeerPort = cli.PeerPort
		case "rpcuser":
			cfg.RPCUser = cli.RPCUser
		case "rpcpass":
			cfg.RPCPass = cli.RPCPass
		case "wsport":
			cfg.WSPort = cli.WSPort
		case "allowedips":
			cfg.AllowedIPs = cli.AllowedIPs
		case "connectkey":
			cfg.ConnectKey = cli.ConnectKey
		case "tlscertfile":
			cfg.TLSCertFile = cli.TLSCertFile
		case "tlskeyfile":
			cfg.TLSKeyFile = cli.TLSKeyFile
		case "loglevel":
			cfg.LogLevel = cli.LogLevel
		case "logformat":
			cfg.LogFormat = cli.LogFormat
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultDataDir(network string) (string, error) {
	name := defaultDataDirName
	if network != "" {
		name += "_" + strings.ToLower(network)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, "."+name), nil
}

// loadConfigFile decodes path into cfg. A missing file is only an
// error when the path was given explicitly.
func loadConfigFile(path string, cfg *coinSocketConfig, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *coinSocketConfig, lookupEnv func(string) (string, bool)) error {
	if lookupEnv == nil {
		return nil
	}
	overrides := map[string]*string{
		"COINSOCKET_NETWORK":     &cfg.Network,
		"COINSOCKET_DATADIR":     &cfg.DataDir,
		"COINSOCKET_DBNAME":      &cfg.DBName,
		"COINSOCKET_PEERHOST":    &cfg.PeerHost,
		"COINSOCKET_PEERPORT":    &cfg.PeerPort,
		"COINSOCKET_RPCUSER":     &cfg.RPCUser,
		"COINSOCKET_RPCPASS":     &cfg.RPCPass,
		"COINSOCKET_WSPORT":      &cfg.WSPort,
		"COINSOCKET_ALLOWEDIPS":  &cfg.AllowedIPs,
		"COINSOCKET_CONNECTKEY":  &cfg.ConnectKey,
		"COINSOCKET_TLSCERTFILE": &cfg.TLSCertFile,
		"COINSOCKET_TLSKEYFILE":  &cfg.TLSKeyFile,
		"COINSOCKET_LOGLEVEL":    &cfg.LogLevel,
		"COINSOCKET_LOGFORMAT":   &cfg.LogFormat,
	}
	for key, field := range overrides {
		if val, ok := lookupEnv(key); ok && val != "" {
			*field = val
		}
	}

	if val, ok := lookupEnv("COINSOCKET_SYNC"); ok && val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("COINSOCKET_SYNC: %w", err)
		}
		cfg.Sync = enabled
	}
	return nil
}

func (c *coinSocketConfig) validate() error {
	if c.Network == "" {
		return errMissingNetwork
	}
	c.Network = strings.ToLower(c.Network)
	params, err := selectNetwork(c.Network)
	if err != nil {
		return err
	}
	c.params = params

	if c.DBName == "" {
		return errors.New("missing dbname")
	}
	if c.PeerPort == "" {
		c.PeerPort = defaultRPCPorts[params.Name]
	}
	if c.WSPort == "" {
		return errors.New("missing wsport")
	}

	allowed, err := regexp.Compile(c.AllowedIPs)
	if err != nil {
		return fmt.Errorf("allowedips: %w", err)
	}
	c.allowed = allowed

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tlscertfile and tlskeyfile must be set together")
	}

	if c.ConnectKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(c.ConnectKey), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("connectkey: %w", err)
		}
		c.connectKeyHash = hash
	}

	for name, channels := range c.ChannelSets {
		if name == "" || len(channels) == 0 {
			return fmt.Errorf("channel set %q has no channels", name)
		}
	}
	return nil
}

func selectNetwork(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

func (c *coinSocketConfig) databasePath() string {
	return filepath.Join(c.DataDir, c.DBName+".db")
}
