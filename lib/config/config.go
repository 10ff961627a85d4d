// Package config provides helper functionality to read the faucet service configuration from a JSON config file or
// OS ENV variables. The default configuration is overridden first by:
//
// - a valid JSON config file (see cmd/conf.json for a sample) and then by
//
// - OS ENV variables: prefixed with FAUCET_ (ie. FAUCET_NETWORK, FAUCET_PORT, ...). All OS ENV variables should be
// valid strings, except for FAUCET_BITCOIND and FAUCET_LND which should be strings with a valid JSON format. For
// example:
// # export FAUCET_BITCOIND='{"url":"localhost:38332","user":"faucet","pass":"hunter2"}'
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"faucetd/lib/util"
)

// Default configuration variables.
var (
	NetworkDefault    = "signet"
	RestfulEPDefault  = ""
	PortDefault       = "3030"
	SSLPortDefault    = ""
	SSLCertDefault    = ""
	SSLKeyDefault     = ""
	DBTypeDefault     = ""
	DBConnDefault     = ""
	MbTypeDefault     = ""
	MbConnDefault     = ""
	ChainDefault      = ChainConfig{URL: "localhost:38332", User: "faucet", Pass: "faucet"}
	LnDefault         = LnConfig{Host: "localhost", Port: 10009, TLSCertPath: "tls.cert", MacaroonPath: "admin.macaroon"}
	CapsDefault       = CapsConfig{OnchainCap: 100_000_000, LightningCap: 10_000_000, ChannelSlots: 16}
	RateDefault       = RateConfig{WindowSec: 86_400} // the faucet remembers one day of payouts per key
	OnchainDefault    = VariantConfig{Ceiling: 1_000_000, RateRequests: 10, RateSats: 1_000_000, RPCTimeoutSec: 30}
	LightningDefault  = VariantConfig{Ceiling: 1_000_000, RateRequests: 20, RateSats: 10_000_000, RPCTimeoutSec: 60}
	InvoiceDefault    = VariantConfig{Ceiling: 1_000_000, RateRequests: 100, RateSats: 0, RPCTimeoutSec: 15}
	ChannelDefault    = VariantConfig{Ceiling: 10_000_000, RateRequests: 4, RateSats: 10_000_000, RPCTimeoutSec: 120}
	ReconcileDefault  = ReconcileConfig{IntervalSec: 30, StalenessSec: 180}
	MinChannelDefault = uint64(100_000)
)

// Networks lists the bitcoin networks the faucet may be configured for.
var Networks = []string{"mainnet", "testnet", "testnet4", "signet", "simnet", "regtest"}

// ChainConfig defines the connection to the bitcoind wallet RPC. URL contains host:port (ie. localhost:38332) and
// User/Pass the RPC basic auth credentials.
type ChainConfig struct {
	URL  string `json:"url" validate:"required"`
	User string `json:"user" validate:"required"`
	Pass string `json:"pass" validate:"required"`
}

// LnConfig defines the connection to the lnd gRPC endpoint. The macaroon must carry permissions for sending
// payments, creating invoices and opening channels.
type LnConfig struct {
	Host         string `json:"host" validate:"required"`
	Port         int    `json:"port" validate:"required"`
	TLSCertPath  string `json:"tls_cert_path" validate:"required"`
	MacaroonPath string `json:"macaroon_path" validate:"required"`
}

// CapsConfig holds the shared-resource capacity caps the ledger enforces. ReceiveCap bounds outstanding unpaid
// invoices; when zero it takes the value of LightningCap.
type CapsConfig struct {
	OnchainCap   uint64 `json:"onchain_cap" validate:"required"`
	LightningCap uint64 `json:"lightning_cap" validate:"required"`
	ReceiveCap   uint64 `json:"receive_cap"`
	ChannelSlots uint64 `json:"channel_slots" validate:"required"`
}

// RateConfig holds the sliding window length shared by the per-key rate limiters.
type RateConfig struct {
	WindowSec int `json:"rate_window" validate:"gt=0"`
}

// VariantConfig holds the per-request-variant knobs: the per-request amount ceiling, the per-key limits within the
// rate window (number of requests, and sats; zero disables the sats check) and the backend RPC timeout.
type VariantConfig struct {
	Ceiling       uint64 `json:"amount_ceiling" validate:"gt=0"`
	RateRequests  int    `json:"rate_limit_per_key" validate:"gt=0"`
	RateSats      uint64 `json:"rate_sats_per_key"`
	RPCTimeoutSec int    `json:"rpc_timeout" validate:"gt=0"`
}

// ReconcileConfig controls the reconciliation sweeper: how often it runs and how old a Held reservation must be
// before its backend is queried for ground truth.
type ReconcileConfig struct {
	IntervalSec  int `json:"interval" validate:"gt=0"`
	StalenessSec int `json:"staleness" validate:"gt=0"`
}

// ServiceConfig contains the required fields for the faucet service: network, API endpoint and ports, SSL cert and
// key, optional journal database and message broker, backend daemon connections, capacity caps, rate limits and
// per-variant settings.
type ServiceConfig struct {
	Network         string          `json:"network" validate:"required"`
	RestfulEndpoint string          `json:"endpoint"`
	Port            string          `json:"port"`
	SSLPort         string          `json:"sslport"`
	SSLCert         string          `json:"sslcert"`
	SSLKey          string          `json:"sslkey"`
	DBType          string          `json:"dbtype"`
	DBConn          string          `json:"dbconn"`
	MbType          string          `json:"mbtype"`
	MbConn          string          `json:"mbconn"`
	Chain           ChainConfig     `json:"bitcoind"`
	Ln              LnConfig        `json:"lnd"`
	Caps            CapsConfig      `json:"caps"`
	Rate            RateConfig      `json:"rate"`
	Onchain         VariantConfig   `json:"onchain"`
	Lightning       VariantConfig   `json:"lightning"`
	Invoice         VariantConfig   `json:"invoice"`
	Channel         VariantConfig   `json:"channel"`
	Reconcile       ReconcileConfig `json:"reconcile"`
	MinChannelSize  uint64          `json:"min_channel_size"`
}

// ExtractConfiguration reads from the given JSON filename, applies ENV overrides and returns the validated
// ServiceConfig or an error otherwise.
func ExtractConfiguration(filename string) (ServiceConfig, error) {
	conf := ServiceConfig{
		Network:         NetworkDefault,
		RestfulEndpoint: RestfulEPDefault,
		Port:            PortDefault,
		SSLPort:         SSLPortDefault,
		SSLCert:         SSLCertDefault,
		SSLKey:          SSLKeyDefault,
		DBType:          DBTypeDefault,
		DBConn:          DBConnDefault,
		MbType:          MbTypeDefault,
		MbConn:          MbConnDefault,
		Chain:           ChainDefault,
		Ln:              LnDefault,
		Caps:            CapsDefault,
		Rate:            RateDefault,
		Onchain:         OnchainDefault,
		Lightning:       LightningDefault,
		Invoice:         InvoiceDefault,
		Channel:         ChannelDefault,
		Reconcile:       ReconcileDefault,
		MinChannelSize:  MinChannelDefault,
	}
	// read from config file first
	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return conf, fmt.Errorf("configuration file not found: %w", err)
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(&conf); err != nil {
			return conf, fmt.Errorf("decoding configuration file: %w", err)
		}
	}
	// then override config values with OS ENV variables
	var tmp string
	if tmp = os.Getenv("FAUCET_NETWORK"); tmp != "" {
		conf.Network = tmp
	}
	if tmp = os.Getenv("FAUCET_ENDPOINT"); tmp != "" {
		conf.RestfulEndpoint = tmp
	}
	if tmp = os.Getenv("FAUCET_PORT"); tmp != "" {
		conf.Port = tmp
	}
	if tmp = os.Getenv("FAUCET_SSLPORT"); tmp != "" {
		conf.SSLPort = tmp
	}
	if tmp = os.Getenv("FAUCET_SSLCERT"); tmp != "" {
		conf.SSLCert = tmp
	}
	if tmp = os.Getenv("FAUCET_SSLKEY"); tmp != "" {
		conf.SSLKey = tmp
	}
	if tmp = os.Getenv("FAUCET_DBTYPE"); tmp != "" {
		conf.DBType = tmp
	}
	if tmp = os.Getenv("FAUCET_DBCONN"); tmp != "" {
		conf.DBConn = tmp
	}
	if tmp = os.Getenv("FAUCET_MBTYPE"); tmp != "" {
		conf.MbType = tmp
	}
	if tmp = os.Getenv("FAUCET_MBCONN"); tmp != "" {
		conf.MbConn = tmp
	}
	if tmp = os.Getenv("FAUCET_BITCOIND"); tmp != "" {
		if err := json.Unmarshal([]byte(tmp), &conf.Chain); err != nil {
			return conf, fmt.Errorf("reading bitcoind connection from OS ENV FAUCET_BITCOIND: %w", err)
		}
	}
	if tmp = os.Getenv("FAUCET_LND"); tmp != "" {
		if err := json.Unmarshal([]byte(tmp), &conf.Ln); err != nil {
			return conf, fmt.Errorf("reading lnd connection from OS ENV FAUCET_LND: %w", err)
		}
	}

	if conf.Caps.ReceiveCap == 0 {
		conf.Caps.ReceiveCap = conf.Caps.LightningCap
	}

	if err := conf.validate(); err != nil {
		return conf, err
	}

	return conf, nil
}

var validate = validator.New()

func (c *ServiceConfig) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if !util.In(Networks, c.Network) {
		return fmt.Errorf("invalid config: unknown network %q", c.Network)
	}

	if c.MinChannelSize > c.Channel.Ceiling {
		return fmt.Errorf("invalid config: min_channel_size %d above channel ceiling %d",
			c.MinChannelSize, c.Channel.Ceiling)
	}

	// a reservation must never look stale while its dispatch RPC can still be running
	for _, v := range []VariantConfig{c.Onchain, c.Lightning, c.Invoice, c.Channel} {
		if c.Reconcile.StalenessSec <= v.RPCTimeoutSec {
			return fmt.Errorf("invalid config: reconcile staleness %ds must exceed every rpc_timeout (got %ds)",
				c.Reconcile.StalenessSec, v.RPCTimeoutSec)
		}
	}

	return nil
}
