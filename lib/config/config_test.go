package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtractConfigurationDefaults(t *testing.T) {
	conf, err := ExtractConfiguration("")
	if err != nil {
		t.Fatalf("Error extracting default configuration:%v", err)
	}

	if conf.Network != "signet" || conf.Port != "3030" {
		t.Errorf("Defaults:%+v", conf)
	}
	if conf.Caps.ReceiveCap != conf.Caps.LightningCap {
		t.Errorf("ReceiveCap:%d should default to LightningCap:%d", conf.Caps.ReceiveCap, conf.Caps.LightningCap)
	}
	if conf.Onchain.Ceiling != 1_000_000 {
		t.Errorf("Onchain ceiling:%d expected:1000000", conf.Onchain.Ceiling)
	}
}

func TestExtractConfigurationFile(t *testing.T) {
	body := `{
		"network": "testnet",
		"port": "8080",
		"caps": {"onchain_cap": 500000, "lightning_cap": 200000, "receive_cap": 100000, "channel_slots": 2},
		"bitcoind": {"url": "node:18332", "user": "u", "pass": "p"}
	}`

	path := filepath.Join(t.TempDir(), "conf.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	conf, err := ExtractConfiguration(path)
	if err != nil {
		t.Fatalf("Error extracting configuration:%v", err)
	}

	if conf.Network != "testnet" || conf.Port != "8080" {
		t.Errorf("Config:%+v", conf)
	}
	if conf.Caps.OnchainCap != 500_000 || conf.Caps.ReceiveCap != 100_000 || conf.Caps.ChannelSlots != 2 {
		t.Errorf("Caps:%+v", conf.Caps)
	}
	if conf.Chain.URL != "node:18332" {
		t.Errorf("Chain:%+v", conf.Chain)
	}
	// untouched sections keep their defaults
	if conf.Channel.Ceiling != ChannelDefault.Ceiling {
		t.Errorf("Channel:%+v", conf.Channel)
	}
}

func TestExtractConfigurationEnvOverrides(t *testing.T) {
	t.Setenv("FAUCET_NETWORK", "regtest")
	t.Setenv("FAUCET_PORT", "9999")
	t.Setenv("FAUCET_BITCOIND", `{"url":"env:18443","user":"envuser","pass":"envpass"}`)

	conf, err := ExtractConfiguration("")
	if err != nil {
		t.Fatalf("Error extracting configuration:%v", err)
	}

	if conf.Network != "regtest" || conf.Port != "9999" {
		t.Errorf("Config:%+v", conf)
	}
	if conf.Chain.URL != "env:18443" || conf.Chain.User != "envuser" {
		t.Errorf("Chain:%+v", conf.Chain)
	}
}

func TestExtractConfigurationInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		body string
		want string
	}{
		{
			"unknown network",
			map[string]string{"FAUCET_NETWORK": "litecoin"},
			"",
			"unknown network",
		},
		{
			"bad bitcoind env",
			map[string]string{"FAUCET_BITCOIND": "not-json"},
			"",
			"FAUCET_BITCOIND",
		},
		{
			"min channel above ceiling",
			nil,
			`{"min_channel_size": 99000000}`,
			"min_channel_size",
		},
		{
			"missing rpc credentials",
			nil,
			`{"bitcoind": {"url": "node:18332", "user": "", "pass": ""}}`,
			"invalid config",
		},
		{
			"staleness below rpc timeout",
			nil,
			`{"reconcile": {"interval": 30, "staleness": 50}}`,
			"staleness",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for k, v := range c.env {
				t.Setenv(k, v)
			}

			path := ""
			if c.body != "" {
				path = filepath.Join(t.TempDir(), "conf.json")
				if err := os.WriteFile(path, []byte(c.body), 0o600); err != nil {
					t.Fatal(err)
				}
			}

			_, err := ExtractConfiguration(path)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("Error:%v expected to mention %q", err, c.want)
			}
		})
	}
}
