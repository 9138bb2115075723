package collateral

import (
	"fmt"
	"os"
	"strings"

	fpmath "TroveLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk description of the collateral set.
type FileConfig struct {
	Stablecoin  string       `yaml:"stablecoin"`
	Collaterals []TypeConfig `yaml:"collaterals"`
}

// TypeConfig is one collateral entry. Ratios are decimal strings.
type TypeConfig struct {
	Symbol      string       `yaml:"symbol"`
	Token       string       `yaml:"token"`
	Decimals    uint8        `yaml:"decimals"`
	SafetyRatio string       `yaml:"safety_ratio"`
	Whitelisted *bool        `yaml:"whitelisted"`
	Oracle      OracleConfig `yaml:"oracle"`
}

// OracleConfig carries the expected decimals of each price source.
type OracleConfig struct {
	PrimaryDecimals   uint8 `yaml:"primary_decimals"`
	SecondaryDecimals uint8 `yaml:"secondary_decimals"`
}

// LoadFile reads and validates a collateral YAML file.
func LoadFile(path string) (FileConfig, error) {
	if strings.TrimSpace(path) == "" {
		return FileConfig{}, fmt.Errorf("collateral config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("open collateral config: %w", err)
	}
	defer file.Close()

	var cfg FileConfig
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("decode collateral config: %w", err)
	}
	return Parse(cfg)
}

// Parse normalizes and validates a decoded config.
func Parse(cfg FileConfig) (FileConfig, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (cfg *FileConfig) normalize() {
	cfg.Stablecoin = strings.TrimSpace(cfg.Stablecoin)
	for i := range cfg.Collaterals {
		c := &cfg.Collaterals[i]
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		c.Token = strings.TrimSpace(c.Token)
		c.SafetyRatio = strings.TrimSpace(c.SafetyRatio)
		if c.SafetyRatio == "" {
			c.SafetyRatio = "1"
		}
		if c.Whitelisted == nil {
			yes := true
			c.Whitelisted = &yes
		}
		if c.Decimals == 0 {
			c.Decimals = 18
		}
		if c.Oracle.PrimaryDecimals == 0 {
			c.Oracle.PrimaryDecimals = 8
		}
		if c.Oracle.SecondaryDecimals == 0 {
			c.Oracle.SecondaryDecimals = 6
		}
	}
}

func (cfg FileConfig) validate() error {
	if !common.IsHexAddress(cfg.Stablecoin) {
		return fmt.Errorf("stablecoin: invalid address %q", cfg.Stablecoin)
	}
	if len(cfg.Collaterals) == 0 {
		return fmt.Errorf("at least one collateral type is required")
	}
	seen := make(map[string]struct{}, len(cfg.Collaterals))
	for i, c := range cfg.Collaterals {
		if c.Symbol == "" {
			return fmt.Errorf("collaterals[%d]: symbol required", i)
		}
		if !common.IsHexAddress(c.Token) {
			return fmt.Errorf("collaterals[%d] %s: invalid token address %q", i, c.Symbol, c.Token)
		}
		key := strings.ToLower(c.Token)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("collaterals[%d] %s: duplicate token", i, c.Symbol)
		}
		seen[key] = struct{}{}
		if strings.EqualFold(c.Token, cfg.Stablecoin) {
			return fmt.Errorf("collaterals[%d] %s: token equals stablecoin", i, c.Symbol)
		}
		ratio, err := fpmath.ParseDecimal(c.SafetyRatio)
		if err != nil {
			return fmt.Errorf("collaterals[%d] %s: safety_ratio: %w", i, c.Symbol, err)
		}
		if ratio.IsZero() || ratio.Gt(fpmath.MustParseDecimal("2")) {
			return fmt.Errorf("collaterals[%d] %s: safety_ratio must be in (0, 2]", i, c.Symbol)
		}
		if c.Decimals > 36 {
			return fmt.Errorf("collaterals[%d] %s: decimals above 36", i, c.Symbol)
		}
	}
	return nil
}

// StablecoinAddress returns the parsed stablecoin token.
func (cfg FileConfig) StablecoinAddress() common.Address {
	return common.HexToAddress(cfg.Stablecoin)
}

// TokenAddress returns the parsed token of one entry.
func (c TypeConfig) TokenAddress() common.Address {
	return common.HexToAddress(c.Token)
}

// Ratio returns the parsed safety ratio. Only valid after Parse.
func (c TypeConfig) Ratio() *uint256.Int {
	return fpmath.MustParseDecimal(c.SafetyRatio)
}
