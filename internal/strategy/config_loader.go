package strategy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy types accepted in configuration.
const (
	TypeRSI      = "rsi"
	TypeScalping = "scalping"
	TypeMACross  = "ma_cross"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Type       string                 `yaml:"type"`
	Symbol     string                 `yaml:"symbol"`
	Interval   string                 `yaml:"interval"`
	Parameters map[string]interface{} `yaml:"parameters"`
	IsActive   bool                   `yaml:"is_active"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file. A missing file yields no entries.
func LoadConfig(path string) ([]Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, c := range file.Strategies {
		if c.Symbol == "" {
			return nil, fmt.Errorf("parse %s: strategy %d has no symbol", path, i)
		}
	}
	return file.Strategies, nil
}

// Resolve picks the active entry for each symbol; symbols without one get defaultType
// with default parameters.
func Resolve(configs []Config, symbols []string, defaultType string) []Config {
	bySymbol := make(map[string]Config, len(configs))
	for _, c := range configs {
		if !c.IsActive {
			continue
		}
		bySymbol[strings.ToUpper(c.Symbol)] = c
	}

	out := make([]Config, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		c, ok := bySymbol[sym]
		if !ok {
			c = Config{ID: strings.ToLower(sym) + "-" + defaultType, Type: defaultType, IsActive: true}
		}
		c.Symbol = sym
		out = append(out, c)
	}
	return out
}

// New builds the strategy engine described by cfg.
func New(cfg Config) (*Engine, error) {
	var eval Evaluator
	rsi := NewRSI(cfg.intParam("period", 14), cfg.floatParam("oversold", 30), cfg.floatParam("overbought", 70))
	switch strings.ToLower(cfg.Type) {
	case "", TypeRSI:
		eval = rsi
	case TypeScalping:
		eval = NewScalping(rsi, cfg.intParam("ema_period", 20))
	case TypeMACross:
		eval = NewMACross(cfg.intParam("fast_period", 12), cfg.intParam("slow_period", 26))
	default:
		return nil, fmt.Errorf("unknown strategy type %q for %s", cfg.Type, cfg.Symbol)
	}
	return NewEngine(strings.ToUpper(cfg.Symbol), eval), nil
}

func (c Config) intParam(key string, def int) int {
	switch v := c.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (c Config) floatParam(key string, def float64) float64 {
	switch v := c.Parameters[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
