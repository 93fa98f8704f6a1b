// Package indicator computes technical indicator values from OHLCV bars.
// A bot's indicator configuration is an insertion-ordered JSON object of
// indicator name to parameters; the order matters because the entry path
// takes the first BUY in configuration order.
package indicator

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Supported indicator names as they appear in bot configuration.
const (
	NameRSI        = "RSI"
	NameMACD       = "MACD"
	NameSMA        = "SMA"
	NameEMA        = "EMA"
	NameBollinger  = "Bollinger Bands"
	NameStochastic = "Stochastic"
	NameOBV        = "OBV"
)

// Config is one configured indicator. Params holds the numeric parameters
// from the bot's JSON ("period", "oversold", ...); missing keys fall back to
// per-indicator defaults.
type Config struct {
	Name   string
	Params map[string]float64
}

// Param returns a parameter value or def when absent.
func (c Config) Param(key string, def float64) float64 {
	if v, ok := c.Params[key]; ok {
		return v
	}
	return def
}

// ParseConfig decodes a bot's indicators JSON object preserving key
// insertion order. Parameter objects must be flat numeric maps.
func ParseConfig(raw []byte) ([]Config, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("indicator config is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse indicator config: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("indicator config must be a JSON object, got %v", tok)
	}

	var configs []Config
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse indicator config: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("parse indicator config: unexpected key %v", keyTok)
		}

		var rawParams map[string]json.Number
		if err := dec.Decode(&rawParams); err != nil {
			return nil, fmt.Errorf("parse params for indicator %q: %w", name, err)
		}
		params := make(map[string]float64, len(rawParams))
		for k, n := range rawParams {
			v, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("indicator %q param %q: %w", name, k, err)
			}
			params[k] = v
		}
		configs = append(configs, Config{Name: name, Params: params})
	}

	if len(configs) == 0 {
		return nil, fmt.Errorf("indicator config has no indicators")
	}
	return configs, nil
}
