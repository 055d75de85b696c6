// Package registry holds the instrument catalog and the fleet's
// subscription claims: which worker is responsible for which instrument
// stream, and the pending pool claims are drawn from.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Instrument describes one tradable security the feed can subscribe to.
type Instrument struct {
	SecurityID uint32 `yaml:"security_id"`
	Segment    uint8  `yaml:"segment"`
	Symbol     string `yaml:"symbol"`
	Exchange   string `yaml:"exchange"`
	Mode       Mode   `yaml:"mode"`
}

type instrumentsFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstrumentsFromYAML reads the instrument catalog from a YAML file.
func LoadInstrumentsFromYAML(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}

	var file instrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments file: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, fmt.Errorf("instruments file %s lists no instruments", path)
	}

	for i := range file.Instruments {
		if file.Instruments[i].Mode == "" {
			file.Instruments[i].Mode = ModeQuote
		}
		if !file.Instruments[i].Mode.Valid() {
			return nil, fmt.Errorf("instrument %s: unknown mode %q", file.Instruments[i].Symbol, file.Instruments[i].Mode)
		}
	}
	return file.Instruments, nil
}

// LoadInstrumentsWithFallback loads the YAML catalog, falling back to the
// built-in default set when path is empty or missing.
func LoadInstrumentsWithFallback(path string) ([]Instrument, error) {
	if path == "" {
		return DefaultInstruments(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultInstruments(), nil
	}
	return LoadInstrumentsFromYAML(path)
}

// DefaultInstruments is a small NSE equity set used when no catalog file
// is configured.
func DefaultInstruments() []Instrument {
	return []Instrument{
		{SecurityID: 2885, Segment: 1, Symbol: "RELIANCE", Exchange: "NSE", Mode: ModeFull},
		{SecurityID: 11536, Segment: 1, Symbol: "TCS", Exchange: "NSE", Mode: ModeQuote},
		{SecurityID: 1333, Segment: 1, Symbol: "HDFCBANK", Exchange: "NSE", Mode: ModeFull},
		{SecurityID: 1594, Segment: 1, Symbol: "INFY", Exchange: "NSE", Mode: ModeQuote},
		{SecurityID: 4963, Segment: 1, Symbol: "ICICIBANK", Exchange: "NSE", Mode: ModeQuote},
		{SecurityID: 10604, Segment: 1, Symbol: "BHARTIARTL", Exchange: "NSE", Mode: ModeTicker},
		{SecurityID: 3045, Segment: 1, Symbol: "SBIN", Exchange: "NSE", Mode: ModeQuote},
		{SecurityID: 1922, Segment: 1, Symbol: "KOTAKBANK", Exchange: "NSE", Mode: ModeTicker},
	}
}

// InstrumentMap indexes instruments by (segment, security id) for symbol
// lookup on the hot path.
type InstrumentMap struct {
	byKey map[uint64]Instrument
}

func NewInstrumentMap(instruments []Instrument) *InstrumentMap {
	m := &InstrumentMap{byKey: make(map[uint64]Instrument, len(instruments))}
	for _, inst := range instruments {
		m.byKey[instrumentKey(inst.Segment, inst.SecurityID)] = inst
	}
	return m
}

func instrumentKey(segment uint8, securityID uint32) uint64 {
	return uint64(segment)<<32 | uint64(securityID)
}

// Symbol resolves a human-readable symbol, falling back to a synthetic
// one for instruments outside the catalog.
func (m *InstrumentMap) Symbol(segment uint8, securityID uint32) string {
	if inst, ok := m.byKey[instrumentKey(segment, securityID)]; ok {
		return inst.Symbol
	}
	return fmt.Sprintf("SEC:%d:%d", segment, securityID)
}

// Lookup returns the catalog entry for (segment, security id).
func (m *InstrumentMap) Lookup(segment uint8, securityID uint32) (Instrument, bool) {
	inst, ok := m.byKey[instrumentKey(segment, securityID)]
	return inst, ok
}

func (m *InstrumentMap) Len() int { return len(m.byKey) }
