package callback

import "strings"

// Start modes understood by the engine commands.
const (
	ModeDS  = "ds"
	ModeCDS = "cds"
)

// EngineTable maps single-letter engine codes to engine commands.
type EngineTable struct {
	Engines map[string]string // code -> command, e.g. "i" -> "itachi"
	Default string            // used for unknown codes
}

// DefaultEngineTable returns the built-in engine codes.
func DefaultEngineTable() EngineTable {
	return EngineTable{
		Engines: map[string]string{
			"i": "itachi",
			"c": "itachic",
			"g": "itachig",
		},
		Default: "itachi",
	}
}

// Lookup resolves a code, falling back to the default engine.
func (t EngineTable) Lookup(code string) string {
	if cmd, ok := t.Engines[code]; ok {
		return cmd
	}
	return t.Default
}

// Code returns the code for an engine command, or "" if it is not in the table.
func (t EngineTable) Code(engine string) string {
	for code, cmd := range t.Engines {
		if cmd == engine {
			return code
		}
	}
	return ""
}

// EngineMode is a parsed "<code>.<mode>" value.
type EngineMode struct {
	Engine string // engine command; empty when Legacy
	Mode   string // command-line flag, "--ds" or "--cds"
	Legacy bool   // value had no engine code; the caller picks the engine
}

// ParseEngineMode parses an engine+mode value such as "i.ds" or "c.cds".
// Unknown engine codes resolve to the table's default engine and unknown or
// missing modes to "ds". A value without a "." is the legacy mode-only form
// ("ds" or "cds"); the result has Legacy set and no Engine.
func ParseEngineMode(value string, table EngineTable) EngineMode {
	code, mode, found := strings.Cut(value, ".")
	if !found {
		return EngineMode{Mode: modeFlag(value), Legacy: true}
	}
	return EngineMode{
		Engine: table.Lookup(code),
		Mode:   modeFlag(mode),
	}
}

// EncodeEngineMode renders the value for a button, the inverse of
// ParseEngineMode for known codes.
func EncodeEngineMode(code, mode string) string {
	return code + "." + normalizeMode(mode)
}

func normalizeMode(mode string) string {
	mode = strings.TrimPrefix(mode, "--")
	if mode == ModeCDS {
		return ModeCDS
	}
	return ModeDS
}

func modeFlag(mode string) string {
	return "--" + normalizeMode(mode)
}
