package models

import "fmt"

// ProcessType selects what a batch does with its files.
type ProcessType string

const (
	ProcessParse   ProcessType = "parse"
	ProcessExtract ProcessType = "extract"
	ProcessConvert ProcessType = "convert"
	ProcessAnalyze ProcessType = "analyze"
)

// ParseProcessType validates a process type string. Empty means parse.
func ParseProcessType(s string) (ProcessType, error) {
	switch ProcessType(s) {
	case "":
		return ProcessParse, nil
	case ProcessParse, ProcessExtract, ProcessConvert, ProcessAnalyze:
		return ProcessType(s), nil
	}
	return "", fmt.Errorf("unknown process type: %q", s)
}

// ParseOptions is the option bag forwarded verbatim to the parsing backend.
type ParseOptions struct {
	Backend       string            `json:"backend,omitempty" yaml:"backend"`
	Lang          string            `json:"lang,omitempty" yaml:"lang"`
	Method        string            `json:"method,omitempty" yaml:"method"`
	FormulaEnable *bool             `json:"formula_enable,omitempty" yaml:"formula_enable"`
	TableEnable   *bool             `json:"table_enable,omitempty" yaml:"table_enable"`
	Device        string            `json:"device,omitempty" yaml:"device"`
	VRAM          int               `json:"vram,omitempty" yaml:"vram"`
	Source        string            `json:"source,omitempty" yaml:"source"`
	Extra         map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Merge returns o with zero-valued fields filled in from defaults.
func (o ParseOptions) Merge(defaults ParseOptions) ParseOptions {
	if o.Backend == "" {
		o.Backend = defaults.Backend
	}
	if o.Lang == "" {
		o.Lang = defaults.Lang
	}
	if o.Method == "" {
		o.Method = defaults.Method
	}
	if o.FormulaEnable == nil {
		o.FormulaEnable = defaults.FormulaEnable
	}
	if o.TableEnable == nil {
		o.TableEnable = defaults.TableEnable
	}
	if o.Device == "" {
		o.Device = defaults.Device
	}
	if o.VRAM == 0 {
		o.VRAM = defaults.VRAM
	}
	if o.Source == "" {
		o.Source = defaults.Source
	}
	if len(defaults.Extra) > 0 {
		merged := make(map[string]string, len(defaults.Extra)+len(o.Extra))
		for k, v := range defaults.Extra {
			merged[k] = v
		}
		for k, v := range o.Extra {
			merged[k] = v
		}
		o.Extra = merged
	}
	return o
}

// Bool is a helper for the optional toggles.
func Bool(v bool) *bool {
	return &v
}
