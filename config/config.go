// Package config loads, validates, and round-trips the declarative .cfg
// document a qudicore process starts from: global runtime settings and the
// gui/logic/hardware module tables.
package config

import (
	"fmt"
	"regexp"
)

// Global holds the top-level runtime settings every process needs
// regardless of which modules it runs.
type Global struct {
	StartupModules            []string             `yaml:"startup_modules"`
	RemoteModulesServer        *RemoteServerConfig  `yaml:"remote_modules_server"`
	NamespaceServerPort        int                  `yaml:"namespace_server_port"`
	ForceRemoteCallsByValue    bool                 `yaml:"force_remote_calls_by_value"`
	HideManagerWindow          bool                 `yaml:"hide_manager_window"`
	Stylesheet                 string               `yaml:"stylesheet"`
	DefaultDataDir             *string              `yaml:"default_data_dir"`
	DailyDataDirs               bool                `yaml:"daily_data_dirs"`
	ExtensionPaths             []string             `yaml:"extension_paths"`
	TracingEndpoint            string               `yaml:"tracing_endpoint"`

	// Extra preserves global keys the schema allows but this struct does
	// not name, so Dump re-emits them instead of silently dropping them.
	Extra map[string]any `yaml:",inline"`
}

// RemoteServerConfig is global.remote_modules_server: the listener this
// process exposes its own allow_remote modules on.
type RemoteServerConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	CertFile string `yaml:"certfile"`
	KeyFile  string `yaml:"keyfile"`
}

// ModuleDescriptor is one entry of the gui/logic/hardware maps: either a
// local module (Class set) or a remote one (NativeModuleName set). Exactly
// one of the two shapes is populated; Validate enforces that Options and
// Connect stay empty on a remote entry.
type ModuleDescriptor struct {
	// Local module fields.
	Class       string         `yaml:"module.Class,omitempty"`
	AllowRemote bool           `yaml:"allow_remote"`
	Options     map[string]any `yaml:"options"`
	Connect     map[string]string `yaml:"connect"`

	// Remote module fields.
	NativeModuleName string `yaml:"native_module_name,omitempty"`
	Address          string `yaml:"address,omitempty"`
	Port             int    `yaml:"port,omitempty"`
	CertFile         string `yaml:"certfile,omitempty"`
	KeyFile          string `yaml:"keyfile,omitempty"`
}

// IsRemote reports whether this descriptor names a remote module rather
// than a local, implementation_ref-resolved one.
func (m ModuleDescriptor) IsRemote() bool {
	return m.NativeModuleName != ""
}

// Config is the fully decoded, schema-validated .cfg document.
type Config struct {
	Global   Global                      `yaml:"global"`
	GUI      map[string]ModuleDescriptor `yaml:"gui"`
	Logic    map[string]ModuleDescriptor `yaml:"logic"`
	Hardware map[string]ModuleDescriptor `yaml:"hardware"`

	// Extra preserves top-level document keys the schema allows but this
	// struct does not name (additionalProperties is left open at the
	// document root for forward compatibility), so Dump re-emits them
	// instead of silently dropping them on the YAML->struct->YAML round
	// trip.
	Extra map[string]any `yaml:",inline"`
}

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationError describes one problem found while validating a decoded
// document, in addition to whatever the JSON-Schema validator itself
// reports.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// ValidationErrors collects every problem found in one pass, so a caller
// gets the full list instead of stopping at the first one.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d configuration errors, first: %s", len(e), e[0].Error())
}

// checkSemantics runs the validation rules the JSON-Schema document cannot
// express on its own: module-name syntax, cross-kind name uniqueness, and
// the local/remote field-exclusivity rule.
func checkSemantics(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	seen := map[string]string{}

	sections := []struct {
		kind string
		mods map[string]ModuleDescriptor
	}{
		{"gui", cfg.GUI},
		{"logic", cfg.Logic},
		{"hardware", cfg.Hardware},
	}

	for _, section := range sections {
		for name, desc := range section.mods {
			path := fmt.Sprintf("%s.%s", section.kind, name)
			if !moduleNamePattern.MatchString(name) {
				errs = append(errs, &ValidationError{Path: path, Reason: "module name must match [A-Za-z_][A-Za-z0-9_]*"})
			}
			if prior, ok := seen[name]; ok {
				errs = append(errs, &ValidationError{Path: path, Reason: fmt.Sprintf("duplicate module name, already declared under %q", prior)})
			} else {
				seen[name] = section.kind
			}

			if desc.IsRemote() {
				if len(desc.Options) > 0 || len(desc.Connect) > 0 {
					errs = append(errs, &ValidationError{Path: path, Reason: "remote module descriptors may not set options or connect"})
				}
			} else if desc.Class == "" {
				errs = append(errs, &ValidationError{Path: path, Reason: "local module descriptor requires module.Class"})
			}
		}
	}
	return errs
}

// globalDefaults are applied to the decoded document before validation, so
// that "absent" and "explicitly set to the zero value" never collide the
// way they would if defaults were patched onto the typed Config after the
// fact (a YAML-absent bool and an explicit `false` are otherwise
// indistinguishable once unmarshaled).
var globalDefaults = map[string]any{
	"startup_modules":            []any{},
	"remote_modules_server":      nil,
	"namespace_server_port":      18861,
	"force_remote_calls_by_value": true,
	"hide_manager_window":        false,
	"stylesheet":                 "qdark.qss",
	"default_data_dir":           nil,
	"daily_data_dirs":            true,
	"extension_paths":            []any{},
}
