package errors

import "sort"

// Template defines a registered error code.
type Template struct {
	Category Category
	Message  string
	Detail   string
}

var registry = map[string]Template{
	// Configuration (C1xx)
	"C101": {
		Category: CategoryConfig,
		Message:  "Configuration file not found",
		Detail:   "connmux looks for connmux.json, connmux.yaml, connmux.yml or connmux.toml in the working directory.",
	},
	"C102": {
		Category: CategoryConfig,
		Message:  "Configuration file could not be parsed",
		Detail:   "JSON and YAML files are decoded with the same field names; TOML uses the same keys.",
	},
	"C103": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},
	"C104": {
		Category: CategoryConfig,
		Message:  "Unsupported configuration format",
		Detail:   "Supported extensions are .json, .yaml, .yml and .toml.",
	},

	// Command line (C2xx)
	"C201": {
		Category: CategoryCLI,
		Message:  "Invalid flag value",
	},
	"C202": {
		Category: CategoryCLI,
		Message:  "Missing required flag",
	},

	// Network and archive (C3xx)
	"C301": {
		Category: CategoryNetwork,
		Message:  "Could not reach the connmux server",
		Detail:   "The WebSocket dial failed before the upgrade completed.",
	},
	"C302": {
		Category: CategoryNetwork,
		Message:  "Server stopped unexpectedly",
	},
	"C303": {
		Category: CategoryArchive,
		Message:  "Archive setup failed",
		Detail:   "The S3 archive needs a bucket and AWS credentials in the environment.",
	},
}

// Codes returns every registered code in order.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Lookup returns the template registered for code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
