// Package errors provides coded, actionable errors for the connmux CLI
// and its configuration loader.
//
// # Error Codes
//
// Each code (e.g. "C101") maps to a category, a short message and a
// longer explanation:
//   - C1xx: configuration files
//   - C2xx: command-line usage
//   - C3xx: network and archive setup
//
// # Usage
//
//	err := errors.New("C103").
//	    WithFile("connmux.yaml").
//	    WithSuggestion("Set server.path to a path starting with /")
//
//	errors.PrintError(err)
//	// ERROR C103: Invalid configuration value
//	//
//	//   connmux.yaml
//	//
//	//   Hint: Set server.path to a path starting with /
package errors
