// Package profile holds the static profile document sent to the model as its
// system instruction.
package profile

import (
	_ "embed"
)

//go:embed context.md
var document string

// Context returns the profile document verbatim.
func Context() string {
	return document
}
