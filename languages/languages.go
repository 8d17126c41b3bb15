// Package languages embeds the per-language taint definitions: sources,
// sanitizers and sinks. Each YAML file is validated against schema.json
// when the registry loads, so adding a language is a matter of dropping in
// a new *.yaml file.
package languages

import "embed"

// FS holds every *.yaml definition file plus schema.json.
//
//go:embed *.yaml schema.json
var FS embed.FS
