package pipeline

import "embed"

// builtinPresets embeds the presets bundled with the binary.
//
//go:embed presets/*.yaml
var builtinPresets embed.FS
