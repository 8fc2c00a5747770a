// Package defaults provides embedded default assets (chat prompt template
// and config).
package defaults

import _ "embed"

//go:embed default_chat_prompt.md
var DefaultChatPrompt string

//go:embed default_config.json
var DefaultConfigJSON []byte
