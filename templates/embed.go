// Package templates embeds the example files written by "task_executor init".
package templates

import "embed"

//go:embed contract.yaml tasks.md policy.yaml
var FS embed.FS
