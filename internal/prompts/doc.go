// Package prompts contains the prompt text evchat sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are interpolated with fmt.Sprintf and validated by
// tests. Each prompt category has its own file (system.go, knowledge.go)
// with an exported function that accepts the dynamic parts and returns
// the interpolated prompt.
package prompts
