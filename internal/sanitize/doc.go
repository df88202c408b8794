// Package sanitize validates commands, environment blocks, and filesystem
// paths before they may touch a real process.
//
// The design is deny-by-default with explicit allow for structured commands:
// assistant slash-commands are whitelisted because their surface is small and
// known, while free-form shell text is screened against a denylist of
// dangerous patterns. The denylist is a best-effort defense, not a sandbox:
// arbitrary shell syntax can encode the same semantics many ways, and nothing
// here claims otherwise.
package sanitize
