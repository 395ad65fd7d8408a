// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vdlog masks registered secrets (passwords, keystore blobs, SAS
// tokens) before they ever reach a log line. Components register a value
// with Secret the moment it enters the process; Printf is the one logging
// entry point for text that could embed such a value.
package vdlog

import (
	"fmt"
	"log"

	packersdk "github.com/hashicorp/packer-plugin-sdk/packer"
)

// Secret registers a value with the process-wide filter so that it is
// replaced with `<sensitive>` in any future log line, wherever it appears.
func Secret(v string) {
	if v == "" {
		return
	}
	packersdk.LogSecretFilter.Set(v)
}

// Printf logs through the secret filter. Callers that log text derived
// from backend paths, URLs or errors use this instead of the standard log
// package, since those strings can carry credentials.
func Printf(format string, v ...any) {
	log.Print(packersdk.LogSecretFilter.FilterString(fmt.Sprintf(format, v...)))
}
