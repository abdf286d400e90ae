// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command mcpgw is the MCP gateway: one MCP endpoint fronting a fleet of
// backend MCP servers.
package main

import (
	"os"

	"github.com/stacklok/mcp-gateway/cmd/mcpgw/app"
)

func main() {
	os.Exit(app.Run())
}
