package main

// Sandbox loader blank imports. Each import registers a module kind.
// Add new loaders here as they are implemented.

import (
	_ "github.com/Strob0t/AgentHost/internal/adapter/native"
	_ "github.com/Strob0t/AgentHost/internal/adapter/wasm"
)
