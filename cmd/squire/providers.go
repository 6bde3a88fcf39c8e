package main

// Worker backend blank imports. Each variant registers itself with the
// workerbackend registry from its init function.

import (
	_ "github.com/Strob0t/squire/internal/adapter/docker"
	_ "github.com/Strob0t/squire/internal/adapter/kubernetes"
)
