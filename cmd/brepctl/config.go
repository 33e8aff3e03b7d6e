package main

import "github.com/repoforge/brepd/internal/config"

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
