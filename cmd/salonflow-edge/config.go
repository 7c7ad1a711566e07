package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int          `yaml:"port"`
	Origin       string       `yaml:"origin"`
	APIPrefix    string       `yaml:"apiPrefix"`
	CacheVersion string       `yaml:"cacheVersion"`
	CacheDB      string       `yaml:"cacheDb"`
	QueueDB      string       `yaml:"queueDb"`
	QueueMax     int          `yaml:"queueMax"`
	Replay       ReplayConfig `yaml:"replay"`
}

type ReplayConfig struct {
	// URL the replay driver posts queued actions to.
	// Defaults to origin + apiPrefix + "offline/actions".
	URL             string  `yaml:"url"`
	IntervalSeconds int     `yaml:"intervalSeconds"`
	MaxRetries      int     `yaml:"maxRetries"`
	MaxPerSecond    float64 `yaml:"maxPerSecond"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
