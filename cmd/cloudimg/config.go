package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type awsConfig struct {
	// Credentials is a path to an AWS shared credentials file. When
	// empty the default credential chain is used (env variables,
	// $HOME/.aws/credentials, instance roles).
	Credentials string `toml:"credentials"`
	Region      string `toml:"region"`
	Bucket      string `toml:"bucket"`
	ImportRole  string `toml:"import_role"`
}

type azureConfig struct {
	StorageAccount   string `toml:"storage_account"`
	StorageAccessKey string `toml:"storage_access_key"`
	ConnectionString string `toml:"connection_string"`
	Container        string `toml:"container"`
	UploadThreads    int    `toml:"upload_threads"`
}

type uploadConfig struct {
	// Attempts is the total upload attempt budget.
	Attempts int `toml:"attempts"`
	// RetryDelaySecs is slept between upload attempts.
	RetryDelaySecs int `toml:"retry_delay_secs"`
	// LogIntervalSecs tunes the upload progress log rate.
	LogIntervalSecs int `toml:"log_interval_secs"`
}

type retryConfig struct {
	// IntervalSecs is the polling interval for eventual-consistency
	// waits (object visibility, snapshot import, image availability).
	IntervalSecs int `toml:"interval_secs"`
	// Attempts caps the number of polls per wait.
	Attempts int `toml:"attempts"`
	// TimeoutSecs caps the wall-clock duration per wait.
	TimeoutSecs int `toml:"timeout_secs"`
}

type appConfig struct {
	AWS    *awsConfig    `toml:"aws"`
	Azure  *azureConfig  `toml:"azure"`
	Upload *uploadConfig `toml:"upload"`
	Retry  *retryConfig  `toml:"retry"`
}

// parseConfig reads the TOML config file. A missing file is not an error,
// everything can be given on the command line.
func parseConfig(file string) (*appConfig, error) {
	var config appConfig
	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		if os.IsNotExist(err) {
			return &config, nil
		}
		return nil, fmt.Errorf("cannot parse config file %s: %w", file, err)
	}

	return &config, nil
}
