// cloudimg uploads disk images to cloud providers, registers them as
// bootable images and shares them with other accounts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/cloudimg/internal/cloud"
	"github.com/osbuild/cloudimg/internal/cloud/awscloud"
	"github.com/osbuild/cloudimg/internal/cloud/azure"
	"github.com/osbuild/cloudimg/internal/publish"
	"github.com/osbuild/cloudimg/internal/waiter"
)

const defaultConfigFile = "/etc/cloudimg/cloudimg.toml"

var (
	configFile string
	verbose    bool
	provider   string

	config *appConfig
)

var rootCmd = &cobra.Command{
	Use:          "cloudimg",
	Short:        "publish disk images to cloud providers",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}

		var err error
		config, err = parseConfig(configFile)
		return err
	},
}

// providerFromConfig builds the provider adapter selected by --provider,
// taking credentials from the config file.
func providerFromConfig(region string) (cloud.Provider, error) {
	switch provider {
	case "aws":
		awsConf := config.AWS
		if awsConf == nil {
			awsConf = &awsConfig{}
		}
		if region == "" {
			region = awsConf.Region
		}
		if region == "" {
			return nil, fmt.Errorf("no AWS region given, use --region or the config file")
		}

		var a *awscloud.AWS
		var err error
		if awsConf.Credentials != "" {
			a, err = awscloud.NewFromFile(awsConf.Credentials, region)
		} else {
			a, err = awscloud.NewDefault(region)
		}
		if err != nil {
			return nil, err
		}
		a.SetImportRole(awsConf.ImportRole)
		if retry, ok := retryOptions(); ok {
			a.SetWaitConfig(awscloud.WaitConfig{
				BucketPropagation: retry,
				SnapshotImport:    retry,
				ImageAvailable:    retry,
			})
		}
		return a, nil

	case "azure":
		azureConf := config.Azure
		if azureConf == nil {
			return nil, fmt.Errorf("no [azure] section in the config file")
		}

		var az *azure.Azure
		var err error
		if azureConf.ConnectionString != "" {
			az, err = azure.NewClientFromConnectionString(azureConf.ConnectionString)
		} else {
			az, err = azure.NewClient(azureConf.StorageAccount, azureConf.StorageAccessKey)
		}
		if err != nil {
			return nil, err
		}
		az.SetDefaultContainer(azureConf.Container)
		az.SetUploadThreads(azureConf.UploadThreads)
		if retry, ok := retryOptions(); ok {
			az.SetWaitConfig(azure.WaitConfig{BlobPropagation: retry})
		}
		return az, nil
	}

	return nil, fmt.Errorf("unknown provider %q, must be aws or azure", provider)
}

// retryOptions maps the [retry] config section onto waiter options. The
// second return value reports whether the section was given at all.
func retryOptions() (waiter.Options, bool) {
	if config.Retry == nil {
		return waiter.Options{}, false
	}
	return waiter.Options{
		Interval:    time.Duration(config.Retry.IntervalSecs) * time.Second,
		MaxAttempts: config.Retry.Attempts,
		Timeout:     time.Duration(config.Retry.TimeoutSecs) * time.Second,
	}, true
}

// pipelineOptions maps the [upload] and [retry] config sections onto
// pipeline options.
func pipelineOptions() publish.Options {
	var opts publish.Options
	if retry, ok := retryOptions(); ok {
		opts.VerifyWait = retry
		opts.AvailabilityWait = retry
	}
	if config.Upload == nil {
		return opts
	}
	opts.UploadAttempts = config.Upload.Attempts
	opts.UploadRetryDelay = time.Duration(config.Upload.RetryDelaySecs) * time.Second
	opts.ProgressLogInterval = time.Duration(config.Upload.LogIntervalSecs) * time.Second
	return opts
}

// defaultContainerName returns the configured container for the selected
// provider, used when --bucket is not given.
func defaultContainerName() string {
	switch provider {
	case "aws":
		if config.AWS != nil {
			return config.AWS.Bucket
		}
	case "azure":
		if config.Azure != nil {
			return config.Azure.Container
		}
	}
	return ""
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigFile, "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "aws", "cloud provider (aws or azure)")

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(regionsCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
