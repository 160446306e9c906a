package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/osbuild/cloudimg/internal/cloud"
	"github.com/osbuild/cloudimg/internal/publish"
)

var (
	source          string
	imageName       string
	description     string
	region          string
	copyRegions     []string
	containerName   string
	objectKey       string
	snapshotName    string
	architecture    string
	bootMode        string
	volumeType      string
	enaSupport      bool
	sriovNetSupport string
	rootDeviceName  string
	billingProducts []string
	shareAccounts   []string
	shareGroups     []string
	shareSnapshot   []string
	tags            []string
	snapshotTags    []string
	imageTags       []string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "upload an image, register it and share it",
	Long: "Publish uploads the disk image to the provider's object storage,\n" +
		"registers it as a bootable image, waits until the provider reports it\n" +
		"available and shares it with the given accounts. Publishing the same\n" +
		"image name twice reuses the existing image instead of creating a\n" +
		"duplicate.",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := cloud.ParseBootMode(bootMode)
		if err != nil {
			return err
		}
		specTags, err := parseTags(tags)
		if err != nil {
			return err
		}
		specSnapshotTags, err := parseTags(snapshotTags)
		if err != nil {
			return err
		}
		specImageTags, err := parseTags(imageTags)
		if err != nil {
			return err
		}

		container := containerName
		if container == "" {
			container = defaultContainerName()
		}
		if container == "" {
			return fmt.Errorf("no storage container given, use --bucket or the config file")
		}

		prov, err := providerFromConfig(region)
		if err != nil {
			return err
		}

		spec := &cloud.ImageSpec{
			Source:                source,
			Name:                  imageName,
			Description:           description,
			Region:                region,
			CopyRegions:           copyRegions,
			Container:             container,
			ObjectKey:             objectKey,
			SnapshotName:          snapshotName,
			Architecture:          architecture,
			BootMode:              mode,
			SriovNetSupport:       sriovNetSupport,
			VolumeType:            volumeType,
			RootDeviceName:        rootDeviceName,
			BillingProducts:       billingProducts,
			ShareAccounts:         shareAccounts,
			ShareGroups:           shareGroups,
			SnapshotShareAccounts: shareSnapshot,
			Tags:                  specTags,
			SnapshotTags:          specSnapshotTags,
			ImageTags:             specImageTags,
		}
		if cmd.Flags().Changed("ena") {
			spec.EnaSupport = &enaSupport
		}

		pipeline := publish.New(prov, pipelineOptions())
		result, err := pipeline.Publish(cmd.Context(), spec)
		if err != nil {
			return err
		}

		fmt.Printf("Image %s (%s) is %s in %s\n", result.Image.Name, result.Image.ID, result.Image.State, result.Image.Region)
		if result.Image.Location != "" {
			fmt.Printf("Location: %s\n", result.Image.Location)
		}
		for _, copied := range result.Copies {
			fmt.Printf("Copy %s is %s in %s\n", copied.ID, copied.State, copied.Region)
		}
		return nil
	},
}

// parseTags turns repeated key=value flags into a map.
func parseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := map[string]string{}
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed tag %q, expected key=value", pair)
		}
		tags[key] = value
	}
	return tags, nil
}

func init() {
	publishCmd.Flags().StringVarP(&source, "source", "f", "", "image file or URL to upload")
	publishCmd.Flags().StringVarP(&imageName, "name", "n", "", "name of the resulting image")
	publishCmd.Flags().StringVar(&description, "description", "", "description of the resulting image")
	publishCmd.Flags().StringVarP(&region, "region", "r", "", "target region")
	publishCmd.Flags().StringSliceVar(&copyRegions, "copy-region", nil, "additional regions to copy the image to")
	publishCmd.Flags().StringVarP(&containerName, "bucket", "b", "", "target bucket or storage container")
	publishCmd.Flags().StringVar(&objectKey, "object-name", "", "name of the uploaded object, defaults to the source file name")
	publishCmd.Flags().StringVar(&snapshotName, "snapshot-name", "", "name of the imported snapshot, defaults to the object name")
	publishCmd.Flags().StringVarP(&architecture, "arch", "a", "", "image architecture (x86_64 or aarch64)")
	publishCmd.Flags().StringVar(&bootMode, "boot-mode", "", "boot mode (legacy-bios, uefi or uefi-preferred)")
	publishCmd.Flags().StringVar(&volumeType, "volume-type", "", "EBS volume type of the root device")
	publishCmd.Flags().BoolVar(&enaSupport, "ena", true, "enable enhanced networking for the image")
	publishCmd.Flags().StringVar(&sriovNetSupport, "sriov", "", "SR-IOV networking support value")
	publishCmd.Flags().StringVar(&rootDeviceName, "root-device", "", "root device name")
	publishCmd.Flags().StringSliceVar(&billingProducts, "billing-product", nil, "billing product codes")
	publishCmd.Flags().StringSliceVar(&shareAccounts, "share", nil, "accounts to share the image with")
	publishCmd.Flags().StringSliceVar(&shareGroups, "share-group", nil, "groups to share the image with, e.g. all")
	publishCmd.Flags().StringSliceVar(&shareSnapshot, "share-snapshot", nil, "accounts to share the snapshot with")
	publishCmd.Flags().StringSliceVar(&tags, "tag", nil, "tag applied to all created resources (key=value)")
	publishCmd.Flags().StringSliceVar(&snapshotTags, "snapshot-tag", nil, "tag applied to the snapshot only (key=value)")
	publishCmd.Flags().StringSliceVar(&imageTags, "image-tag", nil, "tag applied to the image only (key=value)")
	_ = publishCmd.MarkFlagRequired("source")
	_ = publishCmd.MarkFlagRequired("name")
}
