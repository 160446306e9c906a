package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osbuild/cloudimg/internal/cloud"
)

var (
	deleteImageID      string
	deleteImageName    string
	deleteSnapshotID   string
	deleteSnapshotName string
	deleteContainer    string
	deleteObjectName   string
	keepSnapshot       bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "delete a published image and its backing snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if deleteImageID == "" && deleteImageName == "" && deleteSnapshotID == "" && deleteSnapshotName == "" && deleteObjectName == "" {
			return fmt.Errorf("nothing to delete, use --image-id, --name, --snapshot-id, --snapshot-name or --object-name")
		}
		if deleteObjectName != "" && deleteContainer == "" {
			return fmt.Errorf("--object-name requires --bucket")
		}

		prov, err := providerFromConfig(region)
		if err != nil {
			return err
		}
		deleter, ok := prov.(cloud.Deleter)
		if !ok {
			return fmt.Errorf("provider %s does not support deleting images", provider)
		}

		result, err := deleter.Delete(cmd.Context(), &cloud.DeleteSpec{
			ImageID:      deleteImageID,
			ImageName:    deleteImageName,
			SnapshotID:   deleteSnapshotID,
			SnapshotName: deleteSnapshotName,
			Container:    deleteContainer,
			ObjectKey:    deleteObjectName,
			SkipSnapshot: keepSnapshot,
		})
		if err != nil {
			return err
		}

		if result.ImageID != "" {
			fmt.Printf("Deleted image %s\n", result.ImageID)
		}
		if result.SnapshotID != "" {
			fmt.Printf("Deleted snapshot %s\n", result.SnapshotID)
		}
		if result.ObjectKey != "" {
			fmt.Printf("Deleted object %s/%s\n", deleteContainer, result.ObjectKey)
		}
		return nil
	},
}

func init() {
	deleteCmd.Flags().StringVar(&deleteImageID, "image-id", "", "id of the image to delete")
	deleteCmd.Flags().StringVarP(&deleteImageName, "name", "n", "", "name of the image to delete")
	deleteCmd.Flags().StringVar(&deleteSnapshotID, "snapshot-id", "", "id of the snapshot to delete")
	deleteCmd.Flags().StringVar(&deleteSnapshotName, "snapshot-name", "", "name of the snapshot to delete")
	deleteCmd.Flags().StringVarP(&deleteContainer, "bucket", "b", "", "storage container holding the image blob")
	deleteCmd.Flags().StringVar(&deleteObjectName, "object-name", "", "uploaded object to delete from the container, requires --bucket")
	deleteCmd.Flags().BoolVar(&keepSnapshot, "keep-snapshot", false, "keep the backing snapshot")
	deleteCmd.Flags().StringVarP(&region, "region", "r", "", "target region")
}
