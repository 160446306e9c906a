package awscloud_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/cloudimg/internal/cloud"
	"github.com/osbuild/cloudimg/internal/cloud/awscloud"
	"github.com/osbuild/cloudimg/internal/waiter"
)

func testWaits() awscloud.WaitConfig {
	fast := waiter.Options{Interval: time.Millisecond, MaxAttempts: 50}
	return awscloud.WaitConfig{
		BucketPropagation: fast,
		SnapshotImport:    fast,
		ImageAvailable:    fast,
	}
}

func newTestAWS() (*awscloud.AWS, *ec2mock, *s3mock, *uploaderMock, *presignMock) {
	ec2cli := newEc2Mock()
	s3cli := newS3Mock()
	upldr := newUploaderMock()
	sign := newPresignMock()
	return awscloud.NewForTest(ec2cli, s3cli, upldr, sign, testWaits()), ec2cli, s3cli, upldr, sign
}

func TestEnsureContainerExisting(t *testing.T) {
	a, _, s3cli, _, _ := newTestAWS()
	s3cli.buckets["image-bucket"] = true

	container, err := a.EnsureContainer(context.Background(), "image-bucket", "eu-central-1")
	require.NoError(t, err)
	assert.Equal(t, "image-bucket", container.Name)
	assert.Equal(t, "eu-central-1", container.Region)
	assert.Equal(t, 0, s3cli.calledFn["CreateBucket"])
}

func TestEnsureContainerCreatesAndWaits(t *testing.T) {
	a, _, s3cli, _, _ := newTestAWS()
	s3cli.propagationPolls = 2

	container, err := a.EnsureContainer(context.Background(), "new-bucket", "")
	require.NoError(t, err)
	assert.Equal(t, "new-bucket", container.Name)
	assert.Equal(t, "us-east-1", container.Region)
	assert.Equal(t, 1, s3cli.calledFn["CreateBucket"])
	// the initial existence check plus the propagation polls
	assert.GreaterOrEqual(t, s3cli.calledFn["HeadBucket"], 3)
}

func TestUpload(t *testing.T) {
	a, _, _, upldr, _ := newTestAWS()

	source := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(source, make([]byte, 4096), 0600))

	obj, err := a.Upload(context.Background(), &cloud.Container{Name: "image-bucket"}, source, "disk.raw", nil)
	require.NoError(t, err)
	assert.Equal(t, "image-bucket", upldr.bucket)
	assert.Equal(t, "disk.raw", upldr.key)
	assert.Equal(t, int64(4096), obj.Size)
	assert.Equal(t, "disk.raw", obj.Key)
}

func TestUploadMissingSource(t *testing.T) {
	a, _, _, upldr, _ := newTestAWS()

	_, err := a.Upload(context.Background(), &cloud.Container{Name: "image-bucket"}, "/does/not/exist.raw", "exist.raw", nil)
	require.Error(t, err)
	var uploadErr *cloud.UploadError
	assert.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, 0, upldr.calledFn["Upload"])
}

func TestVerifyObject(t *testing.T) {
	a, _, s3cli, _, _ := newTestAWS()
	s3cli.objects["image-bucket/disk.raw"] = true

	ok, err := a.VerifyObject(context.Background(), &cloud.Container{Name: "image-bucket"}, "disk.raw")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.VerifyObject(context.Background(), &cloud.Container{Name: "image-bucket"}, "missing.raw")
	require.NoError(t, err)
	assert.False(t, ok)
}

func publishObject() *cloud.UploadedObject {
	return &cloud.UploadedObject{
		Container: cloud.Container{Name: "image-bucket", Region: "us-east-1"},
		Key:       "disk.raw",
		Size:      4096,
	}
}

func TestRegisterImportsSnapshot(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.importPolls = 2

	image, err := a.Register(context.Background(), publishObject(), &cloud.ImageSpec{
		Source: "disk.raw",
		Name:   "my-image",
	})
	require.NoError(t, err)
	assert.Equal(t, "ami-12345678", image.ID)
	assert.Equal(t, "snap-12345678", image.SnapshotID)
	assert.Equal(t, cloud.ImageStatePending, image.State)

	assert.Equal(t, 1, ec2cli.calledFn["ImportSnapshot"])
	assert.Equal(t, 3, ec2cli.calledFn["DescribeImportSnapshotTasks"])
	assert.Equal(t, 1, ec2cli.calledFn["RegisterImage"])
	// one CreateTags for the snapshot, one for the image
	assert.Equal(t, 2, ec2cli.calledFn["CreateTags"])
	assert.Equal(t, []string{"snap-12345678", "ami-12345678"}, ec2cli.taggedResources)
	// the import request carries an idempotency token
	require.Len(t, ec2cli.clientTokens, 1)
	assert.NotEmpty(t, ec2cli.clientTokens[0])
}

func TestRegisterReusesSnapshot(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.snapshots["disk"] = "snap-cached"

	image, err := a.Register(context.Background(), publishObject(), &cloud.ImageSpec{
		Source: "disk.raw",
		Name:   "my-image",
	})
	require.NoError(t, err)
	assert.Equal(t, "snap-cached", image.SnapshotID)
	assert.Equal(t, 0, ec2cli.calledFn["ImportSnapshot"])
	assert.Equal(t, 1, ec2cli.calledFn["RegisterImage"])
}

func TestRegisterSharesSnapshot(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()

	_, err := a.Register(context.Background(), publishObject(), &cloud.ImageSpec{
		Source:                "disk.raw",
		Name:                  "my-image",
		SnapshotShareAccounts: []string{"111111111111"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ec2cli.calledFn["ModifySnapshotAttribute"])
}

func TestRegisterUnsupportedArch(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()

	_, err := a.Register(context.Background(), publishObject(), &cloud.ImageSpec{
		Source:       "disk.raw",
		Name:         "my-image",
		Architecture: "s390x",
	})
	require.Error(t, err)
	var regErr *cloud.RegistrationError
	assert.ErrorAs(t, err, &regErr)
	assert.Equal(t, 0, ec2cli.calledFn["ImportSnapshot"])
}

func TestRegisterDuplicateNameRace(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.registerErr = &smithy.GenericAPIError{Code: "InvalidAMIName.Duplicate", Message: "name taken"}
	ec2cli.images = []ec2types.Image{
		{
			ImageId: aws.String("ami-winner"),
			Name:    aws.String("my-image"),
			State:   ec2types.ImageStateAvailable,
		},
	}

	image, err := a.Register(context.Background(), publishObject(), &cloud.ImageSpec{
		Source: "disk.raw",
		Name:   "my-image",
	})
	require.NoError(t, err)
	assert.Equal(t, "ami-winner", image.ID)
}

func TestAwaitAvailable(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.imagePolls = 3

	image, err := a.AwaitAvailable(context.Background(), &cloud.RegisteredImage{
		ID:    "ami-12345678",
		Name:  "my-image",
		State: cloud.ImageStatePending,
	})
	require.NoError(t, err)
	assert.Equal(t, cloud.ImageStateAvailable, image.State)
	assert.Equal(t, 4, ec2cli.calledFn["DescribeImages"])
}

func TestAwaitAvailableFailedState(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.imageState = ec2types.ImageStateFailed

	_, err := a.AwaitAvailable(context.Background(), &cloud.RegisteredImage{
		ID:    "ami-12345678",
		Name:  "my-image",
		State: cloud.ImageStatePending,
	})
	require.Error(t, err)
	var regErr *cloud.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "mock state reason", regErr.Reason)
}

func TestShare(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()

	image, err := a.Share(context.Background(), &cloud.RegisteredImage{ID: "ami-12345678", Name: "my-image"},
		[]string{"111111111111", "222222222222"}, []string{"all"})
	require.NoError(t, err)
	assert.Equal(t, []string{"111111111111", "222222222222"}, image.SharedAccounts)
	assert.Equal(t, []string{"111111111111", "222222222222"}, ec2cli.sharedAccounts)
	assert.Equal(t, []string{"all"}, ec2cli.sharedGroups)
	assert.Equal(t, 3, ec2cli.calledFn["ModifyImageAttribute"])
}

func TestShareNothing(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()

	_, err := a.Share(context.Background(), &cloud.RegisteredImage{ID: "ami-12345678"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ec2cli.calledFn["ModifyImageAttribute"])
}

func TestSharePartialFailure(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.rejectAccounts["222222222222"] = true

	_, err := a.Share(context.Background(), &cloud.RegisteredImage{ID: "ami-12345678", Name: "my-image"},
		[]string{"111111111111", "222222222222", "333333333333"}, nil)
	require.Error(t, err)

	var shareErr *cloud.PartialShareError
	require.ErrorAs(t, err, &shareErr)
	assert.Equal(t, []string{"111111111111", "333333333333"}, shareErr.Granted)
	assert.Equal(t, []string{"222222222222"}, shareErr.Failed)
}

func TestFindImageByName(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.images = []ec2types.Image{
		{
			ImageId: aws.String("ami-12345678"),
			Name:    aws.String("my-image"),
			State:   ec2types.ImageStateAvailable,
			BlockDeviceMappings: []ec2types.BlockDeviceMapping{
				{
					Ebs: &ec2types.EbsBlockDevice{SnapshotId: aws.String("snap-12345678")},
				},
			},
		},
	}

	image, err := a.FindImageByName(context.Background(), "my-image")
	require.NoError(t, err)
	require.NotNil(t, image)
	assert.Equal(t, "ami-12345678", image.ID)
	assert.Equal(t, "snap-12345678", image.SnapshotID)
	assert.Equal(t, cloud.ImageStateAvailable, image.State)
}

func TestFindImageByNameMissing(t *testing.T) {
	a, _, _, _, _ := newTestAWS()

	image, err := a.FindImageByName(context.Background(), "no-such-image")
	require.NoError(t, err)
	assert.Nil(t, image)
}

func TestCopyImage(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()

	copied, err := a.CopyImage(context.Background(), &cloud.RegisteredImage{
		ID:     "ami-12345678",
		Name:   "my-image",
		Region: "us-east-1",
		State:  cloud.ImageStateAvailable,
	}, "my-image", "eu-central-1")
	require.NoError(t, err)
	assert.Equal(t, "ami-copied", copied.ID)
	assert.Equal(t, "eu-central-1", copied.Region)
	assert.Equal(t, cloud.ImageStateAvailable, copied.State)
	assert.Equal(t, 1, ec2cli.calledFn["CopyImage"])
	assert.Contains(t, ec2cli.taggedResources, "ami-copied")
	require.Len(t, ec2cli.clientTokens, 1)
	assert.NotEmpty(t, ec2cli.clientTokens[0])
}

func TestDelete(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.images = []ec2types.Image{
		{
			ImageId: aws.String("ami-12345678"),
			Name:    aws.String("my-image"),
			State:   ec2types.ImageStateAvailable,
			BlockDeviceMappings: []ec2types.BlockDeviceMapping{
				{
					Ebs: &ec2types.EbsBlockDevice{SnapshotId: aws.String("snap-12345678")},
				},
			},
		},
	}

	result, err := a.Delete(context.Background(), &cloud.DeleteSpec{ImageID: "ami-12345678"})
	require.NoError(t, err)
	assert.Equal(t, "ami-12345678", result.ImageID)
	assert.Equal(t, "snap-12345678", result.SnapshotID)
	assert.Equal(t, 1, ec2cli.calledFn["DeregisterImage"])
	assert.Equal(t, 1, ec2cli.calledFn["DeleteSnapshot"])
}

func TestDeleteSkipSnapshot(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.images = []ec2types.Image{
		{
			ImageId: aws.String("ami-12345678"),
			State:   ec2types.ImageStateAvailable,
			BlockDeviceMappings: []ec2types.BlockDeviceMapping{
				{
					Ebs: &ec2types.EbsBlockDevice{SnapshotId: aws.String("snap-12345678")},
				},
			},
		},
	}

	result, err := a.Delete(context.Background(), &cloud.DeleteSpec{ImageID: "ami-12345678", SkipSnapshot: true})
	require.NoError(t, err)
	assert.Empty(t, result.SnapshotID)
	assert.Equal(t, 0, ec2cli.calledFn["DeleteSnapshot"])
}

func TestDeleteOrphanedSnapshot(t *testing.T) {
	a, ec2cli, _, _, _ := newTestAWS()
	ec2cli.snapshots["disk"] = "snap-orphan"

	result, err := a.Delete(context.Background(), &cloud.DeleteSpec{SnapshotName: "disk"})
	require.NoError(t, err)
	assert.Empty(t, result.ImageID)
	assert.Equal(t, "snap-orphan", result.SnapshotID)
	assert.Equal(t, 0, ec2cli.calledFn["DeregisterImage"])
	assert.Equal(t, 1, ec2cli.calledFn["DeleteSnapshot"])
}

func TestDeleteUploadedObject(t *testing.T) {
	a, ec2cli, s3cli, _, _ := newTestAWS()
	ec2cli.images = []ec2types.Image{
		{
			ImageId: aws.String("ami-12345678"),
			Name:    aws.String("my-image"),
			State:   ec2types.ImageStateAvailable,
		},
	}
	s3cli.objects["image-bucket/disk.raw"] = true

	result, err := a.Delete(context.Background(), &cloud.DeleteSpec{
		ImageID:   "ami-12345678",
		Container: "image-bucket",
		ObjectKey: "disk.raw",
	})
	require.NoError(t, err)
	assert.Equal(t, "ami-12345678", result.ImageID)
	assert.Equal(t, "disk.raw", result.ObjectKey)
	assert.Equal(t, 1, s3cli.calledFn["DeleteObject"])
	assert.NotContains(t, s3cli.objects, "image-bucket/disk.raw")
}

func TestRegions(t *testing.T) {
	a, _, _, _, _ := newTestAWS()

	regions, err := a.Regions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1", "eu-central-1"}, regions)
}

func TestS3ObjectPresignedURL(t *testing.T) {
	a, _, _, _, sign := newTestAWS()

	url, err := a.S3ObjectPresignedURL(context.Background(), "image-bucket", "disk.raw")
	require.NoError(t, err)
	assert.Contains(t, url, "image-bucket")
	assert.Contains(t, url, "disk.raw")
	assert.Equal(t, 1, sign.calledFn["PresignGetObject"])
}

func TestDeleteObject(t *testing.T) {
	a, _, s3cli, _, _ := newTestAWS()
	s3cli.objects["image-bucket/disk.raw"] = true

	err := a.DeleteObject(context.Background(), &cloud.Container{Name: "image-bucket"}, "disk.raw")
	require.NoError(t, err)
	assert.Equal(t, 1, s3cli.calledFn["DeleteObject"])
	assert.NotContains(t, s3cli.objects, "image-bucket/disk.raw")
}

func TestMaxLimits(t *testing.T) {
	a, _, _, _, _ := newTestAWS()
	assert.Equal(t, 128, a.MaxImageNameLength())
	assert.Equal(t, 1000, a.MaxShareGrants())
}
