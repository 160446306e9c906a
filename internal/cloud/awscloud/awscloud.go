// Package awscloud publishes disk images to AWS: the raw image is uploaded
// to S3, imported as an EBS snapshot, registered as an AMI and shared with
// the target accounts. Every step whose effect is only eventually visible
// is polled through the waiter package.
package awscloud

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/cloudimg/internal/cloud"
	"github.com/osbuild/cloudimg/internal/progress"
	"github.com/osbuild/cloudimg/internal/waiter"
)

const (
	// EC2 limits AMI names to 128 characters.
	maxImageNameLength = 128
	// EC2 caps launch permissions per AMI.
	maxShareGrants = 1000

	defaultRootDeviceName = "/dev/sda1"
	defaultVirtType       = "hvm"
	defaultSriovSupport   = "simple"
)

// WaitConfig tunes the polling for the AWS operations that converge
// asynchronously.
type WaitConfig struct {
	// BucketPropagation covers newly created S3 buckets becoming
	// visible to subsequent calls.
	BucketPropagation waiter.Options
	// SnapshotImport covers the EBS snapshot import task.
	SnapshotImport waiter.Options
	// ImageAvailable covers a registered AMI converging to available.
	ImageAvailable waiter.Options
}

// DefaultWaitConfig matches the propagation delays seen in practice:
// buckets converge within seconds, snapshot imports can take hours.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		BucketPropagation: waiter.Options{Interval: 5 * time.Second, MaxAttempts: 24},
		SnapshotImport:    waiter.Options{Interval: 15 * time.Second, MaxAttempts: 480},
		ImageAvailable:    waiter.Options{Interval: 15 * time.Second, MaxAttempts: 240},
	}
}

type AWS struct {
	region     string
	ec2        EC2
	s3         S3
	s3uploader S3Manager
	s3presign  S3Presign
	importRole *string
	waits      WaitConfig

	// regionEC2 creates an EC2 client bound to another region, used
	// for cross-region image copies.
	regionEC2 func(region string) (EC2, error)
}

var _ cloud.Provider = (*AWS)(nil)
var _ cloud.ImageCopier = (*AWS)(nil)
var _ cloud.Deleter = (*AWS)(nil)
var _ cloud.RegionLister = (*AWS)(nil)

// NewForTest creates an AWS object backed by the given mocks.
func NewForTest(ec2cli EC2, s3cli S3, upldr S3Manager, sign S3Presign, waits WaitConfig) *AWS {
	return &AWS{
		region:     "us-east-1",
		ec2:        ec2cli,
		s3:         s3cli,
		s3uploader: upldr,
		s3presign:  sign,
		waits:      waits,
		regionEC2: func(string) (EC2, error) {
			return ec2cli, nil
		},
	}
}

func newAwsFromConfig(cfg aws.Config) *AWS {
	s3cli := s3.NewFromConfig(cfg)
	return &AWS{
		region:     cfg.Region,
		ec2:        ec2.NewFromConfig(cfg),
		s3:         s3cli,
		s3uploader: manager.NewUploader(s3cli),
		s3presign:  s3.NewPresignClient(s3cli),
		waits:      DefaultWaitConfig(),
		regionEC2: func(region string) (EC2, error) {
			regionCfg := cfg.Copy()
			regionCfg.Region = region
			return ec2.NewFromConfig(regionCfg), nil
		},
	}
}

// New creates a session from static credentials and the region and returns
// an *AWS object initialized with it. SessionToken is optional.
func New(region string, accessKeyID string, accessKey string, sessionToken string) (*AWS, error) {
	cfg, err := config.LoadDefaultConfig(
		context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, accessKey, sessionToken)),
	)
	if err != nil {
		return nil, err
	}
	return newAwsFromConfig(cfg), nil
}

// NewFromFile initializes a new AWS object with the credentials info found
// at filename's location. The credential files should match the AWS
// format, such as:
// [default]
// aws_access_key_id = secretString1
// aws_secret_access_key = secretString2
//
// If filename is empty the underlying function will look for the
// "AWS_SHARED_CREDENTIALS_FILE" env variable or will default to
// $HOME/.aws/credentials.
func NewFromFile(filename string, region string) (*AWS, error) {
	cfg, err := config.LoadDefaultConfig(
		context.Background(),
		config.WithRegion(region),
		config.WithSharedCredentialsFiles([]string{
			filename,
			"default",
		}),
	)
	if err != nil {
		return nil, err
	}
	return newAwsFromConfig(cfg), nil
}

// NewDefault initializes a new AWS object from defaults. Looks for env
// variables, shared credentials file, and EC2 Instance Roles.
func NewDefault(region string) (*AWS, error) {
	cfg, err := config.LoadDefaultConfig(
		context.Background(),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, err
	}
	return newAwsFromConfig(cfg), nil
}

// NewForEndpoint initializes a new AWS object targeting a specific S3
// endpoint, e.g. a generic S3-compatible service.
func NewForEndpoint(endpoint, region, accessKeyID, accessKey, sessionToken, caBundle string, skipSSLVerification bool) (*AWS, error) {
	v2OptionFuncs := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, accessKey, sessionToken)),
	}

	if caBundle != "" {
		caBundleReader, err := os.Open(caBundle)
		if err != nil {
			return nil, err
		}
		defer caBundleReader.Close()
		v2OptionFuncs = append(v2OptionFuncs, config.WithCustomCABundle(caBundleReader))
	}

	if skipSSLVerification {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		v2OptionFuncs = append(v2OptionFuncs, config.WithHTTPClient(&http.Client{
			Transport: transport,
		}))
	}

	cfg, err := config.LoadDefaultConfig(
		context.Background(),
		v2OptionFuncs...,
	)
	if err != nil {
		return nil, err
	}

	a := newAwsFromConfig(cfg)
	s3cli := s3.NewFromConfig(cfg, func(options *s3.Options) {
		options.BaseEndpoint = aws.String(endpoint)
		options.UsePathStyle = true
	})
	a.s3 = s3cli
	a.s3uploader = manager.NewUploader(s3cli)
	a.s3presign = s3.NewPresignClient(s3cli)
	return a, nil
}

// SetImportRole sets the IAM role used by the snapshot import task.
func (a *AWS) SetImportRole(role string) {
	if role != "" {
		a.importRole = aws.String(role)
	}
}

// SetWaitConfig overrides the polling defaults.
func (a *AWS) SetWaitConfig(waits WaitConfig) {
	a.waits = waits
}

func (a *AWS) MaxImageNameLength() int {
	return maxImageNameLength
}

func (a *AWS) MaxShareGrants() int {
	return maxShareGrants
}

// EnsureContainer returns the S3 bucket, creating it when missing. Bucket
// creation reports success before the bucket is visible to other services,
// so a newly created bucket is polled until HeadBucket succeeds.
func (a *AWS) EnsureContainer(ctx context.Context, name, region string) (*cloud.Container, error) {
	if region == "" {
		region = a.region
	}
	container := &cloud.Container{Name: name, Region: region}

	exists, err := a.bucketExists(ctx, name)
	if err != nil {
		return nil, &cloud.ContainerCreationError{Name: name, Err: err}
	}
	if exists {
		return container, nil
	}

	logrus.Infof("[AWS] Creating bucket: %s", name)
	input := &s3.CreateBucketInput{
		Bucket: aws.String(name),
	}
	// us-east-1 rejects an explicit location constraint.
	if region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := a.s3.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return nil, &cloud.ContainerCreationError{Name: name, Err: err}
		}
	}

	logrus.Infof("[AWS] Waiting for bucket %s to propagate", name)
	err = waiter.WaitUntil(ctx, fmt.Sprintf("bucket %s", name), func(ctx context.Context) (waiter.Result, error) {
		exists, err := a.bucketExists(ctx, name)
		if err != nil {
			return waiter.NotReady, err
		}
		if exists {
			return waiter.Ready, nil
		}
		return waiter.NotReady, nil
	}, a.waits.BucketPropagation)
	if err != nil {
		return nil, err
	}

	return container, nil
}

func (a *AWS) bucketExists(ctx context.Context, name string) (bool, error) {
	_, err := a.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Upload streams the image source into the bucket. Transport failures come
// back as *cloud.UploadError so the caller can restart the upload.
func (a *AWS) Upload(ctx context.Context, container *cloud.Container, source, key string, fn progress.Func) (*cloud.UploadedObject, error) {
	body, size, err := cloud.OpenSource(source)
	if err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: err}
	}
	defer body.Close()

	reader := progress.NewReader(body, size, fn)

	logrus.Infof("[AWS] Uploading %s to s3://%s/%s", source, container.Name, key)
	_, err = a.s3uploader.Upload(
		ctx,
		&s3.PutObjectInput{
			Bucket: aws.String(container.Name),
			Key:    aws.String(key),
			Body:   reader,
		},
	)
	if err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: err}
	}

	logrus.Infof("[AWS] Successfully uploaded %s", source)
	return &cloud.UploadedObject{
		Container: *container,
		Key:       key,
		Size:      reader.Seen(),
	}, nil
}

// VerifyObject is a read-only existence probe for an uploaded key.
func (a *AWS) VerifyObject(ctx context.Context, container *cloud.Container, key string) (bool, error) {
	_, err := a.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container.Name),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Register imports the uploaded object as an EBS snapshot and registers an
// AMI on top of it. A snapshot left behind by an earlier partial publish is
// reused instead of re-imported. The returned image is still pending until
// AwaitAvailable confirms it.
func (a *AWS) Register(ctx context.Context, obj *cloud.UploadedObject, spec *cloud.ImageSpec) (*cloud.RegisteredImage, error) {
	ec2Arch, err := ec2Architecture(spec.Architecture)
	if err != nil {
		return nil, &cloud.RegistrationError{Name: spec.Name, Err: err}
	}

	snapshotName := spec.DefaultSnapshotName()
	logrus.Infof("[AWS] Searching for snapshot: %s", snapshotName)
	snapshotID, err := a.findSnapshotByName(ctx, snapshotName)
	if err != nil {
		return nil, err
	}

	if snapshotID == "" {
		logrus.Infof("[AWS] Snapshot does not exist: %s", snapshotName)
		snapshotID, err = a.importSnapshot(ctx, obj, snapshotName, spec)
		if err != nil {
			return nil, err
		}
	} else {
		logrus.Infof("[AWS] Snapshot already exists with id: %s", snapshotID)
	}

	image, err := a.registerImage(ctx, snapshotID, ec2Arch, spec)
	if err != nil {
		return nil, err
	}
	image.SnapshotID = snapshotID
	return image, nil
}

func (a *AWS) importSnapshot(ctx context.Context, obj *cloud.UploadedObject, snapshotName string, spec *cloud.ImageSpec) (string, error) {
	source := fmt.Sprintf("%s/%s", obj.Container.Name, obj.Key)
	description := fmt.Sprintf("cloudimg import of %s", source)

	logrus.Infof("[AWS] Importing snapshot from: %s", source)
	importTaskOutput, err := a.ec2.ImportSnapshot(
		ctx,
		&ec2.ImportSnapshotInput{
			Description: aws.String(description),
			DiskContainer: &ec2types.SnapshotDiskContainer{
				Description: aws.String(description),
				Format:      aws.String("raw"),
				UserBucket: &ec2types.UserBucket{
					S3Bucket: aws.String(obj.Container.Name),
					S3Key:    aws.String(obj.Key),
				},
			},
			RoleName: a.importRole,
			// client token so a retried request cannot start a
			// second import task
			ClientToken: aws.String(uuid.New().String()),
		},
	)
	if err != nil {
		return "", &cloud.RegistrationError{Name: spec.Name, Reason: "snapshot import was rejected", Err: err}
	}

	taskID := aws.ToString(importTaskOutput.ImportTaskId)
	logrus.Infof("[AWS] Waiting for snapshot import task: %s", taskID)

	var snapshotID string
	err = waiter.WaitUntil(ctx, fmt.Sprintf("snapshot import %s", taskID), func(ctx context.Context) (waiter.Result, error) {
		rsp, err := a.ec2.DescribeImportSnapshotTasks(
			ctx,
			&ec2.DescribeImportSnapshotTasksInput{
				ImportTaskIds: []string{taskID},
			},
		)
		if err != nil {
			return waiter.NotReady, err
		}
		if len(rsp.ImportSnapshotTasks) == 0 || rsp.ImportSnapshotTasks[0].SnapshotTaskDetail == nil {
			return waiter.NotReady, nil
		}

		detail := rsp.ImportSnapshotTasks[0].SnapshotTaskDetail
		status := aws.ToString(detail.Status)
		statusMsg := aws.ToString(detail.StatusMessage)
		logrus.Infof("[AWS] Snapshot import progress: %s%% - %s", aws.ToString(detail.Progress), statusMsg)

		switch status {
		case "completed":
			snapshotID = aws.ToString(detail.SnapshotId)
			return waiter.Ready, nil
		case "error", "deleted", "deleting":
			return waiter.Failed, &cloud.RegistrationError{Name: spec.Name, Reason: statusMsg}
		}
		return waiter.NotReady, nil
	}, a.waits.SnapshotImport)
	if err != nil {
		return "", err
	}

	// Name the snapshot so a later publish of the same spec finds it.
	logrus.Infof("[AWS] Tagging snapshot %s with name: %s", snapshotID, snapshotName)
	tags := mergeTags(map[string]string{"Name": snapshotName}, spec.Tags, spec.SnapshotTags)
	_, err = a.ec2.CreateTags(
		ctx,
		&ec2.CreateTagsInput{
			Resources: []string{snapshotID},
			Tags:      tagList(tags),
		},
	)
	if err != nil {
		return "", err
	}

	if len(spec.SnapshotShareAccounts) > 0 {
		if err := a.shareSnapshot(ctx, snapshotID, spec.SnapshotShareAccounts); err != nil {
			return "", err
		}
	}

	return snapshotID, nil
}

func (a *AWS) registerImage(ctx context.Context, snapshotID string, ec2Arch ec2types.ArchitectureValues, spec *cloud.ImageSpec) (*cloud.RegisteredImage, error) {
	rootDeviceName := spec.RootDeviceName
	if rootDeviceName == "" {
		rootDeviceName = defaultRootDeviceName
	}
	sriov := spec.SriovNetSupport
	if sriov == "" {
		sriov = defaultSriovSupport
	}
	// Enhanced networking is enabled unless explicitly switched off.
	ena := true
	if spec.EnaSupport != nil {
		ena = *spec.EnaSupport
	}

	ebs := &ec2types.EbsBlockDevice{
		SnapshotId:          aws.String(snapshotID),
		DeleteOnTermination: aws.Bool(true),
	}
	if spec.VolumeType != "" {
		ebs.VolumeType = ec2types.VolumeType(spec.VolumeType)
	}

	input := &ec2.RegisterImageInput{
		Name:               aws.String(spec.Name),
		Architecture:       ec2Arch,
		VirtualizationType: aws.String(defaultVirtType),
		RootDeviceName:     aws.String(rootDeviceName),
		EnaSupport:         aws.Bool(ena),
		SriovNetSupport:    aws.String(sriov),
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{
			{
				DeviceName: aws.String(rootDeviceName),
				Ebs:        ebs,
			},
		},
	}
	if spec.Description != "" {
		input.Description = aws.String(spec.Description)
	}
	if len(spec.BillingProducts) > 0 {
		input.BillingProducts = spec.BillingProducts
	}
	// The boot mode stays unset unless requested, so instances use the
	// default of their instance type.
	if spec.BootMode != cloud.BootModeUnset {
		input.BootMode = ec2types.BootModeValues(spec.BootMode)
	}

	logrus.Infof("[AWS] Registering image: %s", spec.Name)
	registerOutput, err := a.ec2.RegisterImage(ctx, input)
	if err != nil {
		// A concurrent publish may have registered the same name
		// first; the winner's image is just as good.
		if isDuplicateImageName(err) {
			logrus.Infof("[AWS] Image name %s already registered, using the existing image", spec.Name)
			existing, findErr := a.FindImageByName(ctx, spec.Name)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, &cloud.RegistrationError{Name: spec.Name, Err: err}
	}

	imageID := aws.ToString(registerOutput.ImageId)
	logrus.Infof("[AWS] Image registered: %s", imageID)

	imageTags := mergeTags(map[string]string{"Name": spec.Name}, spec.Tags, spec.ImageTags)
	_, err = a.ec2.CreateTags(
		ctx,
		&ec2.CreateTagsInput{
			Resources: []string{imageID},
			Tags:      tagList(imageTags),
		},
	)
	if err != nil {
		return nil, err
	}

	return &cloud.RegisteredImage{
		ID:     imageID,
		Name:   spec.Name,
		Region: a.region,
		State:  cloud.ImageStatePending,
	}, nil
}

// AwaitAvailable polls the image until EC2 reports it available. A
// provider-side failure state stops the wait immediately.
func (a *AWS) AwaitAvailable(ctx context.Context, image *cloud.RegisteredImage) (*cloud.RegisteredImage, error) {
	logrus.Infof("[AWS] Waiting for image to become available: %s", image.ID)
	err := waiter.WaitUntil(ctx, fmt.Sprintf("image %s", image.ID), a.imageAvailableProbe(a.ec2, image.ID, image.Name), a.waits.ImageAvailable)
	if err != nil {
		return nil, err
	}

	available := *image
	available.State = cloud.ImageStateAvailable
	return &available, nil
}

func (a *AWS) imageAvailableProbe(client EC2, imageID, name string) waiter.Probe {
	return func(ctx context.Context) (waiter.Result, error) {
		rsp, err := client.DescribeImages(
			ctx,
			&ec2.DescribeImagesInput{
				ImageIds: []string{imageID},
			},
		)
		if err != nil {
			// A freshly registered image id may not be visible
			// to DescribeImages yet.
			if isNotFound(err) {
				return waiter.NotReady, nil
			}
			return waiter.NotReady, err
		}
		if len(rsp.Images) == 0 {
			return waiter.NotReady, nil
		}

		img := rsp.Images[0]
		switch img.State {
		case ec2types.ImageStateAvailable:
			return waiter.Ready, nil
		case ec2types.ImageStateFailed, ec2types.ImageStateInvalid, ec2types.ImageStateError:
			reason := "image entered a failed state"
			if img.StateReason != nil && img.StateReason.Message != nil {
				reason = *img.StateReason.Message
			}
			return waiter.Failed, &cloud.RegistrationError{Name: name, Reason: reason}
		}
		return waiter.NotReady, nil
	}
}

// Share grants launch permission to the given accounts, one grant per call
// so a rejected account does not block the others, and to the given groups
// (e.g. "all"). A partial failure comes back as *cloud.PartialShareError
// listing which accounts were granted.
func (a *AWS) Share(ctx context.Context, image *cloud.RegisteredImage, accounts, groups []string) (*cloud.RegisteredImage, error) {
	if len(accounts) == 0 && len(groups) == 0 {
		return image, nil
	}

	logrus.Infof("[AWS] Sharing %s with accounts: %v, groups: %v", image.Name, accounts, groups)

	var granted, failed []string
	var errs []error
	for _, account := range accounts {
		_, err := a.ec2.ModifyImageAttribute(
			ctx,
			&ec2.ModifyImageAttributeInput{
				ImageId: aws.String(image.ID),
				LaunchPermission: &ec2types.LaunchPermissionModifications{
					Add: []ec2types.LaunchPermission{
						{UserId: aws.String(account)},
					},
				},
			},
		)
		if err != nil {
			logrus.Warnf("[AWS] Error sharing %s with account %s: %v", image.Name, account, err)
			failed = append(failed, account)
			errs = append(errs, fmt.Errorf("account %s: %w", account, err))
			continue
		}
		granted = append(granted, account)
	}

	if len(groups) > 0 {
		var launchPerms []ec2types.LaunchPermission
		for _, group := range groups {
			launchPerms = append(launchPerms, ec2types.LaunchPermission{
				Group: ec2types.PermissionGroup(group),
			})
		}
		_, err := a.ec2.ModifyImageAttribute(
			ctx,
			&ec2.ModifyImageAttributeInput{
				ImageId: aws.String(image.ID),
				LaunchPermission: &ec2types.LaunchPermissionModifications{
					Add: launchPerms,
				},
			},
		)
		if err != nil {
			logrus.Warnf("[AWS] Error sharing %s with groups %v: %v", image.Name, groups, err)
			errs = append(errs, fmt.Errorf("groups %v: %w", groups, err))
		}
	}

	if len(errs) > 0 {
		return nil, &cloud.PartialShareError{
			Granted: granted,
			Failed:  failed,
			Err:     errors.Join(errs...),
		}
	}

	shared := *image
	shared.SharedAccounts = append(append([]string{}, shared.SharedAccounts...), granted...)
	return &shared, nil
}

func (a *AWS) shareSnapshot(ctx context.Context, snapshotID string, accounts []string) error {
	logrus.Infof("[AWS] Sharing snapshot %s with accounts: %v", snapshotID, accounts)
	_, err := a.ec2.ModifySnapshotAttribute(
		ctx,
		&ec2.ModifySnapshotAttributeInput{
			Attribute:     ec2types.SnapshotAttributeNameCreateVolumePermission,
			OperationType: ec2types.OperationTypeAdd,
			SnapshotId:    aws.String(snapshotID),
			UserIds:       accounts,
		},
	)
	return err
}

// FindImageByName returns the newest image with the given name owned by
// this account, or nil when none exists.
func (a *AWS) FindImageByName(ctx context.Context, name string) (*cloud.RegisteredImage, error) {
	return a.findImage(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("name"),
				Values: []string{name},
			},
		},
	})
}

// FindImageByTags returns an image carrying all the given tags, or nil.
func (a *AWS) FindImageByTags(ctx context.Context, tags map[string]string) (*cloud.RegisteredImage, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	var filters []ec2types.Filter
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String(fmt.Sprintf("tag:%s", k)),
			Values: []string{tags[k]},
		})
	}
	return a.findImage(ctx, &ec2.DescribeImagesInput{
		Owners:  []string{"self"},
		Filters: filters,
	})
}

func (a *AWS) findImage(ctx context.Context, input *ec2.DescribeImagesInput) (*cloud.RegisteredImage, error) {
	rsp, err := a.ec2.DescribeImages(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(rsp.Images) == 0 {
		return nil, nil
	}
	if len(rsp.Images) > 1 {
		var ids []string
		for _, img := range rsp.Images {
			ids = append(ids, aws.ToString(img.ImageId))
		}
		logrus.Warnf("[AWS] Filtered more than one image: %v", ids)
	}
	return imageFromEC2(&rsp.Images[0], a.region), nil
}

func imageFromEC2(img *ec2types.Image, region string) *cloud.RegisteredImage {
	image := &cloud.RegisteredImage{
		ID:     aws.ToString(img.ImageId),
		Name:   aws.ToString(img.Name),
		Region: region,
	}
	switch img.State {
	case ec2types.ImageStateAvailable:
		image.State = cloud.ImageStateAvailable
	case ec2types.ImageStateFailed, ec2types.ImageStateInvalid, ec2types.ImageStateError:
		image.State = cloud.ImageStateFailed
	default:
		image.State = cloud.ImageStatePending
	}
	if len(img.BlockDeviceMappings) > 0 && img.BlockDeviceMappings[0].Ebs != nil {
		image.SnapshotID = aws.ToString(img.BlockDeviceMappings[0].Ebs.SnapshotId)
	}
	return image
}

// CopyImage clones an available image into another region and waits for
// the copy to become available there.
func (a *AWS) CopyImage(ctx context.Context, image *cloud.RegisteredImage, name, region string) (*cloud.RegisteredImage, error) {
	target, err := a.regionEC2(region)
	if err != nil {
		return nil, err
	}

	logrus.Infof("[AWS] Copying image %s from %s to %s", image.ID, image.Region, region)
	result, err := target.CopyImage(
		ctx,
		&ec2.CopyImageInput{
			Name:          aws.String(name),
			SourceImageId: aws.String(image.ID),
			SourceRegion:  aws.String(image.Region),
			ClientToken:   aws.String(uuid.New().String()),
		},
	)
	if err != nil {
		return nil, err
	}

	copiedID := aws.ToString(result.ImageId)
	err = waiter.WaitUntil(ctx, fmt.Sprintf("image copy %s in %s", copiedID, region), a.imageAvailableProbe(target, copiedID, name), a.waits.ImageAvailable)
	if err != nil {
		return nil, err
	}

	_, err = target.CreateTags(
		ctx,
		&ec2.CreateTagsInput{
			Resources: []string{copiedID},
			Tags:      tagList(map[string]string{"Name": name}),
		},
	)
	if err != nil {
		return nil, err
	}

	return &cloud.RegisteredImage{
		ID:     copiedID,
		Name:   name,
		Region: region,
		State:  cloud.ImageStateAvailable,
	}, nil
}

// Delete deregisters an AMI and deletes its backing snapshot, plus the
// uploaded S3 object when the spec names one. When the image is already
// gone, the snapshot is still looked up through the spec so partial
// publishes can be cleaned up too.
func (a *AWS) Delete(ctx context.Context, spec *cloud.DeleteSpec) (*cloud.DeleteResult, error) {
	result := &cloud.DeleteResult{}

	logrus.Infof("[AWS] Searching for image: %s", spec.ImageID)
	image, err := a.findImageByID(ctx, spec.ImageID)
	if err != nil {
		return nil, err
	}
	if image == nil && spec.ImageName != "" {
		image, err = a.FindImageByName(ctx, spec.ImageName)
		if err != nil {
			return nil, err
		}
	}

	snapshotID := spec.SnapshotID
	if image != nil {
		if image.SnapshotID != "" {
			snapshotID = image.SnapshotID
		}
		logrus.Infof("[AWS] Deregistering image %s (%s)", image.ID, image.Name)
		_, err = a.ec2.DeregisterImage(
			ctx,
			&ec2.DeregisterImageInput{
				ImageId: aws.String(image.ID),
			},
		)
		if err != nil {
			return nil, err
		}
		result.ImageID = image.ID
	} else {
		logrus.Infof("[AWS] Image does not exist: %s", spec.ImageID)
		if snapshotID == "" && spec.SnapshotName != "" {
			snapshotID, err = a.findSnapshotByName(ctx, spec.SnapshotName)
			if err != nil {
				return nil, err
			}
		}
	}

	if spec.Container != "" && spec.ObjectKey != "" {
		err = a.DeleteObject(ctx, &cloud.Container{Name: spec.Container, Region: a.region}, spec.ObjectKey)
		if err != nil {
			return nil, err
		}
		result.ObjectKey = spec.ObjectKey
	}

	if snapshotID == "" {
		return result, nil
	}
	if spec.SkipSnapshot {
		logrus.Infof("[AWS] Skipping deletion of snapshot %s", snapshotID)
		return result, nil
	}

	logrus.Infof("[AWS] Deleting snapshot %s", snapshotID)
	_, err = a.ec2.DeleteSnapshot(
		ctx,
		&ec2.DeleteSnapshotInput{
			SnapshotId: aws.String(snapshotID),
		},
	)
	if err != nil {
		return nil, err
	}
	result.SnapshotID = snapshotID

	return result, nil
}

func (a *AWS) findImageByID(ctx context.Context, imageID string) (*cloud.RegisteredImage, error) {
	if imageID == "" {
		return nil, nil
	}
	image, err := a.findImage(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []ec2types.Filter{
			{
				Name:   aws.String("image-id"),
				Values: []string{imageID},
			},
		},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return image, nil
}

func (a *AWS) findSnapshotByName(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	rsp, err := a.ec2.DescribeSnapshots(
		ctx,
		&ec2.DescribeSnapshotsInput{
			OwnerIds: []string{"self"},
			Filters: []ec2types.Filter{
				{
					Name:   aws.String("tag:Name"),
					Values: []string{name},
				},
			},
		},
	)
	if err != nil {
		return "", err
	}
	if len(rsp.Snapshots) == 0 {
		return "", nil
	}
	if len(rsp.Snapshots) > 1 {
		var ids []string
		for _, snap := range rsp.Snapshots {
			ids = append(ids, aws.ToString(snap.SnapshotId))
		}
		logrus.Warnf("[AWS] Filtered more than one snapshot: %v", ids)
	}
	return aws.ToString(rsp.Snapshots[0].SnapshotId), nil
}

// Regions lists the regions available to this account.
func (a *AWS) Regions(ctx context.Context) ([]string, error) {
	out, err := a.ec2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, err
	}

	result := []string{}
	for _, r := range out.Regions {
		result = append(result, aws.ToString(r.RegionName))
	}
	return result, nil
}

// S3ObjectPresignedURL generates a presigned GET URL for an uploaded
// object, valid for a week.
func (a *AWS) S3ObjectPresignedURL(ctx context.Context, bucket, objectKey string) (string, error) {
	logrus.Infof("[AWS] Generating presigned URL for S3 object %s/%s", bucket, objectKey)

	req, err := a.s3presign.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(objectKey),
		},
		func(opts *s3.PresignOptions) {
			opts.Expires = 7 * 24 * time.Hour
		},
	)
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// DeleteObject removes an uploaded object, e.g. after the snapshot import
// made the S3 copy redundant.
func (a *AWS) DeleteObject(ctx context.Context, container *cloud.Container, key string) error {
	logrus.Infof("[AWS] Deleting object from S3: %s/%s", container.Name, key)
	_, err := a.s3.DeleteObject(
		ctx,
		&s3.DeleteObjectInput{
			Bucket: aws.String(container.Name),
			Key:    aws.String(key),
		},
	)
	return err
}

func ec2Architecture(arch string) (ec2types.ArchitectureValues, error) {
	switch arch {
	case "", "x86_64":
		return ec2types.ArchitectureValuesX8664, nil
	case "aarch64", "arm64":
		return ec2types.ArchitectureValuesArm64, nil
	}
	return "", fmt.Errorf("ec2 doesn't support the following arch: %s", arch)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket", "NoSuchKey", "InvalidAMIID.NotFound":
			return true
		}
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return true
	}
	var noKey *s3types.NoSuchKey
	return errors.As(err, &noKey)
}

func isDuplicateImageName(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidAMIName.Duplicate"
}

func mergeTags(tagMaps ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, tags := range tagMaps {
		for k, v := range tags {
			merged[k] = v
		}
	}
	return merged
}

func tagList(tags map[string]string) []ec2types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var list []ec2types.Tag
	for _, k := range keys {
		list = append(list, ec2types.Tag{
			Key:   aws.String(k),
			Value: aws.String(tags[k]),
		})
	}
	return list
}
