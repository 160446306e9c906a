package awscloud_test

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type ec2mock struct {
	mu       sync.Mutex
	calledFn map[string]int

	// existing snapshots keyed by their Name tag
	snapshots map[string]string
	// images returned by DescribeImages
	images []ec2types.Image
	// import task polls needed before the task completes
	importPolls int
	importPoll  int
	// image polls needed before the image turns available
	imagePolls int
	imagePoll  int
	imageState ec2types.ImageState

	registerErr    error
	rejectAccounts map[string]bool

	taggedResources []string
	sharedAccounts  []string
	sharedGroups    []string
	clientTokens    []string
}

func newEc2Mock() *ec2mock {
	return &ec2mock{
		calledFn:       map[string]int{},
		snapshots:      map[string]string{},
		imageState:     ec2types.ImageStateAvailable,
		rejectAccounts: map[string]bool{},
	}
}

func (m *ec2mock) called(fn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calledFn[fn]++
}

func (m *ec2mock) CopyImage(ctx context.Context, input *ec2.CopyImageInput, optFns ...func(*ec2.Options)) (*ec2.CopyImageOutput, error) {
	m.called("CopyImage")
	m.clientTokens = append(m.clientTokens, aws.ToString(input.ClientToken))
	return &ec2.CopyImageOutput{
		ImageId: aws.String("ami-copied"),
	}, nil
}

func (m *ec2mock) DeregisterImage(ctx context.Context, input *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	m.called("DeregisterImage")
	return &ec2.DeregisterImageOutput{}, nil
}

func (m *ec2mock) DescribeImages(ctx context.Context, input *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	m.called("DescribeImages")
	if len(input.ImageIds) > 0 {
		// availability poll
		m.imagePoll++
		state := ec2types.ImageStatePending
		if m.imagePoll > m.imagePolls {
			state = m.imageState
		}
		return &ec2.DescribeImagesOutput{
			Images: []ec2types.Image{
				{
					ImageId:     aws.String(input.ImageIds[0]),
					State:       state,
					StateReason: &ec2types.StateReason{Message: aws.String("mock state reason")},
				},
			},
		}, nil
	}
	return &ec2.DescribeImagesOutput{Images: m.images}, nil
}

func (m *ec2mock) ModifyImageAttribute(ctx context.Context, input *ec2.ModifyImageAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyImageAttributeOutput, error) {
	m.called("ModifyImageAttribute")
	for _, perm := range input.LaunchPermission.Add {
		if perm.UserId != nil {
			if m.rejectAccounts[*perm.UserId] {
				return nil, &smithy.GenericAPIError{Code: "InvalidAMIAttributeItemValue", Message: "invalid account"}
			}
			m.sharedAccounts = append(m.sharedAccounts, *perm.UserId)
		}
		if perm.Group != "" {
			m.sharedGroups = append(m.sharedGroups, string(perm.Group))
		}
	}
	return &ec2.ModifyImageAttributeOutput{}, nil
}

func (m *ec2mock) RegisterImage(ctx context.Context, input *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error) {
	m.called("RegisterImage")
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	return &ec2.RegisterImageOutput{
		ImageId: aws.String("ami-12345678"),
	}, nil
}

func (m *ec2mock) DeleteSnapshot(ctx context.Context, input *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	m.called("DeleteSnapshot")
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (m *ec2mock) DescribeImportSnapshotTasks(ctx context.Context, input *ec2.DescribeImportSnapshotTasksInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImportSnapshotTasksOutput, error) {
	m.called("DescribeImportSnapshotTasks")
	m.importPoll++
	detail := &ec2types.SnapshotTaskDetail{
		Status:   aws.String("active"),
		Progress: aws.String("42"),
	}
	if m.importPoll > m.importPolls {
		detail.Status = aws.String("completed")
		detail.SnapshotId = aws.String("snap-12345678")
	}
	return &ec2.DescribeImportSnapshotTasksOutput{
		ImportSnapshotTasks: []ec2types.ImportSnapshotTask{
			{SnapshotTaskDetail: detail},
		},
	}, nil
}

func (m *ec2mock) DescribeSnapshots(ctx context.Context, input *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	m.called("DescribeSnapshots")
	for _, f := range input.Filters {
		if aws.ToString(f.Name) != "tag:Name" {
			continue
		}
		for _, name := range f.Values {
			if id, ok := m.snapshots[name]; ok {
				return &ec2.DescribeSnapshotsOutput{
					Snapshots: []ec2types.Snapshot{
						{SnapshotId: aws.String(id)},
					},
				}, nil
			}
		}
	}
	return &ec2.DescribeSnapshotsOutput{}, nil
}

func (m *ec2mock) ImportSnapshot(ctx context.Context, input *ec2.ImportSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.ImportSnapshotOutput, error) {
	m.called("ImportSnapshot")
	m.clientTokens = append(m.clientTokens, aws.ToString(input.ClientToken))
	return &ec2.ImportSnapshotOutput{
		ImportTaskId: aws.String("import-snap-12345678"),
	}, nil
}

func (m *ec2mock) ModifySnapshotAttribute(ctx context.Context, input *ec2.ModifySnapshotAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error) {
	m.called("ModifySnapshotAttribute")
	return &ec2.ModifySnapshotAttributeOutput{}, nil
}

func (m *ec2mock) CreateTags(ctx context.Context, input *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	m.called("CreateTags")
	m.mu.Lock()
	m.taggedResources = append(m.taggedResources, input.Resources...)
	m.mu.Unlock()
	return &ec2.CreateTagsOutput{}, nil
}

func (m *ec2mock) DescribeRegions(ctx context.Context, input *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	m.called("DescribeRegions")
	return &ec2.DescribeRegionsOutput{
		Regions: []ec2types.Region{
			{RegionName: aws.String("us-east-1")},
			{RegionName: aws.String("eu-central-1")},
		},
	}, nil
}

type s3mock struct {
	calledFn map[string]int

	// buckets that HeadBucket reports as existing
	buckets map[string]bool
	// objects that HeadObject reports as existing
	objects map[string]bool
	// HeadBucket calls before a created bucket becomes visible
	propagationPolls int
	headBucketPolls  map[string]int
}

func newS3Mock() *s3mock {
	return &s3mock{
		calledFn:        map[string]int{},
		buckets:         map[string]bool{},
		objects:         map[string]bool{},
		headBucketPolls: map[string]int{},
	}
}

func (m *s3mock) CreateBucket(ctx context.Context, input *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.calledFn["CreateBucket"]++
	m.buckets[aws.ToString(input.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

func (m *s3mock) HeadBucket(ctx context.Context, input *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.calledFn["HeadBucket"]++
	bucket := aws.ToString(input.Bucket)
	if !m.buckets[bucket] {
		return nil, &s3types.NotFound{}
	}
	m.headBucketPolls[bucket]++
	if m.headBucketPolls[bucket] <= m.propagationPolls {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *s3mock) HeadObject(ctx context.Context, input *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.calledFn["HeadObject"]++
	key := fmt.Sprintf("%s/%s", aws.ToString(input.Bucket), aws.ToString(input.Key))
	if !m.objects[key] {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *s3mock) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.calledFn["DeleteObject"]++
	key := fmt.Sprintf("%s/%s", aws.ToString(input.Bucket), aws.ToString(input.Key))
	delete(m.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

type uploaderMock struct {
	calledFn map[string]int

	bucket string
	key    string
	size   int64
	err    error
}

func newUploaderMock() *uploaderMock {
	return &uploaderMock{calledFn: map[string]int{}}
}

func (m *uploaderMock) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	m.calledFn["Upload"]++
	if m.err != nil {
		return nil, m.err
	}
	m.bucket = aws.ToString(input.Bucket)
	m.key = aws.ToString(input.Key)
	n, err := io.Copy(io.Discard, input.Body)
	if err != nil {
		return nil, err
	}
	m.size = n
	return &manager.UploadOutput{}, nil
}

type presignMock struct {
	calledFn map[string]int
}

func newPresignMock() *presignMock {
	return &presignMock{calledFn: map[string]int{}}
}

func (m *presignMock) PresignGetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	m.calledFn["PresignGetObject"]++
	return &v4.PresignedHTTPRequest{
		URL: fmt.Sprintf("https://%s.s3.amazonaws.com/%s?signature=mock", aws.ToString(input.Bucket), aws.ToString(input.Key)),
	}, nil
}
