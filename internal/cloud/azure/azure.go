// Package azure publishes disk images to an Azure storage account as page
// blobs, the format Azure requires for VM images. There is no separate
// registration step: the uploaded VHD blob itself is the bootable artifact
// and access is granted through SAS URIs.
package azure

import (
	"bufio"
	"bytes"
	"context"
	// azure uses MD5 hashes
	/* #nosec G501 */
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/pageblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/cloudimg/internal/cloud"
	"github.com/osbuild/cloudimg/internal/progress"
	"github.com/osbuild/cloudimg/internal/waiter"
)

const (
	// DefaultUploadThreads defines a tested default value for the
	// number of parallel page uploads.
	DefaultUploadThreads = 16

	// pages are uploaded in chunks of up to 4 MiB
	pageChunkSize = 4 * 1024 * 1024

	// blob names are capped at 1024 characters
	maxImageNameLength = 1024

	// SAS URIs handed out by Share stay valid for a week
	shareExpiry = 7 * 24 * time.Hour
)

// WaitConfig tunes the polling for blob visibility.
type WaitConfig struct {
	BlobPropagation waiter.Options
}

func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		BlobPropagation: waiter.Options{Interval: 5 * time.Second, MaxAttempts: 24},
	}
}

type Azure struct {
	account string
	cred    *azblob.SharedKeyCredential
	client  *azblob.Client

	// defaultContainer is searched by FindImageByName, which has no
	// container parameter.
	defaultContainer string
	threads          int
	waits            WaitConfig
}

var _ cloud.Provider = (*Azure)(nil)
var _ cloud.Deleter = (*Azure)(nil)
var _ cloud.ContainerScoped = (*Azure)(nil)

// NewClient creates a client for the given storage account using a shared
// key. See the docs how to retrieve the key:
// https://docs.microsoft.com/en-us/rest/api/storagerp/storageaccounts/listkeys
func NewClient(storageAccount, storageAccessKey string) (*Azure, error) {
	cred, err := azblob.NewSharedKeyCredential(storageAccount, storageAccessKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create shared key credential: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net/", storageAccount), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create blob service client: %w", err)
	}

	return &Azure{
		account: storageAccount,
		cred:    cred,
		client:  client,
		threads: DefaultUploadThreads,
		waits:   DefaultWaitConfig(),
	}, nil
}

// NewClientFromConnectionString creates a client from an Azure storage
// connection string as shown in the portal.
func NewClientFromConnectionString(connStr string) (*Azure, error) {
	account, key, err := parseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	return NewClient(account, key)
}

// parseConnectionString extracts the account name and shared key from a
// connection string of the form "AccountName=...;AccountKey=...;...".
func parseConnectionString(connStr string) (string, string, error) {
	var account, key string
	for _, part := range strings.Split(connStr, ";") {
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		if !found {
			return "", "", fmt.Errorf("malformed connection string segment: %q", part)
		}
		switch name {
		case "AccountName":
			account = value
		case "AccountKey":
			key = value
		}
	}
	if account == "" || key == "" {
		return "", "", errors.New("connection string must contain AccountName and AccountKey")
	}
	return account, key, nil
}

// SetDefaultContainer sets the container searched by FindImageByName.
func (az *Azure) SetDefaultContainer(name string) {
	az.defaultContainer = name
}

// SetUploadThreads bounds the number of parallel page uploads.
func (az *Azure) SetUploadThreads(threads int) {
	if threads > 0 {
		az.threads = threads
	}
}

// SetWaitConfig overrides the polling defaults.
func (az *Azure) SetWaitConfig(waits WaitConfig) {
	az.waits = waits
}

func (az *Azure) MaxImageNameLength() int {
	return maxImageNameLength
}

// MaxShareGrants returns 0: Azure has no account-grant model, sharing
// hands out SAS URIs instead.
func (az *Azure) MaxShareGrants() int {
	return 0
}

// EnsureContainer returns the storage container, creating it when missing.
// The region argument is ignored, the storage account pins the location.
func (az *Azure) EnsureContainer(ctx context.Context, name, region string) (*cloud.Container, error) {
	container := &cloud.Container{Name: name, Region: region}

	logrus.Infof("[Azure] Ensuring container: %s", name)
	_, err := az.client.CreateContainer(ctx, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return container, nil
		}
		return nil, &cloud.ContainerCreationError{Name: name, Err: err}
	}

	containerClient := az.client.ServiceClient().NewContainerClient(name)
	err = waiter.WaitUntil(ctx, fmt.Sprintf("container %s", name), func(ctx context.Context) (waiter.Result, error) {
		_, err := containerClient.GetProperties(ctx, nil)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return waiter.NotReady, nil
			}
			return waiter.NotReady, err
		}
		return waiter.Ready, nil
	}, az.waits.BlobPropagation)
	if err != nil {
		return nil, err
	}

	return container, nil
}

// Upload uploads the image as a page blob. The source must be a local,
// uncompressed file whose size is aligned to 512 bytes. Pages are uploaded
// in parallel, bounded by the configured thread count, and the blob MD5 is
// verified after the upload.
func (az *Azure) Upload(ctx context.Context, container *cloud.Container, source, key string, fn progress.Func) (*cloud.UploadedObject, error) {
	if cloud.IsRemoteSource(source) {
		return nil, &cloud.UploadError{Container: container.Name, Key: key,
			Err: errors.New("page blob upload requires a local file")}
	}
	if strings.HasSuffix(source, ".xz") {
		return nil, &cloud.UploadError{Container: container.Name, Key: key,
			Err: errors.New("page blob upload requires an uncompressed image, the total size must be known upfront")}
	}

	imageFile, err := os.Open(source)
	if err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: err}
	}
	defer imageFile.Close()

	stat, err := imageFile.Stat()
	if err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: err}
	}
	size := stat.Size()

	if size%512 != 0 {
		return nil, &cloud.UploadError{Container: container.Name, Key: key,
			Err: errors.New("size for azure image must be aligned to 512 bytes")}
	}

	// azure uses MD5 hashes
	/* #nosec G401 */
	imageFileHash := md5.New()
	if _, err := io.Copy(imageFileHash, imageFile); err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: fmt.Errorf("cannot create md5 of the image: %w", err)}
	}
	if _, err := imageFile.Seek(0, io.SeekStart); err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: err}
	}
	fileChecksum := imageFileHash.Sum(nil)

	pageBlobClient := az.client.ServiceClient().NewContainerClient(container.Name).NewPageBlobClient(key)

	logrus.Infof("[Azure] Uploading %s to container %s as %s", source, container.Name, key)
	_, err = pageBlobClient.Create(ctx, size, &pageblob.CreateOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentMD5: fileChecksum,
		},
	})
	if err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: fmt.Errorf("cannot create the page blob: %w", err)}
	}

	var sent atomic.Int64
	var progressMu sync.Mutex
	report := func(n int64) {
		if fn == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		fn(sent.Add(n), size)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(az.threads)

	reader := bufio.NewReader(imageFile)
	var offset int64
	for {
		buffer := make([]byte, pageChunkSize)
		n, err := io.ReadFull(reader, buffer)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			_ = g.Wait()
			return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: fmt.Errorf("reading the image failed: %w", err)}
		}

		chunkOffset := offset
		chunk := buffer[:n]
		g.Go(func() error {
			_, err := pageBlobClient.UploadPages(
				gctx,
				streaming.NopCloser(bytes.NewReader(chunk)),
				blob.HTTPRange{Offset: chunkOffset, Count: int64(len(chunk))},
				nil,
			)
			if err != nil {
				return fmt.Errorf("uploading a page failed: %w", err)
			}
			report(int64(len(chunk)))
			return nil
		})
		offset += int64(n)
	}
	if err := g.Wait(); err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: err}
	}

	props, err := pageBlobClient.GetProperties(ctx, nil)
	if err != nil {
		return nil, &cloud.UploadError{Container: container.Name, Key: key, Err: fmt.Errorf("getting the properties of the new blob failed: %w", err)}
	}
	if !bytes.Equal(props.ContentMD5, fileChecksum) {
		return nil, &cloud.UploadError{Container: container.Name, Key: key,
			Err: errors.New("error during image upload. the image seems to be corrupted")}
	}

	logrus.Infof("[Azure] Successfully uploaded %s", source)
	return &cloud.UploadedObject{
		Container: *container,
		Key:       key,
		Size:      size,
	}, nil
}

// VerifyObject is a read-only existence probe for an uploaded blob.
func (az *Azure) VerifyObject(ctx context.Context, container *cloud.Container, key string) (bool, error) {
	blobClient := az.client.ServiceClient().NewContainerClient(container.Name).NewBlobClient(key)
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Register resolves the uploaded VHD blob into an image. Azure has no
// separate image registry for blob-backed images, the blob URL is the
// image identity.
func (az *Azure) Register(ctx context.Context, obj *cloud.UploadedObject, spec *cloud.ImageSpec) (*cloud.RegisteredImage, error) {
	if !strings.HasSuffix(obj.Key, ".vhd") {
		return nil, &cloud.RegistrationError{Name: spec.Name,
			Reason: fmt.Sprintf("blob %s is missing the .vhd extension required for images", obj.Key)}
	}

	return &cloud.RegisteredImage{
		ID:     az.blobURL(obj.Container.Name, obj.Key),
		Name:   spec.Name,
		Region: spec.Region,
		State:  cloud.ImageStatePending,
	}, nil
}

// AwaitAvailable confirms the blob is visible to readers.
func (az *Azure) AwaitAvailable(ctx context.Context, image *cloud.RegisteredImage) (*cloud.RegisteredImage, error) {
	container, key, err := az.splitBlobURL(image.ID)
	if err != nil {
		return nil, err
	}

	err = waiter.WaitUntil(ctx, fmt.Sprintf("blob %s", key), func(ctx context.Context) (waiter.Result, error) {
		ok, err := az.VerifyObject(ctx, &cloud.Container{Name: container}, key)
		if err != nil {
			return waiter.NotReady, err
		}
		if ok {
			return waiter.Ready, nil
		}
		return waiter.NotReady, nil
	}, az.waits.BlobPropagation)
	if err != nil {
		return nil, err
	}

	available := *image
	available.State = cloud.ImageStateAvailable
	return &available, nil
}

// Share generates a read-only SAS URI for the image blob and records it as
// the image Location. Azure storage has no per-account grant model, the
// accounts receive the same SAS URI. Groups are not supported.
func (az *Azure) Share(ctx context.Context, image *cloud.RegisteredImage, accounts, groups []string) (*cloud.RegisteredImage, error) {
	if len(groups) > 0 {
		return nil, &cloud.PartialShareError{
			Failed: groups,
			Err:    errors.New("azure does not support group sharing"),
		}
	}
	if len(accounts) == 0 {
		return image, nil
	}

	container, key, err := az.splitBlobURL(image.ID)
	if err != nil {
		return nil, err
	}

	logrus.Infof("[Azure] Generating SAS URI for blob %s", key)
	blobClient := az.client.ServiceClient().NewContainerClient(container).NewBlobClient(key)
	sasURL, err := blobClient.GetSASURL(
		sas.BlobPermissions{Read: true},
		time.Now().UTC().Add(shareExpiry),
		nil,
	)
	if err != nil {
		return nil, &cloud.PartialShareError{Failed: accounts, Err: err}
	}

	shared := *image
	shared.SharedAccounts = append(append([]string{}, shared.SharedAccounts...), accounts...)
	shared.Location = sasURL
	return &shared, nil
}

// FindImageByName checks the default container for a VHD blob with the
// given name.
func (az *Azure) FindImageByName(ctx context.Context, name string) (*cloud.RegisteredImage, error) {
	if az.defaultContainer == "" {
		return nil, nil
	}

	key := EnsureVHDExtension(name)
	ok, err := az.VerifyObject(ctx, &cloud.Container{Name: az.defaultContainer}, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return &cloud.RegisteredImage{
		ID:    az.blobURL(az.defaultContainer, key),
		Name:  name,
		State: cloud.ImageStateAvailable,
	}, nil
}

// Delete removes the image blob, snapshots included.
func (az *Azure) Delete(ctx context.Context, spec *cloud.DeleteSpec) (*cloud.DeleteResult, error) {
	container := spec.Container
	if container == "" {
		container = az.defaultContainer
	}
	key := spec.ImageID
	if key == "" {
		key = EnsureVHDExtension(spec.ImageName)
	}

	logrus.Infof("[Azure] Deleting blob %s from container %s", key, container)
	blobClient := az.client.ServiceClient().NewContainerClient(container).NewBlobClient(key)
	_, err := blobClient.Delete(ctx, &blob.DeleteOptions{
		DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			logrus.Infof("[Azure] Blob does not exist: %s", key)
			return &cloud.DeleteResult{}, nil
		}
		return nil, err
	}

	return &cloud.DeleteResult{ImageID: key}, nil
}

func (az *Azure) blobURL(container, key string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", az.account, container, key)
}

func (az *Azure) splitBlobURL(blobURL string) (string, string, error) {
	prefix := fmt.Sprintf("https://%s.blob.core.windows.net/", az.account)
	rest, found := strings.CutPrefix(blobURL, prefix)
	if !found {
		return "", "", fmt.Errorf("blob URL %q does not belong to storage account %s", blobURL, az.account)
	}
	container, key, found := strings.Cut(rest, "/")
	if !found || container == "" || key == "" {
		return "", "", fmt.Errorf("malformed blob URL: %q", blobURL)
	}
	return container, key, nil
}

// EnsureVHDExtension returns the given string with .vhd suffix if it
// already doesn't have one.
func EnsureVHDExtension(s string) string {
	if strings.HasSuffix(s, ".vhd") {
		return s
	}

	return s + ".vhd"
}
