// Package cloud defines the provider-agnostic model for publishing virtual
// machine disk images: the ImageSpec describing what to publish, the
// intermediate storage and image entities, and the capability interface
// every provider adapter implements.
package cloud

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/osbuild/cloudimg/internal/progress"
)

// BootMode selects the firmware interface an image boots with. The empty
// value leaves the choice to the provider.
type BootMode string

const (
	BootModeUnset  BootMode = ""
	BootModeLegacy BootMode = "legacy-bios"
	BootModeUefi   BootMode = "uefi"
	BootModeHybrid BootMode = "uefi-preferred"
)

// ParseBootMode validates a user-supplied boot mode string.
func ParseBootMode(s string) (BootMode, error) {
	switch BootMode(s) {
	case BootModeUnset, BootModeLegacy, BootModeUefi, BootModeHybrid:
		return BootMode(s), nil
	}
	return BootModeUnset, fmt.Errorf("unknown boot mode %q, must be one of: %s, %s, %s", s, BootModeLegacy, BootModeUefi, BootModeHybrid)
}

// ImageState is the lifecycle state of a registered image.
type ImageState string

const (
	ImageStatePending   ImageState = "pending"
	ImageStateAvailable ImageState = "available"
	ImageStateFailed    ImageState = "failed"
)

// ImageSpec describes a single image to publish. It is created by the
// caller and never mutated by the pipeline or the adapters.
type ImageSpec struct {
	// Source is a local path or a http(s) URL of the disk image. A
	// ".xz" suffix on a local path enables transparent decompression.
	Source string
	// Name is the image name, the primary identifier for idempotent
	// publishes.
	Name        string
	Description string

	// Region is the primary target region and CopyRegions are
	// additional regions the registered image is copied to.
	Region      string
	CopyRegions []string

	// Container is the storage container (bucket) the raw image is
	// uploaded into. ObjectKey defaults to the Source basename with any
	// ".xz" suffix stripped.
	Container string
	ObjectKey string

	// SnapshotName defaults to the object key without its extension.
	SnapshotName string

	// Virtualization attributes, validated by the provider adapter.
	Architecture    string
	BootMode        BootMode
	EnaSupport      *bool
	SriovNetSupport string
	VolumeType      string
	RootDeviceName  string
	BillingProducts []string

	// Sharing targets. Empty lists mean the image stays private.
	ShareAccounts         []string
	ShareGroups           []string
	SnapshotShareAccounts []string

	// Tags applied to every created resource; SnapshotTags and
	// ImageTags are merged on top for the respective resource.
	Tags         map[string]string
	SnapshotTags map[string]string
	ImageTags    map[string]string
}

// Validate checks the provider-independent parts of the spec.
func (s *ImageSpec) Validate() error {
	if s.Source == "" {
		return fmt.Errorf("image spec: a source must be defined")
	}
	if s.Name == "" {
		return fmt.Errorf("image spec: a name must be defined")
	}
	if s.Container == "" {
		return fmt.Errorf("image spec: a container must be defined")
	}
	return nil
}

// ObjectName returns the destination object key: the explicit ObjectKey if
// set, otherwise the Source basename with a trailing ".xz" stripped.
func (s *ImageSpec) ObjectName() string {
	if s.ObjectKey != "" {
		return s.ObjectKey
	}
	name := s.Source
	if u, err := url.Parse(s.Source); err == nil && u.Scheme != "" {
		name = u.Path
	}
	return strings.TrimSuffix(path.Base(name), ".xz")
}

// DefaultSnapshotName returns the explicit SnapshotName if set, otherwise
// the object name without its extension.
func (s *ImageSpec) DefaultSnapshotName() string {
	if s.SnapshotName != "" {
		return s.SnapshotName
	}
	object := s.ObjectName()
	return strings.TrimSuffix(object, path.Ext(object))
}

// Container is a storage namespace in a provider, usable only once the
// provider confirmed its existence.
type Container struct {
	Name   string
	Region string
}

// UploadedObject references the raw image bytes stored in a Container.
type UploadedObject struct {
	Container Container
	Key       string
	Size      int64
}

// RegisteredImage is the provider-side bootable image entity.
type RegisteredImage struct {
	ID             string
	Name           string
	Region         string
	State          ImageState
	SnapshotID     string
	SharedAccounts []string
	// Location is an optional provider-specific access URL, e.g. a SAS
	// URI on Azure.
	Location string
}

// DeleteSpec identifies an image (and its dependent objects) to remove.
type DeleteSpec struct {
	ImageID      string
	ImageName    string
	SnapshotID   string
	SnapshotName string
	Container    string
	// ObjectKey names the uploaded object to remove alongside the image.
	// Requires Container to be set as well.
	ObjectKey string
	// SkipSnapshot keeps the backing snapshot around.
	SkipSnapshot bool
}

// DeleteResult lists the identifiers of removed objects.
type DeleteResult struct {
	ImageID    string
	SnapshotID string
	ObjectKey  string
}

// Provider is the capability interface implemented once per cloud. All
// operations block until the provider confirmed the effect, polling through
// the waiter package where the effect is not immediately observable.
type Provider interface {
	// EnsureContainer returns the container, creating it if needed. It
	// only returns once the container is confirmed to exist.
	EnsureContainer(ctx context.Context, name, region string) (*Container, error)

	// Upload streams the source into the container under key, invoking
	// fn with cumulative progress at bounded intervals. A failed upload
	// is restarted from zero by the caller, resuming is not supported.
	Upload(ctx context.Context, container *Container, source, key string, fn progress.Func) (*UploadedObject, error)

	// VerifyObject is a read-only existence probe for an uploaded key.
	VerifyObject(ctx context.Context, container *Container, key string) (bool, error)

	// Register turns the uploaded object into a bootable image entity.
	// The returned image may still be pending.
	Register(ctx context.Context, obj *UploadedObject, spec *ImageSpec) (*RegisteredImage, error)

	// AwaitAvailable blocks until the image converges to available, or
	// fails with a RegistrationError when the provider reports failure.
	AwaitAvailable(ctx context.Context, image *RegisteredImage) (*RegisteredImage, error)

	// Share grants launch permission to the given accounts and groups.
	// Empty lists are a no-op.
	Share(ctx context.Context, image *RegisteredImage, accounts, groups []string) (*RegisteredImage, error)

	// FindImageByName returns an existing image with the given name, or
	// nil when none exists.
	FindImageByName(ctx context.Context, name string) (*RegisteredImage, error)

	// MaxImageNameLength is the provider's image name length limit.
	MaxImageNameLength() int

	// MaxShareGrants is the provider's sharing-grant cardinality limit,
	// 0 when the provider has no account sharing model.
	MaxShareGrants() int
}

// ImageCopier is implemented by providers that can copy a registered image
// into another region.
type ImageCopier interface {
	CopyImage(ctx context.Context, image *RegisteredImage, name, region string) (*RegisteredImage, error)
}

// Deleter is implemented by providers that can remove published images.
type Deleter interface {
	Delete(ctx context.Context, spec *DeleteSpec) (*DeleteResult, error)
}

// RegionLister is implemented by providers that can enumerate their
// regions.
type RegionLister interface {
	Regions(ctx context.Context) ([]string, error)
}

// ContainerScoped is implemented by providers whose name lookups are scoped
// to a container. Callers set the container from the image spec before
// probing so lookups and uploads agree on the scope.
type ContainerScoped interface {
	SetDefaultContainer(name string)
}
