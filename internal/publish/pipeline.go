// Package publish drives the end-to-end image publishing workflow: ensure
// the storage container, upload the disk image, register it as a bootable
// image, wait for the provider to converge, and share it with the target
// accounts. Every step that is only eventually visible is polled through
// the waiter package.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/cloudimg/internal/cloud"
	"github.com/osbuild/cloudimg/internal/progress"
	"github.com/osbuild/cloudimg/internal/waiter"
)

// State names the pipeline's position in the publish workflow.
type State string

const (
	StateInit           State = "INIT"
	StateContainerReady State = "CONTAINER_READY"
	StateUploaded       State = "UPLOADED"
	StateRegistered     State = "REGISTERED"
	StateAvailable      State = "AVAILABLE"
	StateShared         State = "SHARED"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// PhaseDuration records the wall-clock duration of one waited phase for
// diagnostics.
type PhaseDuration struct {
	Name     string
	Duration time.Duration
}

// PublishResult is the terminal record returned to the caller.
type PublishResult struct {
	Image  cloud.RegisteredImage
	Region string
	State  State
	Phases []PhaseDuration
	// Copies are the images created in CopyRegions, empty unless the
	// spec requested region copies.
	Copies []cloud.RegisteredImage
}

// Error wraps a step's root cause together with the last successfully
// completed state, so callers can resume from that point rather than
// restarting from scratch.
type Error struct {
	// State is the last state the pipeline completed before failing.
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish failed after reaching %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options tune the pipeline's retry and wait behavior. The zero value gets
// defaults from New.
type Options struct {
	// UploadAttempts is the total upload attempt budget, transient
	// transport failures included.
	UploadAttempts int
	// UploadRetryDelay is slept between upload attempts.
	UploadRetryDelay time.Duration
	// VerifyWait polls for the uploaded object to become visible.
	VerifyWait waiter.Options
	// AvailabilityWait is handed to adapters that poll for image
	// availability through their own defaults when unset.
	AvailabilityWait waiter.Options
	// CopyConcurrency bounds parallel region copies.
	CopyConcurrency int
	// ProgressLogInterval tunes the upload progress log rate.
	ProgressLogInterval time.Duration
}

// Pipeline publishes images through a provider adapter. A single Publish
// call runs sequentially; independent Publish calls may run concurrently.
type Pipeline struct {
	provider cloud.Provider
	opts     Options
}

// New creates a Pipeline for the given provider, filling in defaults for
// unset options.
func New(provider cloud.Provider, opts Options) *Pipeline {
	if opts.UploadAttempts <= 0 {
		opts.UploadAttempts = 3
	}
	if opts.UploadRetryDelay <= 0 {
		opts.UploadRetryDelay = 10 * time.Second
	}
	if opts.VerifyWait.Interval <= 0 {
		opts.VerifyWait.Interval = 5 * time.Second
	}
	if opts.VerifyWait.MaxAttempts <= 0 && opts.VerifyWait.Timeout <= 0 {
		opts.VerifyWait.MaxAttempts = 24
	}
	if opts.CopyConcurrency <= 0 {
		opts.CopyConcurrency = 4
	}
	if opts.ProgressLogInterval <= 0 {
		opts.ProgressLogInterval = progress.DefaultLogInterval
	}
	return &Pipeline{provider: provider, opts: opts}
}

// Publish runs the workflow for one image spec and blocks until the image
// is available and shared, or a step fails. The context is honored at
// every state transition boundary: once cancelled, no further provider
// calls are made, but already-completed irreversible steps are not undone.
//
// Publishing the same spec twice does not create a duplicate image: an
// existing available image with the target name short-circuits straight to
// the sharing step.
func (p *Pipeline) Publish(ctx context.Context, spec *cloud.ImageSpec) (*PublishResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, &Error{State: StateInit, Err: err}
	}
	if maxLen := p.provider.MaxImageNameLength(); maxLen > 0 && len(spec.Name) > maxLen {
		return nil, &Error{State: StateInit, Err: fmt.Errorf("image name %q exceeds the provider's %d character limit", spec.Name, maxLen)}
	}
	if len(spec.CopyRegions) > 0 {
		if _, ok := p.provider.(cloud.ImageCopier); !ok {
			return nil, &Error{State: StateInit, Err: fmt.Errorf("provider does not support copying images to other regions")}
		}
	}

	run := &publishRun{Pipeline: p, spec: spec, state: StateInit}
	result, err := run.publish(ctx)
	if err != nil {
		logrus.Errorf("Publishing %s failed after reaching %s: %v", spec.Name, run.state, err)
		return nil, &Error{State: run.state, Err: err}
	}
	return result, nil
}

// publishRun keeps the mutable state of one Publish invocation.
type publishRun struct {
	*Pipeline
	spec   *cloud.ImageSpec
	state  State
	phases []PhaseDuration
}

func (r *publishRun) publish(ctx context.Context) (*PublishResult, error) {
	spec := r.spec

	// Providers whose name lookups are container-scoped need the spec's
	// container before the probe, or the lookup would search the
	// configured default instead.
	if scoped, ok := r.provider.(cloud.ContainerScoped); ok && spec.Container != "" {
		scoped.SetDefaultContainer(spec.Container)
	}

	// An image published earlier under the same name makes all the
	// expensive work below redundant.
	logrus.Infof("Searching for image: %s", spec.Name)
	image, err := r.provider.FindImageByName(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	if image == nil {
		logrus.Infof("Image does not exist: %s", spec.Name)
		image, err = r.createImage(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		logrus.Infof("Image already exists with id: %s", image.ID)
		if image.State == cloud.ImageStateFailed {
			return nil, &cloud.RegistrationError{Name: spec.Name, Reason: "existing image with this name is in a failed state"}
		}
		r.state = StateRegistered
		if image.State != cloud.ImageStateAvailable {
			image, err = r.awaitAvailable(ctx, image)
			if err != nil {
				return nil, err
			}
		}
		r.state = StateAvailable
	}

	image, err = r.share(ctx, image)
	if err != nil {
		return nil, err
	}
	r.state = StateShared

	copies, err := r.copyToRegions(ctx, image)
	if err != nil {
		return nil, err
	}

	r.state = StateDone
	logrus.Infof("Image published: %s", image.ID)

	return &PublishResult{
		Image:  *image,
		Region: image.Region,
		State:  StateDone,
		Phases: r.phases,
		Copies: copies,
	}, nil
}

// createImage walks the full container/upload/register chain for a spec
// whose image does not exist yet.
func (r *publishRun) createImage(ctx context.Context) (*cloud.RegisteredImage, error) {
	spec := r.spec

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	container, err := timedStep(r, "container", func() (*cloud.Container, error) {
		return r.provider.EnsureContainer(ctx, spec.Container, spec.Region)
	})
	if err != nil {
		return nil, err
	}
	r.state = StateContainerReady

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, err := timedStep(r, "upload", func() (*cloud.UploadedObject, error) {
		return r.upload(ctx, container)
	})
	if err != nil {
		return nil, err
	}
	r.state = StateUploaded

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	image, err := timedStep(r, "register", func() (*cloud.RegisteredImage, error) {
		return r.provider.Register(ctx, obj, spec)
	})
	if err != nil {
		return nil, err
	}
	r.state = StateRegistered

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	image, err = r.awaitAvailable(ctx, image)
	if err != nil {
		return nil, err
	}
	r.state = StateAvailable

	return image, nil
}

// upload pushes the image bytes and waits for the object to become
// visible. An object left behind by an earlier partial publish is reused
// instead of re-uploaded. Transient transport failures restart the upload
// from zero, up to the pipeline's attempt budget.
func (r *publishRun) upload(ctx context.Context, container *cloud.Container) (*cloud.UploadedObject, error) {
	spec := r.spec
	key := spec.ObjectName()

	exists, err := r.provider.VerifyObject(ctx, container, key)
	if err != nil {
		return nil, err
	}
	if exists {
		logrus.Infof("Object already exists: %s/%s, skipping upload", container.Name, key)
		return &cloud.UploadedObject{Container: *container, Key: key}, nil
	}

	reporter := progress.NewReporter(container.Name, key, 0)
	reporter.SetInterval(r.opts.ProgressLogInterval)

	var obj *cloud.UploadedObject
	for attempt := 1; ; attempt++ {
		obj, err = r.provider.Upload(ctx, container, spec.Source, key, reporter.Report)
		if err == nil {
			break
		}

		var uploadErr *cloud.UploadError
		if !errors.As(err, &uploadErr) || attempt >= r.opts.UploadAttempts {
			return nil, err
		}
		logrus.Warnf("Upload attempt %d/%d failed, restarting: %v", attempt, r.opts.UploadAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.UploadRetryDelay):
		}
	}

	// Object-store writes are not immediately readable; occasionally
	// they need a second propagation cycle, so one timed-out wait is
	// repeated before giving up.
	probe := func(ctx context.Context) (waiter.Result, error) {
		exists, err := r.provider.VerifyObject(ctx, container, key)
		if err != nil {
			return waiter.NotReady, err
		}
		if exists {
			return waiter.Ready, nil
		}
		return waiter.NotReady, nil
	}
	name := fmt.Sprintf("object %s/%s", container.Name, key)
	err = waiter.WaitUntil(ctx, name, probe, r.opts.VerifyWait)
	var timeoutErr *waiter.TimeoutError
	if errors.As(err, &timeoutErr) {
		logrus.Warnf("Visibility wait for %s timed out, retrying once: %v", name, err)
		err = waiter.WaitUntil(ctx, name, probe, r.opts.VerifyWait)
	}
	if err != nil {
		return nil, err
	}

	return obj, nil
}

func (r *publishRun) awaitAvailable(ctx context.Context, image *cloud.RegisteredImage) (*cloud.RegisteredImage, error) {
	return timedStep(r, "available", func() (*cloud.RegisteredImage, error) {
		return r.provider.AwaitAvailable(ctx, image)
	})
}

// share grants launch permission to the spec's accounts and groups. An
// empty target set is a no-op, not an error.
func (r *publishRun) share(ctx context.Context, image *cloud.RegisteredImage) (*cloud.RegisteredImage, error) {
	spec := r.spec
	if len(spec.ShareAccounts) == 0 && len(spec.ShareGroups) == 0 {
		return image, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return timedStep(r, "share", func() (*cloud.RegisteredImage, error) {
		return r.provider.Share(ctx, image, spec.ShareAccounts, spec.ShareGroups)
	})
}

// copyToRegions clones the available image into each copy region, bounded
// by the configured concurrency.
func (r *publishRun) copyToRegions(ctx context.Context, image *cloud.RegisteredImage) ([]cloud.RegisteredImage, error) {
	spec := r.spec
	if len(spec.CopyRegions) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	copier := r.provider.(cloud.ImageCopier)

	start := time.Now()
	copies := make([]cloud.RegisteredImage, len(spec.CopyRegions))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.opts.CopyConcurrency)
	for i, region := range spec.CopyRegions {
		group.Go(func() error {
			logrus.Infof("Copying image %s to region %s", image.ID, region)
			copied, err := copier.CopyImage(groupCtx, image, spec.Name, region)
			if err != nil {
				return fmt.Errorf("copying image to %s failed: %w", region, err)
			}
			copies[i] = *copied
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	r.phases = append(r.phases, PhaseDuration{Name: "copy", Duration: time.Since(start)})

	return copies, nil
}

// timedStep runs one step and records its wall-clock duration.
func timedStep[T any](r *publishRun, name string, step func() (T, error)) (T, error) {
	start := time.Now()
	result, err := step()
	r.phases = append(r.phases, PhaseDuration{Name: name, Duration: time.Since(start)})
	return result, err
}
