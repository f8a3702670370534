// Package media moves drafted items to media_ready: it fetches the composed
// image, validates and resizes it to platform bounds, and stores the
// rendition the publisher will upload.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/execute"
	"publication-pipeline/internal/lifecycle"
	"publication-pipeline/internal/models"
)

// Repository is the slice of the store the attacher needs.
type Repository interface {
	GetByStatus(ctx context.Context, status string, limit int) ([]models.ContentItem, error)
	SetImageRef(ctx context.Context, id, ref string) error
}

// Attacher prepares drafted items for scheduling.
type Attacher struct {
	repo     Repository
	guard    *lifecycle.Guard
	executor *execute.Executor
	fetcher  *Fetcher
	store    Uploader
	maxWidth int
	log      *logrus.Entry
}

func NewAttacher(repo Repository, guard *lifecycle.Guard, executor *execute.Executor, fetcher *Fetcher, store Uploader, maxWidth int, log *logrus.Entry) *Attacher {
	if maxWidth <= 0 {
		maxWidth = 1200
	}
	return &Attacher{
		repo:     repo,
		guard:    guard,
		executor: executor,
		fetcher:  fetcher,
		store:    store,
		maxWidth: maxWidth,
		log:      log,
	}
}

// AttachPending processes drafted items. Text items advance directly; photo
// items get their rendition prepared first. One item's failure never stops
// the batch.
func (a *Attacher) AttachPending(ctx context.Context, limit int) (int, error) {
	items, err := a.repo.GetByStatus(ctx, models.StatusDrafted, limit)
	if err != nil {
		return 0, fmt.Errorf("list drafted items: %w", err)
	}

	attached := 0
	for _, item := range items {
		if err := a.attach(ctx, item); err != nil {
			a.log.WithError(err).WithField("item", item.ID).Warn("media attach failed")
			continue
		}
		attached++
	}
	return attached, nil
}

func (a *Attacher) attach(ctx context.Context, item models.ContentItem) error {
	if item.PostType == models.PostTypePhoto {
		if item.ImageRef == nil || *item.ImageRef == "" {
			return fmt.Errorf("photo item %s has no source image", item.ID)
		}
		ref, err := a.prepare(ctx, item)
		if err != nil {
			return err
		}
		if err := a.repo.SetImageRef(ctx, item.ID, ref); err != nil {
			return fmt.Errorf("store rendition ref: %w", err)
		}
	}

	moved, err := a.guard.Move(ctx, item.ID, models.StatusDrafted, models.StatusMediaReady, lifecycle.Updates{})
	if err != nil {
		return err
	}
	if !moved {
		// Another run claimed it; not an error.
		return nil
	}
	return nil
}

// prepare downloads, validates, resizes, and stores the image, returning the
// rendition reference.
func (a *Attacher) prepare(ctx context.Context, item models.ContentItem) (string, error) {
	var data []byte
	err := a.executor.Do(ctx, "image-fetch", func(callCtx context.Context) error {
		var ferr error
		data, ferr = a.fetcher.Fetch(callCtx, *item.ImageRef)
		return ferr
	})
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > a.maxWidth {
		img = imaging.Resize(img, a.maxWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode rendition: %w", err)
	}

	key := fmt.Sprintf("renditions/%s.jpg", item.ID)
	return a.store.Upload(ctx, key, buf.Bytes(), "image/jpeg")
}

// Fetcher pulls source images over HTTP or from S3.
type Fetcher struct {
	http *http.Client
	s3   *S3Store
}

func NewFetcher(timeout time.Duration, s3 *S3Store) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{http: &http.Client{Timeout: timeout}, s3: s3}
}

func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "s3://") {
		if f.s3 == nil {
			return nil, execute.NonRetryable(fmt.Errorf("s3 ref %s but no bucket configured", ref))
		}
		return f.s3.Download(ctx, strings.TrimPrefix(ref, "s3://"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, execute.NonRetryable(fmt.Errorf("build image request: %w", err))
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, execute.Transient(fmt.Errorf("download image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cause := fmt.Errorf("download image: http %d", resp.StatusCode)
		if kind := execute.KindForHTTPStatus(resp.StatusCode); kind == execute.KindTransient {
			return nil, execute.Transient(cause)
		}
		return nil, execute.NonRetryable(cause)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, execute.Transient(fmt.Errorf("read image body: %w", err))
	}
	return data, nil
}
