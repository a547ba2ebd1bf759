// Package upload stores chat images and returns their public URL.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/campusline/chatsync/internal/config"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// ErrDisabled is returned when no image backend is configured.
var ErrDisabled = errors.New("image upload not configured")

// Uploader stores one image and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, name string, data io.Reader) (string, error)
}

// Cloudinary uploads to a Cloudinary folder.
type Cloudinary struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// New returns a Cloudinary uploader, or Disabled when cfg has no cloud name.
func New(cfg config.Cloudinary) (Uploader, error) {
	if cfg.CloudName == "" {
		return Disabled{}, nil
	}
	return NewCloudinary(cfg)
}

// NewCloudinary builds an uploader from credentials.
func NewCloudinary(cfg config.Cloudinary) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	return &Cloudinary{cld: cld, folder: cfg.Folder}, nil
}

// Upload stores data under the folder. name seeds the public id; Cloudinary appends a
// random suffix so equal names do not collide.
func (c *Cloudinary) Upload(ctx context.Context, name string, data io.Reader) (string, error) {
	res, err := c.cld.Upload.Upload(ctx, data, uploader.UploadParams{
		Folder:           c.folder,
		ResourceType:     "image",
		FilenameOverride: name,
		UseFilename:      api.Bool(name != ""),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if res.Error.Message != "" {
		return "", fmt.Errorf("upload %s: %s", name, res.Error.Message)
	}
	if res.SecureURL == "" {
		return "", fmt.Errorf("upload %s: no url returned", name)
	}
	return res.SecureURL, nil
}

// Disabled rejects every upload.
type Disabled struct{}

func (Disabled) Upload(context.Context, string, io.Reader) (string, error) {
	return "", ErrDisabled
}
