package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AssetFamily is the broad category an asset is delivered as.
type AssetFamily string

// Asset family constants (typed).
const (
	FamilyImage     AssetFamily = "I"
	FamilyTimebased AssetFamily = "T"
	FamilyFile      AssetFamily = "F"
)

// Delivery channel names.
const (
	ChannelImage      = "iiif-img"
	ChannelThumbnails = "thumbs"
	ChannelTimebased  = "iiif-av"
	ChannelFile       = "file"
	ChannelNone       = "none"
)

// AssetID is the composite identity of an asset: customer/space/name.
type AssetID struct {
	Customer int    `json:"customer"`
	Space    int    `json:"space"`
	Asset    string `json:"asset"`
}

// NewAssetID creates an AssetID from its parts.
func NewAssetID(customer, space int, asset string) AssetID {
	return AssetID{Customer: customer, Space: space, Asset: asset}
}

func (id AssetID) String() string {
	return fmt.Sprintf("%d/%d/%s", id.Customer, id.Space, id.Asset)
}

// IsZero reports whether the id has no asset name set.
func (id AssetID) IsZero() bool {
	return id.Asset == ""
}

// ParseAssetID parses the "customer/space/name" form produced by AssetID.String.
func ParseAssetID(s string) (AssetID, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[2] == "" {
		return AssetID{}, fmt.Errorf("%w: asset id %q must be customer/space/name", ErrInvalidRequest, s)
	}
	customer, err := strconv.Atoi(parts[0])
	if err != nil {
		return AssetID{}, fmt.Errorf("%w: invalid customer in %q", ErrInvalidRequest, s)
	}
	space, err := strconv.Atoi(parts[1])
	if err != nil {
		return AssetID{}, fmt.Errorf("%w: invalid space in %q", ErrInvalidRequest, s)
	}
	return NewAssetID(customer, space, parts[2]), nil
}

// DeliveryChannel assigns a delivery channel, and the policy governing it, to an asset.
type DeliveryChannel struct {
	Channel  string `json:"channel"`
	PolicyID int    `json:"policyId,omitempty"`
}

// Asset is a single tenant-owned media item tracked through ingestion.
//
// Zero values mean "not set": persistence never overwrites a stored column
// with a zero value.
type Asset struct {
	ID         AssetID     `json:"id"`
	Family     AssetFamily `json:"family,omitempty"`
	MediaType  string      `json:"mediaType,omitempty"`
	Origin     string      `json:"origin,omitempty"`
	Created    *time.Time  `json:"created,omitempty"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	Duration   int64       `json:"duration,omitempty"`
	Error      string      `json:"error,omitempty"`
	Ingesting  bool        `json:"ingesting,omitempty"`
	Finished   *time.Time  `json:"finished,omitempty"`
	Batch      int         `json:"batch,omitempty"`
	Reference1 string      `json:"reference1,omitempty"`
	Reference2 string      `json:"reference2,omitempty"`
	Reference3 string      `json:"reference3,omitempty"`

	DeliveryChannels        []DeliveryChannel `json:"deliveryChannels,omitempty"`
	ThumbnailPolicy         string            `json:"thumbnailPolicy,omitempty"`
	ImageOptimisationPolicy string            `json:"imageOptimisationPolicy,omitempty"`

	// Hydrated before execution, never persisted.
	FullThumbnailPolicy         *ThumbnailPolicy         `json:"-"`
	FullImageOptimisationPolicy *ImageOptimisationPolicy `json:"-"`
}

// HasDeliveryChannel reports whether the asset is assigned the named channel.
func (a *Asset) HasDeliveryChannel(channel string) bool {
	for _, dc := range a.DeliveryChannels {
		if dc.Channel == channel {
			return true
		}
	}
	return false
}

// HasOnlyNoneChannel reports whether the delivery channels resolve to exactly
// the "none" channel.
func (a *Asset) HasOnlyNoneChannel() bool {
	if len(a.DeliveryChannels) == 0 {
		return false
	}
	for _, dc := range a.DeliveryChannels {
		if dc.Channel != ChannelNone {
			return false
		}
	}
	return true
}

// MarkAsIngesting flags the asset as ingesting and clears outcome fields from a
// previous attempt.
func (a *Asset) MarkAsIngesting() {
	a.Ingesting = true
	a.Error = ""
	a.Finished = nil
}

// ImageLocation records where the delivery derivative of an asset lives.
type ImageLocation struct {
	ID  AssetID `json:"id"`
	S3  string  `json:"s3,omitempty"`
	Nas string  `json:"nas,omitempty"`
}

// ImageStorage records the bytes an asset consumes.
type ImageStorage struct {
	ID                 AssetID   `json:"id"`
	Size               int64     `json:"size"`
	ThumbnailSize      int64     `json:"thumbnailSize"`
	LastChecked        time.Time `json:"lastChecked"`
	CheckingInProgress bool      `json:"checkingInProgress"`
}

// Batch groups assets submitted together by a customer.
//
// Finished is set once, when Completed+Errors reaches Count.
type Batch struct {
	ID         int        `json:"id"`
	Customer   int        `json:"customer"`
	Submitted  time.Time  `json:"submitted"`
	Count      int        `json:"count"`
	Completed  int        `json:"completed"`
	Errors     int        `json:"errors"`
	Finished   *time.Time `json:"finished,omitempty"`
	Superseded bool       `json:"superseded"`
}

// IsComplete reports whether every asset in the batch has been accounted for.
func (b *Batch) IsComplete() bool {
	return b.Completed+b.Errors >= b.Count
}

// CustomerStorage holds running storage totals for a customer.
type CustomerStorage struct {
	Customer                int       `json:"customer"`
	Space                   int       `json:"space"`
	StoragePolicy           string    `json:"storagePolicy"`
	NumberOfStoredImages    int64     `json:"numberOfStoredImages"`
	TotalSizeOfStoredImages int64     `json:"totalSizeOfStoredImages"`
	TotalSizeOfThumbnails   int64     `json:"totalSizeOfThumbnails"`
	LastCalculated          time.Time `json:"lastCalculated"`
}

// StoragePolicy caps how much a customer may store.
type StoragePolicy struct {
	ID                             string `json:"id"`
	MaximumNumberOfStoredImages    int64  `json:"maximumNumberOfStoredImages"`
	MaximumTotalSizeOfStoredImages int64  `json:"maximumTotalSizeOfStoredImages"`
}

// CustomerQueue tracks the number of in-flight messages for a customer on a named queue.
type CustomerQueue struct {
	Customer int    `json:"customer"`
	Name     string `json:"name"`
	Size     int    `json:"size"`
}

// ThumbnailPolicy lists the thumbnail sizes to produce for an image.
type ThumbnailPolicy struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Sizes []int  `json:"sizes"`
}

// ImageOptimisationPolicyUseOriginal marks origins that are already delivery-ready.
const ImageOptimisationPolicyUseOriginal = "use-original"

// ImageOptimisationPolicy describes how derivatives are produced.
type ImageOptimisationPolicy struct {
	ID               string   `json:"id"`
	Customer         int      `json:"customer"`
	Name             string   `json:"name"`
	TechnicalDetails []string `json:"technicalDetails"`
	Global           bool     `json:"global"`
}

// IsUseOriginal reports whether the policy asks for the origin to be served as-is.
func (p *ImageOptimisationPolicy) IsUseOriginal() bool {
	return p != nil && p.ID == ImageOptimisationPolicyUseOriginal
}

// OriginStrategyType names how origin bytes are fetched.
type OriginStrategyType string

// Origin strategy constants (typed).
const (
	OriginStrategyDefault   OriginStrategyType = "default"
	OriginStrategyBasicHTTP OriginStrategyType = "basic-http-authentication"
	OriginStrategyS3Ambient OriginStrategyType = "s3-ambient"
)

// CustomerOriginStrategy maps origins matching Regex to a fetch strategy.
type CustomerOriginStrategy struct {
	ID          string             `json:"id"`
	Customer    int                `json:"customer"`
	Regex       string             `json:"regex"`
	Strategy    OriginStrategyType `json:"strategy"`
	Credentials string             `json:"credentials,omitempty"`
	Optimised   bool               `json:"optimised"`
	Order       int                `json:"order"`
}

// DefaultOriginStrategy is used when no customer strategy matches.
func DefaultOriginStrategy(customer int) *CustomerOriginStrategy {
	return &CustomerOriginStrategy{
		ID:       "_default_",
		Customer: customer,
		Regex:    ".*",
		Strategy: OriginStrategyDefault,
	}
}

// IsImageMediaType reports whether the media type is an image.
func IsImageMediaType(mediaType string) bool {
	return hasMediaTypePrefix(mediaType, "image/")
}

// IsAudioMediaType reports whether the media type is audio.
func IsAudioMediaType(mediaType string) bool {
	return hasMediaTypePrefix(mediaType, "audio/")
}

// IsVideoMediaType reports whether the media type is video.
func IsVideoMediaType(mediaType string) bool {
	return hasMediaTypePrefix(mediaType, "video/")
}

func hasMediaTypePrefix(mediaType, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), prefix)
}
