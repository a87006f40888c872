package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Request/Response DTOs

// LegacyEventType marks a message in the legacy event shape.
const LegacyEventType = "event"

// LegacyIngestMessage is the message name used by legacy ingest events.
const LegacyIngestMessage = "event::image-ingest"

// IngestRequest is the single internal request both wire shapes convert to.
type IngestRequest struct {
	AssetID AssetID
	// Asset is set when the request carried the asset inline; otherwise it is
	// loaded by id.
	Asset   *Asset
	Created time.Time
	BatchID int
}

// IngestAssetRequest is the current wire shape: it identifies the asset only.
type IngestAssetRequest struct {
	ID      string     `json:"id"`
	Created *time.Time `json:"created,omitempty"`
	BatchID int        `json:"batchId,omitempty"`
}

// LegacyIngestEvent is the legacy wire shape: an event carrying the asset as
// an embedded JSON string in params["image"].
type LegacyIngestEvent struct {
	Type    string            `json:"_type"`
	Created *time.Time        `json:"_created,omitempty"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params"`
}

// LegacyAsset is the asset representation embedded in legacy events.
type LegacyAsset struct {
	ID                      string   `json:"id"`
	Customer                int      `json:"customer"`
	Space                   int      `json:"space"`
	Origin                  string   `json:"origin"`
	Family                  string   `json:"family"`
	MediaType               string   `json:"mediaType"`
	Width                   int      `json:"width"`
	Height                  int      `json:"height"`
	Duration                int64    `json:"duration"`
	Batch                   int      `json:"batch"`
	Reference1              string   `json:"reference1"`
	Reference2              string   `json:"reference2"`
	Reference3              string   `json:"reference3"`
	DeliveryChannels        []string `json:"deliveryChannels"`
	ThumbnailPolicy         string   `json:"thumbnailPolicy"`
	ImageOptimisationPolicy string   `json:"imageOptimisationPolicy"`
}

// ParseIngestMessage decodes either wire shape, distinguishing them by the
// legacy "_type" marker, and converts it to an IngestRequest.
func ParseIngestMessage(body []byte) (IngestRequest, error) {
	var marker struct {
		Type string `json:"_type"`
	}
	if err := json.Unmarshal(body, &marker); err != nil {
		return IngestRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if marker.Type == LegacyEventType {
		var event LegacyIngestEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return IngestRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return event.ToIngestRequest()
	}

	var req IngestAssetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return IngestRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req.ToIngestRequest()
}

// ToIngestRequest converts the current wire shape.
func (r IngestAssetRequest) ToIngestRequest() (IngestRequest, error) {
	id, err := ParseAssetID(r.ID)
	if err != nil {
		return IngestRequest{}, err
	}
	req := IngestRequest{AssetID: id, BatchID: r.BatchID, Created: time.Now().UTC()}
	if r.Created != nil {
		req.Created = *r.Created
	}
	return req, nil
}

// ToIngestRequest converts the legacy wire shape.
func (e LegacyIngestEvent) ToIngestRequest() (IngestRequest, error) {
	if e.Message != LegacyIngestMessage {
		return IngestRequest{}, fmt.Errorf("%w: unexpected message %q", ErrInvalidRequest, e.Message)
	}
	raw, ok := e.Params["image"]
	if !ok || raw == "" {
		return IngestRequest{}, fmt.Errorf("%w: legacy event has no image", ErrInvalidRequest)
	}

	var legacy LegacyAsset
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return IngestRequest{}, fmt.Errorf("%w: legacy image: %v", ErrInvalidRequest, err)
	}
	asset, err := legacy.ToAsset()
	if err != nil {
		return IngestRequest{}, err
	}

	req := IngestRequest{AssetID: asset.ID, Asset: asset, BatchID: asset.Batch, Created: time.Now().UTC()}
	if e.Created != nil {
		req.Created = *e.Created
	}
	return req, nil
}

// ToAsset converts a legacy asset. The id may be a bare name, a
// customer/space/name path or a full URI ending in the name.
func (l LegacyAsset) ToAsset() (*Asset, error) {
	name := l.ID
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return nil, fmt.Errorf("%w: legacy image has no id", ErrInvalidRequest)
	}
	if l.Customer <= 0 || l.Space < 0 {
		return nil, fmt.Errorf("%w: legacy image %q has no customer/space", ErrInvalidRequest, l.ID)
	}

	asset := &Asset{
		ID:                      NewAssetID(l.Customer, l.Space, name),
		Family:                  AssetFamily(l.Family),
		MediaType:               l.MediaType,
		Origin:                  l.Origin,
		Width:                   l.Width,
		Height:                  l.Height,
		Duration:                l.Duration,
		Batch:                   l.Batch,
		Reference1:              l.Reference1,
		Reference2:              l.Reference2,
		Reference3:              l.Reference3,
		ThumbnailPolicy:         l.ThumbnailPolicy,
		ImageOptimisationPolicy: l.ImageOptimisationPolicy,
	}

	channels := l.DeliveryChannels
	if len(channels) == 0 {
		channels = channelsForFamily(asset.Family)
	}
	for _, ch := range channels {
		asset.DeliveryChannels = append(asset.DeliveryChannels, DeliveryChannel{Channel: ch})
	}
	return asset, nil
}

// channelsForFamily gives the channels legacy assets implied by their family
// before channels were assigned explicitly.
func channelsForFamily(family AssetFamily) []string {
	switch family {
	case FamilyImage:
		return []string{ChannelImage, ChannelThumbnails}
	case FamilyTimebased:
		return []string{ChannelTimebased}
	case FamilyFile:
		return []string{ChannelFile}
	default:
		return nil
	}
}
