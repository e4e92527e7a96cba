package store

import (
	"errors"
	"fmt"

	z "github.com/Oudwins/zog"
)

var snapshotSchema = z.Struct(z.Shape{
	"Version": z.Int().GTE(1).Required(),
	"Sites": z.Slice(z.Struct(z.Shape{
		"Name": z.String().Trim().Min(1).Required(),
	})),
	"Devices": z.Slice(z.Struct(z.Shape{
		"Name": z.String().Trim(),
		"Info": z.String(),
	})),
})

// ValidateSnapshot checks shape and referential consistency before anything
// is written.
func ValidateSnapshot(snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is empty")
	}

	if issues := snapshotSchema.Validate(snapshot); issues != nil {
		return fmt.Errorf("invalid snapshot: %v", issues)
	}

	if snapshot.Version > SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snapshot.Version)
	}

	siteIDs := make(map[uint]struct{}, len(snapshot.Sites))
	for _, site := range snapshot.Sites {
		if _, dup := siteIDs[site.ID]; dup {
			return fmt.Errorf("duplicate site id %d", site.ID)
		}
		siteIDs[site.ID] = struct{}{}
	}

	for _, device := range snapshot.Devices {
		if _, ok := siteIDs[device.SiteID]; !ok {
			return fmt.Errorf("device %d references unknown site %d", device.ID, device.SiteID)
		}
	}

	return nil
}
