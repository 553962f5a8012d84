package boxapi

import (
	"log/slog"
	"time"
)

// Item kinds as reported by the Box API "type" field.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Item represents a Box file or folder. Fields are normalized from the API
// response; callers never see raw API data.
type Item struct {
	ID         string
	Kind       string // KindFile or KindFolder
	Name       string
	Size       int64
	ETag       string
	SHA1       string // hex, files only
	ParentID   string
	PathNames  []string // ancestor folder names, root first, excluding "All Files"
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// IsFolder reports whether the item is a folder.
func (it *Item) IsFolder() bool {
	return it.Kind == KindFolder
}

// itemResponse mirrors the Box API item JSON exactly.
// Unexported; callers use Item via toItem() normalization.
type itemResponse struct {
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Size           int64           `json:"size"`
	ETag           string          `json:"etag"`
	SHA1           string          `json:"sha1"`
	CreatedAt      string          `json:"created_at"`
	ModifiedAt     string          `json:"modified_at"`
	Parent         *parentRef      `json:"parent"`
	PathCollection *pathCollection `json:"path_collection"`
}

type parentRef struct {
	ID string `json:"id"`
}

type pathCollection struct {
	TotalCount int       `json:"total_count"`
	Entries    []pathRef `json:"entries"`
}

type pathRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// entriesResponse is the shape of Box collection responses
// (folder items, commit results).
type entriesResponse struct {
	TotalCount int            `json:"total_count"`
	Entries    []itemResponse `json:"entries"`
}

// rootFolderID is the Box "All Files" root. It appears as the first
// path_collection entry for every item and is never part of a local path.
const rootFolderID = "0"

// toItem normalizes a Box API item response into our Item type.
func (r *itemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:   r.ID,
		Kind: r.Type,
		Name: r.Name,
		Size: r.Size,
		ETag: r.ETag,
		SHA1: r.SHA1,
	}

	if r.Parent != nil {
		item.ParentID = r.Parent.ID
	}

	if r.PathCollection != nil {
		for _, ref := range r.PathCollection.Entries {
			if ref.ID == rootFolderID {
				continue
			}

			item.PathNames = append(item.PathNames, ref.Name)
		}
	}

	item.CreatedAt = parseTime(r.CreatedAt, "created_at", r.ID, logger)
	item.ModifiedAt = parseTime(r.ModifiedAt, "modified_at", r.ID, logger)

	return item
}

// parseTime parses a Box RFC3339 timestamp. Missing timestamps are common on
// partial responses and map to the zero time; malformed ones are logged.
func parseTime(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid item timestamp",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Time{}
	}

	return t
}
