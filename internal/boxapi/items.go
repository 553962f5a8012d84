package boxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// itemFields is the $fields selection requested on every metadata call.
// path_collection is required by the local mirror resolver.
const itemFields = "id,type,name,size,sha1,etag,created_at,modified_at,parent,path_collection"

// listPageSize is the limit value for folder item listings.
// 1000 is the maximum allowed by the Box API.
const listPageSize = 1000

// GetFile fetches metadata for a single file, including its ancestor path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*Item, error) {
	return c.getItem(ctx, "/files/"+url.PathEscape(fileID))
}

// GetFolder fetches metadata for a single folder, including its ancestor path.
func (c *Client) GetFolder(ctx context.Context, folderID string) (*Item, error) {
	return c.getItem(ctx, "/folders/"+url.PathEscape(folderID))
}

// GetItem fetches metadata for a file or folder depending on kind.
func (c *Client) GetItem(ctx context.Context, id, kind string) (*Item, error) {
	if kind == KindFolder {
		return c.GetFolder(ctx, id)
	}

	return c.GetFile(ctx, id)
}

func (c *Client) getItem(ctx context.Context, path string) (*Item, error) {
	resp, err := c.Do(ctx, http.MethodGet, path+"?fields="+itemFields, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ir itemResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&ir); decErr != nil {
		return nil, fmt.Errorf("boxapi: decoding item response: %w", decErr)
	}

	item := ir.toItem(c.logger)

	return &item, nil
}

type createFolderRequest struct {
	Name   string    `json:"name"`
	Parent parentRef `json:"parent"`
}

// CreateFolder creates a folder under the given parent.
// A name collision returns ErrConflict with the existing folder's details
// in the APIError message.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	c.logger.Info("creating folder",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	body, err := json.Marshal(createFolderRequest{
		Name:   name,
		Parent: parentRef{ID: parentID},
	})
	if err != nil {
		return nil, fmt.Errorf("boxapi: marshaling create folder request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, "/folders?fields="+itemFields, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ir itemResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&ir); decErr != nil {
		return nil, fmt.Errorf("boxapi: decoding create folder response: %w", decErr)
	}

	item := ir.toItem(c.logger)

	return &item, nil
}

// ListFolderItems lists the direct children of a folder, following offset
// pagination until the collection is exhausted.
func (c *Client) ListFolderItems(ctx context.Context, folderID string) ([]Item, error) {
	var items []Item

	offset := 0

	for {
		path := fmt.Sprintf("/folders/%s/items?fields=%s&limit=%d&offset=%d",
			url.PathEscape(folderID), itemFields, listPageSize, offset)

		resp, err := c.Do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var er entriesResponse
		decErr := json.NewDecoder(resp.Body).Decode(&er)
		resp.Body.Close()

		if decErr != nil {
			return nil, fmt.Errorf("boxapi: decoding folder items response: %w", decErr)
		}

		for i := range er.Entries {
			items = append(items, er.Entries[i].toItem(c.logger))
		}

		offset += len(er.Entries)
		if len(er.Entries) == 0 || offset >= er.TotalCount {
			break
		}
	}

	c.logger.Debug("listed folder items",
		slog.String("folder_id", folderID),
		slog.Int("count", len(items)),
	)

	return items, nil
}

// DeleteFile deletes a file by ID.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	resp, err := c.Do(ctx, http.MethodDelete, "/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("boxapi: delete file returned unexpected status %d", resp.StatusCode)
	}

	return nil
}
