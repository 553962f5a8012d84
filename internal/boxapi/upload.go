package boxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// commitRetryMax bounds how many 202 "still processing" responses a commit
// tolerates before giving up.
const commitRetryMax = 5

// commitRetryDefault is the commit re-poll delay when the server sends no
// Retry-After header.
const commitRetryDefault = 1 * time.Second

// UploadSession is a server-side multi-part upload coordinator.
// Created once per large upload, consumed by one ordered part sequence,
// terminal on commit or abort.
type UploadSession struct {
	ID             string
	UploadEndpoint string // pre-resolved part upload URL
	PartSize       int64
	TotalSize      int64
}

// Part is the server acknowledgment for one uploaded byte range.
// Parts are produced in strictly increasing offset order and replayed
// verbatim, in order, at commit time.
type Part struct {
	PartID string `json:"part_id"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	SHA1   string `json:"sha1"`
}

type createSessionRequest struct {
	FolderID string `json:"folder_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type sessionEndpoints struct {
	UploadPart string `json:"upload_part"`
	Commit     string `json:"commit"`
	Abort      string `json:"abort"`
}

type createSessionResponse struct {
	ID               string            `json:"id"`
	PartSize         int64             `json:"part_size"`
	TotalParts       int               `json:"total_parts"`
	SessionEndpoints *sessionEndpoints `json:"session_endpoints"`
}

type uploadPartResponse struct {
	Part Part `json:"part"`
}

type commitRequest struct {
	Parts []Part `json:"parts"`
}

// CreateUploadSession opens an upload session for a new file in the given
// folder. The server assigns the part size; all parts except the last must be
// exactly that size.
func (c *Client) CreateUploadSession(ctx context.Context, folderID, name string, size int64) (*UploadSession, error) {
	c.logger.Info("creating upload session",
		slog.String("folder_id", folderID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	body, err := json.Marshal(createSessionRequest{
		FolderID: folderID,
		FileName: name,
		FileSize: size,
	})
	if err != nil {
		return nil, fmt.Errorf("boxapi: marshaling upload session request: %w", err)
	}

	resp, err := c.roundTrip(ctx, http.MethodPost, c.uploadURL+"/files/upload_sessions", "application/json", nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var csr createSessionResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&csr); decErr != nil {
		return nil, fmt.Errorf("boxapi: decoding upload session response: %w", decErr)
	}

	session := &UploadSession{
		ID:        csr.ID,
		PartSize:  csr.PartSize,
		TotalSize: size,
	}

	if csr.SessionEndpoints != nil && csr.SessionEndpoints.UploadPart != "" {
		session.UploadEndpoint = csr.SessionEndpoints.UploadPart
	} else {
		session.UploadEndpoint = c.uploadURL + "/files/upload_sessions/" + url.PathEscape(csr.ID)
	}

	c.logger.Debug("upload session created",
		slog.String("session_id", session.ID),
		slog.Int64("part_size", session.PartSize),
		slog.Int("total_parts", csr.TotalParts),
	)

	return session, nil
}

// UploadPart uploads one byte range to an upload session. digest is the
// base64 SHA-1 of the part content; the server verifies it and rejects
// corrupted parts. The chunk reader must be seekable so transient retries
// can replay it.
func (c *Client) UploadPart(ctx context.Context, session *UploadSession, chunk io.Reader, offset, length int64, digest string) (*Part, error) {
	c.logger.Debug("uploading part",
		slog.String("session_id", session.ID),
		slog.Int64("offset", offset),
		slog.Int64("length", length),
	)

	header := http.Header{}
	header.Set("Digest", "sha="+digest)
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, session.TotalSize))

	resp, err := c.roundTrip(ctx, http.MethodPut, session.UploadEndpoint, "application/octet-stream", header, chunk)
	if err != nil {
		return nil, fmt.Errorf("boxapi: uploading part at offset %d: %w", offset, err)
	}
	defer resp.Body.Close()

	var upr uploadPartResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&upr); decErr != nil {
		return nil, fmt.Errorf("boxapi: decoding upload part response: %w", decErr)
	}

	return &upr.Part, nil
}

// CommitUploadSession finalizes an upload session with the ordered part list
// and the base64 SHA-1 digest of the whole file. The server validates the
// parts against what it accumulated and returns the created file.
//
// A 202 response means the server is still assembling parts; the commit is
// re-polled after Retry-After (bounded by commitRetryMax).
func (c *Client) CommitUploadSession(ctx context.Context, session *UploadSession, parts []Part, digest string) (*Item, error) {
	c.logger.Info("committing upload session",
		slog.String("session_id", session.ID),
		slog.Int("parts", len(parts)),
	)

	body, err := json.Marshal(commitRequest{Parts: parts})
	if err != nil {
		return nil, fmt.Errorf("boxapi: marshaling commit request: %w", err)
	}

	header := http.Header{}
	header.Set("Digest", "sha="+digest)

	commitURL := session.UploadEndpoint + "/commit"

	for retry := 0; ; retry++ {
		resp, err := c.roundTrip(ctx, http.MethodPost, commitURL, "application/json", header, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusAccepted {
			return parseCommitResponse(resp, c.logger)
		}

		// Still processing. Drain, wait, re-poll.
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining before close
		delay := retryAfter(resp, commitRetryDefault)
		resp.Body.Close()

		if retry >= commitRetryMax {
			return nil, fmt.Errorf("boxapi: commit still processing after %d attempts", retry+1)
		}

		c.logger.Debug("commit pending, re-polling",
			slog.String("session_id", session.ID),
			slog.Duration("delay", delay),
		)

		if sleepErr := c.sleepFunc(ctx, delay); sleepErr != nil {
			return nil, fmt.Errorf("boxapi: commit canceled: %w", sleepErr)
		}
	}
}

// parseCommitResponse decodes the entries collection a successful commit returns.
func parseCommitResponse(resp *http.Response, logger *slog.Logger) (*Item, error) {
	defer resp.Body.Close()

	var er entriesResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&er); decErr != nil {
		return nil, fmt.Errorf("boxapi: decoding commit response: %w", decErr)
	}

	if len(er.Entries) == 0 {
		return nil, fmt.Errorf("boxapi: commit response contained no entries")
	}

	item := er.Entries[0].toItem(logger)

	return &item, nil
}

// AbortUploadSession discards an upload session and all uploaded parts.
// Best-effort; abandoned sessions also expire server-side on their own.
func (c *Client) AbortUploadSession(ctx context.Context, session *UploadSession) error {
	c.logger.Info("aborting upload session", slog.String("session_id", session.ID))

	resp, err := c.roundTrip(ctx, http.MethodDelete, session.UploadEndpoint, "", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("boxapi: draining abort response body: %w", drainErr)
	}

	return nil
}

// SimpleUpload uploads a file in a single multipart request. Only suitable
// below the chunked threshold: the whole payload is buffered so transient
// retries can replay the request.
func (c *Client) SimpleUpload(ctx context.Context, folderID, name string, content io.Reader, size int64) (*Item, error) {
	c.logger.Info("simple upload",
		slog.String("folder_id", folderID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	attrs, err := json.Marshal(map[string]any{
		"name":   name,
		"parent": map[string]string{"id": folderID},
	})
	if err != nil {
		return nil, fmt.Errorf("boxapi: marshaling upload attributes: %w", err)
	}

	if fieldErr := mw.WriteField("attributes", string(attrs)); fieldErr != nil {
		return nil, fmt.Errorf("boxapi: writing attributes field: %w", fieldErr)
	}

	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("boxapi: creating file field: %w", err)
	}

	if _, copyErr := io.Copy(fw, content); copyErr != nil {
		return nil, fmt.Errorf("boxapi: buffering upload content: %w", copyErr)
	}

	if closeErr := mw.Close(); closeErr != nil {
		return nil, fmt.Errorf("boxapi: finalizing multipart body: %w", closeErr)
	}

	resp, err := c.roundTrip(ctx, http.MethodPost, c.uploadURL+"/files/content", mw.FormDataContentType(), nil, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er entriesResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&er); decErr != nil {
		return nil, fmt.Errorf("boxapi: decoding upload response: %w", decErr)
	}

	if len(er.Entries) == 0 {
		return nil, fmt.Errorf("boxapi: upload response contained no entries")
	}

	item := er.Entries[0].toItem(c.logger)

	return &item, nil
}

// retryAfter parses a Retry-After header, falling back to def.
func retryAfter(resp *http.Response, def time.Duration) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return def
}
