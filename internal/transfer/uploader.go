// Package transfer orchestrates file uploads: simple single-request uploads
// below the chunked threshold, and session-based multi-part uploads above it.
package transfer

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // content digest mandated by the upload protocol
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/boxkit/box-go/internal/boxapi"
)

// ChunkedUploadThreshold is the file size (20 MiB) at or above which uploads
// go through an upload session instead of a single request.
const ChunkedUploadThreshold = 20 * 1024 * 1024

// ErrProtocolViolation indicates the part sequence broke the upload session
// contract: a server acknowledgment disagreed with the sent byte range, or
// the parts did not sum exactly to the file size. No commit is possible.
var ErrProtocolViolation = errors.New("transfer: upload session protocol violation")

// Uploader uploads files through the API client. Each remote call inherits
// the client's retry and authorization recovery behavior.
type Uploader struct {
	api    *boxapi.Client
	logger *slog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(api *boxapi.Client, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{api: api, logger: logger}
}

// UploadFile uploads a local file into the given folder, choosing the simple
// or chunked path based on size.
func (u *Uploader) UploadFile(ctx context.Context, folderID, localPath string) (*boxapi.Item, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s: %w", localPath, err)
	}

	name := filepath.Base(localPath)

	if info.Size() < ChunkedUploadThreshold {
		return u.api.SimpleUpload(ctx, folderID, name, f, info.Size())
	}

	return u.UploadLarge(ctx, folderID, name, f, info.Size())
}

// UploadLarge uploads a large payload through an upload session: the server
// assigns the part size, parts are uploaded strictly in offset order with a
// per-part SHA-1 digest, and the session commits with the ordered part list
// and the whole-file digest. Any part failure aborts the session; there is
// no partial resume.
//
// The reader is consumed exactly once; only one part is buffered at a time,
// and the whole-file digest accumulates as parts stream through.
func (u *Uploader) UploadLarge(ctx context.Context, folderID, name string, r io.Reader, size int64) (*boxapi.Item, error) {
	session, err := u.api.CreateUploadSession(ctx, folderID, name, size)
	if err != nil {
		return nil, fmt.Errorf("transfer: creating upload session for %s: %w", name, err)
	}

	if session.PartSize <= 0 {
		return nil, fmt.Errorf("%w: server assigned part size %d", ErrProtocolViolation, session.PartSize)
	}

	u.logger.Info("chunked upload started",
		slog.String("name", name),
		slog.Int64("size", size),
		slog.Int64("part_size", session.PartSize),
	)

	// TeeReader causes every byte read for a part to also be written to the
	// whole-file hasher, so the commit digest reflects the complete content
	// without a second pass.
	fileHash := sha1.New() //nolint:gosec // content digest mandated by the upload protocol
	tee := io.TeeReader(r, fileHash)

	parts := make([]boxapi.Part, 0, (size+session.PartSize-1)/session.PartSize)
	buf := make([]byte, session.PartSize)

	for offset := int64(0); offset < size; {
		length := session.PartSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}

		chunk := buf[:length]
		if _, readErr := io.ReadFull(tee, chunk); readErr != nil {
			u.abort(ctx, session)

			return nil, fmt.Errorf("transfer: reading part at offset %d: %w", offset, readErr)
		}

		digest := sha1Base64(chunk)

		part, upErr := u.api.UploadPart(ctx, session, bytes.NewReader(chunk), offset, length, digest)
		if upErr != nil {
			u.abort(ctx, session)

			return nil, fmt.Errorf("transfer: uploading %s: %w", name, upErr)
		}

		if part.Offset != offset || part.Size != length {
			u.abort(ctx, session)

			return nil, fmt.Errorf("%w: sent range %d+%d, server acknowledged %d+%d",
				ErrProtocolViolation, offset, length, part.Offset, part.Size)
		}

		parts = append(parts, *part)
		offset += length
	}

	if err := validateParts(parts, size); err != nil {
		u.abort(ctx, session)

		return nil, err
	}

	item, err := u.api.CommitUploadSession(ctx, session, parts, base64.StdEncoding.EncodeToString(fileHash.Sum(nil)))
	if err != nil {
		return nil, fmt.Errorf("transfer: committing %s: %w", name, err)
	}

	u.logger.Info("chunked upload complete",
		slog.String("name", name),
		slog.String("file_id", item.ID),
		slog.Int("parts", len(parts)),
	)

	return item, nil
}

// validateParts checks the invariant the commit relies on: contiguous offsets
// starting at 0, summing exactly to the file size.
func validateParts(parts []boxapi.Part, size int64) error {
	var next int64

	for i := range parts {
		if parts[i].Offset != next {
			return fmt.Errorf("%w: part %d at offset %d, expected %d",
				ErrProtocolViolation, i, parts[i].Offset, next)
		}

		next += parts[i].Size
	}

	if next != size {
		return fmt.Errorf("%w: parts sum to %d, file size is %d", ErrProtocolViolation, next, size)
	}

	return nil
}

// abort discards the session best-effort. The server expires abandoned
// sessions on its own, so failures here are only logged.
func (u *Uploader) abort(ctx context.Context, session *boxapi.UploadSession) {
	if err := u.api.AbortUploadSession(ctx, session); err != nil {
		u.logger.Warn("failed to abort upload session",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
}

// sha1Base64 returns the base64 SHA-1 digest the upload endpoints expect.
func sha1Base64(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // content digest mandated by the upload protocol
	return base64.StdEncoding.EncodeToString(sum[:])
}
