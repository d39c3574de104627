// Package attachment stores uploaded files and resolves the references
// messages carry to them.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/store"
)

// DefaultMaxSize is the largest accepted attachment.
const DefaultMaxSize int64 = 10 << 20

const defaultContentType = "application/octet-stream"

// Service links uploaded bytes to metadata records.
type Service struct {
	files   store.FileStore
	blobs   BlobStore
	maxSize int64
	now     func() time.Time
}

// New returns a Service. A non-positive maxSize selects DefaultMaxSize.
func New(files store.FileStore, blobs BlobStore, maxSize int64) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Service{files: files, blobs: blobs, maxSize: maxSize, now: time.Now}
}

// MaxSize returns the upload limit in bytes.
func (s *Service) MaxSize() int64 { return s.maxSize }

// sanitizeFilename strips directory components from a client-supplied name.
func sanitizeFilename(name string) string {
	clean := filepath.Base(filepath.Clean(strings.TrimSpace(name)))
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(clean, "\\", "_")
	if clean == "." || clean == ".." || clean == "" {
		return "unnamed"
	}
	return clean
}

func detectMimeType(filename string, data []byte) string {
	if ext := filepath.Ext(filename); ext != "" {
		if mt := mime.TypeByExtension(strings.ToLower(ext)); mt != "" {
			return mt
		}
	}
	if mt := mimetype.Detect(data); mt != nil {
		return mt.String()
	}
	return defaultContentType
}

// Store saves data as a new attachment owned by ownerID. The size limit is
// checked before anything is written.
func (s *Service) Store(ctx context.Context, data []byte, originalFilename, ownerID string) (*model.FileRecord, error) {
	if int64(len(data)) > s.maxSize {
		return nil, apperr.PayloadTooLarge(s.maxSize)
	}
	if len(data) == 0 {
		return nil, apperr.BadRequest("file is empty")
	}

	name := sanitizeFilename(originalFilename)
	id := uuid.NewString()
	rec := &model.FileRecord{
		ID:           id,
		OwnerID:      ownerID,
		StoredName:   id + strings.ToLower(filepath.Ext(name)),
		OriginalName: name,
		MimeType:     detectMimeType(name, data),
		Size:         int64(len(data)),
		CreatedAt:    s.now().UTC(),
	}

	if err := s.blobs.Put(ctx, rec.StoredName, data); err != nil {
		return nil, apperr.Internal("failed to store file", err)
	}
	if err := s.files.PutFile(ctx, rec); err != nil {
		if delErr := s.blobs.Delete(ctx, rec.StoredName); delErr != nil {
			log.Printf("Error removing orphaned blob %s: %v", rec.StoredName, delErr)
		}
		return nil, apperr.Internal("failed to record file", err)
	}

	log.Printf("Stored file %s (%s, %d bytes) for user %s", rec.ID, rec.MimeType, rec.Size, ownerID)
	return rec, nil
}

// Lookup returns the metadata of an attachment.
func (s *Service) Lookup(ctx context.Context, id string) (*model.FileRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("file not found")
	}
	rec, err := s.files.GetFile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("file not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to look up file", err)
	}
	return rec, nil
}

// Retrieve returns the bytes of an attachment with its MIME type and the
// name it was uploaded under.
func (s *Service) Retrieve(ctx context.Context, id string) ([]byte, string, string, error) {
	rec, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, "", "", err
	}
	data, err := s.blobs.Get(ctx, rec.StoredName)
	if errors.Is(err, ErrBlobNotFound) {
		log.Printf("File %s has metadata but no blob %s", rec.ID, rec.StoredName)
		return nil, "", "", apperr.NotFound("file not found")
	}
	if err != nil {
		return nil, "", "", apperr.Internal("failed to read file", err)
	}
	return data, rec.MimeType, rec.OriginalName, nil
}

// Resolve fills in the display name and size of ref from its record.
func (s *Service) Resolve(ctx context.Context, ref *model.FileRef) (*model.FileRef, error) {
	if ref == nil {
		return nil, nil
	}
	rec, err := s.Lookup(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("file reference %s: %w", ref.ID, err)
	}
	return &model.FileRef{ID: rec.ID, Filename: rec.OriginalName, Size: rec.Size}, nil
}
