// Package upload validates attachments and stores them as public blobs.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// MaxSize is the largest accepted attachment in bytes.
const MaxSize = 5 * 1024 * 1024

var allowedTypes = map[string]struct{}{
	"image/jpeg":         {},
	"image/png":          {},
	"image/gif":          {},
	"image/webp":         {},
	"application/pdf":    {},
	"application/msword": {},
	"text/plain":         {},

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
}

var (
	errInvalidType = &domain.UploadError{Message: "Invalid file type. Allowed: images, PDF, DOC, DOCX, TXT"}
	errTooLarge    = &domain.UploadError{Message: "File too large. Maximum size is 5MB."}
	errNoFile      = &domain.UploadError{Message: "No file uploaded"}
)

// Allowed reports whether the MIME type may be uploaded.
func Allowed(mimeType string) bool {
	_, ok := allowedTypes[mimeType]
	return ok
}

// File is an incoming attachment. Size is the declared length, or -1 when
// unknown; the body is still counted while it is written.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// BlobStore persists named blobs.
type BlobStore interface {
	Put(ctx context.Context, name string, body io.Reader) (int64, error)
}

// Relay checks attachments and hands them to the blob store.
type Relay struct {
	blobs   BlobStore
	baseURL string
	timeout time.Duration
	log     *log.Logger
	now     func() time.Time
}

func NewRelay(blobs BlobStore, baseURL string, timeout time.Duration, logger *log.Logger) *Relay {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{blobs: blobs, baseURL: baseURL, timeout: timeout, log: logger, now: time.Now}
}

// Store validates f and writes it. On any UploadError nothing is kept.
func (r *Relay) Store(ctx context.Context, accountID string, f File) (domain.Attachment, error) {
	if f.Body == nil {
		return domain.Attachment{}, errNoFile
	}
	if !Allowed(f.MimeType) {
		return domain.Attachment{}, errInvalidType
	}
	if f.Size > MaxSize {
		return domain.Attachment{}, errTooLarge
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	name := strconv.FormatInt(r.now().UnixMilli(), 10) + "-" + strconv.Itoa(rand.Intn(1e9)) + filepath.Ext(f.Name)
	size, err := r.blobs.Put(ctx, name, &limitedReader{r: f.Body, remaining: MaxSize})
	if err != nil {
		if domain.IsUpload(err) {
			return domain.Attachment{}, err
		}
		return domain.Attachment{}, fmt.Errorf("store upload: %w", err)
	}
	r.log.WithFields(log.Fields{"account": accountID, "file": name, "size": size, "mimetype": f.MimeType}).Info("stored upload")
	return domain.Attachment{
		Filename:     name,
		OriginalName: f.Name,
		URL:          r.baseURL + "/uploads/" + name,
		MimeType:     f.MimeType,
		Size:         size,
	}, nil
}

// limitedReader fails with errTooLarge once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errTooLarge
	}
	return n, err
}

// DiskStore keeps blobs as files in a directory.
type DiskStore struct {
	Dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &DiskStore{Dir: dir}, nil
}

// Put writes body to a temporary file and renames it into place, so a failed
// or rejected upload leaves nothing behind.
func (d *DiskStore) Put(ctx context.Context, name string, body io.Reader) (int64, error) {
	if name != filepath.Base(name) {
		return 0, errors.New("invalid blob name")
	}
	tmp, err := os.CreateTemp(d.Dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.Dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
