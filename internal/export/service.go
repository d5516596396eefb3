// Package export builds downloadable archives of an owner's journal data.
package export

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/daybook/internal/clock"
	"github.com/kimhsiao/daybook/internal/db"
	apperrors "github.com/kimhsiao/daybook/internal/errors"
	"github.com/kimhsiao/daybook/internal/models"
	"github.com/kimhsiao/daybook/internal/ratelimit"
)

// Service streams export archives.
type Service struct {
	repo    *db.Repository
	limiter *ratelimit.Limiter
	clock   clock.Clock
}

// NewService creates a Service.
func NewService(repo *db.Repository, limiter *ratelimit.Limiter, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{repo: repo, limiter: limiter, clock: clk}
}

// Manifest describes the archive contents.
type Manifest struct {
	Version     string `json:"version"`
	OwnerID     string `json:"ownerId"`
	ExportedAt  int64  `json:"exportedAt"`
	RecordCount int    `json:"recordCount"`
	Checksum    string `json:"checksum"`
}

// Result summarizes a finished export.
type Result struct {
	RecordCount int           `json:"recordCount"`
	SizeBytes   int64         `json:"sizeBytes"`
	Checksum    string        `json:"checksum"`
	Duration    time.Duration `json:"-"`
}

const listPageSize = 500

// Export writes a tar.gz archive of every live record the owner holds to w.
// The archive carries records.json plus a manifest.json whose checksum is
// the sha256 of the records document, so a consumer can verify integrity
// before importing.
func (s *Service) Export(ctx context.Context, ownerID models.UUID, w io.Writer) (*Result, error) {
	if err := s.limiter.Allow(ratelimit.ClassExport, ownerID.String()); err != nil {
		return nil, err
	}
	start := s.clock.Now()

	records, err := s.collect(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode records", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	manifest := Manifest{
		Version:     "1",
		OwnerID:     ownerID.String(),
		ExportedAt:  start.Unix(),
		RecordCount: len(records),
		Checksum:    checksum,
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode manifest", err)
	}

	counter := &countingWriter{w: w}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(gz)

	for _, f := range []struct {
		name string
		data []byte
	}{
		{"manifest.json", manifestData},
		{"records.json", data},
	} {
		if err := writeEntry(tw, f.name, f.data, start); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to finish archive", err)
	}
	if err := gz.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to finish archive", err)
	}

	result := &Result{
		RecordCount: len(records),
		SizeBytes:   counter.n,
		Checksum:    checksum,
		Duration:    s.clock.Now().Sub(start),
	}
	logrus.WithField("owner_id", ownerID).
		WithField("records", result.RecordCount).
		WithField("bytes", result.SizeBytes).
		Info("Export archive written")
	return result, nil
}

func (s *Service) collect(ctx context.Context, ownerID models.UUID) ([]*models.Record, error) {
	var all []*models.Record
	for offset := 0; ; offset += listPageSize {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "export cancelled", err)
		}
		page, err := s.repo.ListRecords(ownerID, listPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			return all, nil
		}
	}
}

func writeEntry(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: mod,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("failed to write %s header", name), err)
	}
	if _, err := tw.Write(data); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("failed to write %s", name), err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
