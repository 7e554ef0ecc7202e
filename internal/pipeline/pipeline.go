// Package pipeline runs one remote file through type check, download,
// hashing, deduplication, compression, labelling and persistence.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/transform"
	"github.com/cloud-importer/internal/types"
)

const sniffLen = 512

// Fetcher downloads one file
type Fetcher interface {
	Fetch(ctx context.Context, sourceID string, w io.Writer) (int64, error)
}

// AssetStore is where successful items end up
type AssetStore interface {
	FindByHash(ctx context.Context, hash string) (string, bool, error)
	Persist(ctx context.Context, r io.Reader, size int64, meta models.AssetMetadata) (string, error)
}

// Input is one item of a batch
type Input struct {
	Index    int
	File     models.FileDescriptor
	Settings models.Settings
	OwnerID  string
	JobID    string
}

// Pipeline processes items strictly one at a time
type Pipeline struct {
	assets  AssetStore
	tempDir string
}

// New creates a pipeline. Downloads are staged in tempDir.
func New(assets AssetStore, tempDir string) *Pipeline {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Pipeline{assets: assets, tempDir: tempDir}
}

// Process returns exactly one outcome for the item. It never returns an
// error: every failure is recorded in the outcome.
func (p *Pipeline) Process(ctx context.Context, src Fetcher, in Input) models.ItemOutcome {
	f := in.File
	out := models.ItemOutcome{Index: in.Index, SourceID: f.SourceID, Name: f.DisplayName}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"item":      in.Index,
		"file_name": f.DisplayName,
	})

	fail := func(reason, msg string) models.ItemOutcome {
		out.Status = types.OutcomeFailed
		out.Reason = reason
		out.Message = msg
		logger.WithField("reason", reason).Debug(msg)
		return out
	}

	hinted := HasTypeHint(f.DisplayName, f.MimeHint)
	if hinted && !IsImage(f.DisplayName, f.MimeHint) {
		return fail(types.ReasonUnsupportedType, "Not an image file")
	}

	tmp, err := os.CreateTemp(p.tempDir, "import-*.tmp")
	if err != nil {
		return fail(types.ReasonFetchError, fmt.Sprintf("Download failed: %v", err))
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := src.Fetch(ctx, f.SourceID, io.MultiWriter(tmp, hasher))
	if err != nil {
		return fail(types.ReasonFetchError, fmt.Sprintf("Download failed: %v", err))
	}
	if size == 0 {
		return fail(types.ReasonFetchError, "Download failed: empty file")
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	head := make([]byte, sniffLen)
	nHead, err := tmp.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return fail(types.ReasonFetchError, fmt.Sprintf("Download failed: %v", err))
	}
	sniffed := Sniff(head[:nHead])
	if !hinted && !IsImageContent(sniffed) {
		return fail(types.ReasonUnsupportedType, "Not an image file")
	}
	mimeType := ResolveMime(f.DisplayName, f.MimeHint, sniffed)

	if in.Settings.Dedupe {
		existing, found, err := p.assets.FindByHash(ctx, hash)
		if err != nil {
			return fail(types.ReasonPersistError, fmt.Sprintf("Duplicate check failed: %v", err))
		}
		if found {
			out.Status = types.OutcomeSkipped
			out.Reason = types.ReasonDuplicate
			out.Message = "Duplicate file skipped"
			logger.WithField("existing_asset", existing).Debug("Duplicate detected")
			return out
		}
	}

	var (
		body      io.Reader = io.NewSectionReader(tmp, 0, size)
		finalSize           = size
		meta                = models.AssetMetadata{
			ImportedBy:   in.OwnerID,
			JobID:        in.JobID,
			SourceID:     f.SourceID,
			FileName:     f.DisplayName,
			MimeType:     mimeType,
			ContentHash:  hash,
			OriginalSize: size,
		}
	)

	if in.Settings.Transform && transform.Supported(mimeType) {
		res, err := transform.Apply(io.NewSectionReader(tmp, 0, size), size, mimeType, transform.Options{
			Quality:   in.Settings.Quality,
			MaxWidth:  in.Settings.MaxWidth,
			MaxHeight: in.Settings.MaxHeight,
		})
		if err != nil {
			logger.WithError(err).Warn("Compression failed, keeping original")
			res = &transform.Result{OriginalSize: size, FinalSize: size, Note: err.Error()}
		}
		out.Transform = &models.TransformInfo{
			Applied:        res.Applied,
			OriginalSize:   res.OriginalSize,
			FinalSize:      res.FinalSize,
			SavingsPercent: res.SavingsPercent,
			Note:           res.Note,
		}
		if res.Applied {
			body = bytes.NewReader(res.Data)
			finalSize = res.FinalSize
			meta.Compressed = true
			meta.SavingsPercent = res.SavingsPercent
		} else if res.Note == transform.NoteNotBeneficial {
			out.Reason = types.ReasonTransformNotBeneficial
		}
	}

	if in.Settings.DeriveMetadata {
		out.AltText = AltText(f.DisplayName)
		meta.AltText = out.AltText
	}
	meta.Title = Title(f.DisplayName, in.Settings.DeriveMetadata)

	assetID, err := p.assets.Persist(ctx, body, finalSize, meta)
	if err != nil {
		return fail(types.ReasonPersistError, fmt.Sprintf("Failed to save asset: %v", err))
	}

	out.Status = types.OutcomeSuccess
	out.AssetID = assetID
	out.Message = "Successfully imported"
	if meta.Compressed {
		out.Message += " (compressed)"
	}
	logger.WithField("asset_id", assetID).Debug(out.Message)
	return out
}
