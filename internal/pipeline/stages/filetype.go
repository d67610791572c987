package stages

import (
	"context"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hazyhaar/malscan/internal/pipeline"
)

// FileType detects the MIME type of the downloaded artifact from its
// content. The magic_desc finding holds the detected type's file extension
// (e.g. ".txt"), not a libmagic-style text description. It always succeeds
// unless the file is missing.
type FileType struct{}

func (FileType) Name() string { return "file-type" }

func (FileType) Execute(ctx context.Context, sctx *pipeline.StageContext) pipeline.StageResult {
	info, err := os.Stat(sctx.LocalPath)
	if err != nil {
		return pipeline.StageResult{Status: pipeline.StatusFailed, Error: fmt.Sprintf("file-type: %v", err)}
	}

	mt, err := mimetype.DetectFile(sctx.LocalPath)
	if err != nil {
		return pipeline.StageResult{Status: pipeline.StatusFailed, Error: fmt.Sprintf("file-type: %v", err)}
	}

	return pipeline.StageResult{
		Status: pipeline.StatusOK,
		Findings: map[string]any{
			"mime_type":  mt.String(),
			"magic_desc": mt.Extension(),
			"file_size":  info.Size(),
		},
	}
}
