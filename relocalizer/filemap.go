package relocalizer

import (
	"context"

	"github.com/edaniels/golog"

	"github.com/mapanchor/relocalize/pointcloud"
)

type fileMap struct {
	path   string
	logger golog.Logger
}

// FileMap returns a MapProvider that reads the prior map from a PCD or LAS
// file on disk, picking the reader by extension.
func FileMap(path string, logger golog.Logger) MapProvider {
	return &fileMap{path: path, logger: logger}
}

func (f *fileMap) Map(ctx context.Context) (*pointcloud.Cloud, error) {
	return pointcloud.NewFromFile(f.path, f.logger)
}
