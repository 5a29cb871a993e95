package pointcloud

import (
	"github.com/edaniels/golog"
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"
)

// NewFromLASFile reads the point coordinates out of a LAS file. Attribute
// data (color, intensity, classification) is dropped; registration only
// needs geometry.
func NewFromLASFile(fn string, logger golog.Logger) (*Cloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(lf.Close)

	cloud := NewWithPrealloc(lf.Header.NumberPoints)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()
		cloud.Append(r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
	}
	logger.Debugw("read las file", "path", fn, "points", cloud.Size())
	return cloud, nil
}
