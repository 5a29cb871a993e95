package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	lzf "github.com/zhuyie/golzf"
	goutils "go.viam.com/utils"
)

// PCDType is the on-disk encoding of a pcd file.
type PCDType int

const (
	// PCDAscii is the whitespace-delimited text encoding.
	PCDAscii PCDType = iota
	// PCDBinary is the packed little-endian encoding.
	PCDBinary
	// PCDCompressed is the LZF-compressed, field-major encoding.
	PCDCompressed
)

// NewFromFile reads a point cloud in from the given file, picking the
// format by extension.
func NewFromFile(fn string, logger golog.Logger) (*Cloud, error) {
	switch filepath.Ext(fn) {
	case ".pcd":
		f, err := os.Open(fn) //nolint:gosec
		if err != nil {
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(f.Close)
		return ReadPCD(f)
	case ".las":
		return NewFromLASFile(fn, logger)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

const pcdCommentChar = "#"

// pcdField locates one scalar field inside a point record.
type pcdField struct {
	column int // token index in an ascii row
	offset int // byte offset in a binary row
}

type pcdHeader struct {
	fields  []string
	sizes   []int
	types   []string
	counts  []int
	width   int
	height  int
	points  int
	data    PCDType
	hasData bool

	stride  int
	columns int
	x, y, z pcdField
}

// ReadPCD parses a pcd stream. Any field layout is accepted as long as x, y
// and z are present as single 4-byte floats; all other fields are skipped.
func ReadPCD(inRaw io.Reader) (*Cloud, error) {
	in := bufio.NewReader(inRaw)
	header, err := parsePCDHeader(in)
	if err != nil {
		return nil, err
	}
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	case PCDCompressed:
		return readPCDCompressed(in, header)
	default:
		return nil, errors.Errorf("unsupported pcd data encoding %d", header.data)
	}
}

func parsePCDHeader(in *bufio.Reader) (*pcdHeader, error) {
	header := &pcdHeader{width: -1, height: -1, points: -1}
	for !header.hasData {
		raw, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "unexpected end of pcd header")
		}
		line, _, _ := strings.Cut(raw, pcdCommentChar)
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		if err := parsePCDHeaderLine(tokens[0], tokens[1:], header); err != nil {
			return nil, err
		}
	}
	return header, finishPCDHeader(header)
}

func parsePCDHeaderLine(name string, values []string, header *pcdHeader) error {
	var err error
	switch name {
	case "VERSION", "VIEWPOINT":
		// Accepted and ignored.
	case "FIELDS":
		header.fields = values
	case "SIZE":
		header.sizes, err = atoiAll(values)
		if err != nil {
			return errors.Wrap(err, "invalid SIZE line")
		}
	case "TYPE":
		header.types = values
	case "COUNT":
		header.counts, err = atoiAll(values)
		if err != nil {
			return errors.Wrap(err, "invalid COUNT line")
		}
	case "WIDTH", "HEIGHT", "POINTS":
		if len(values) != 1 {
			return errors.Errorf("%s line must hold exactly one value", name)
		}
		v, err := strconv.Atoi(values[0])
		if err != nil {
			return errors.Wrapf(err, "invalid %s value %q", name, values[0])
		}
		switch name {
		case "WIDTH":
			header.width = v
		case "HEIGHT":
			header.height = v
		case "POINTS":
			header.points = v
		}
	case "DATA":
		if len(values) != 1 {
			return errors.New("DATA line must hold exactly one value")
		}
		switch values[0] {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unsupported pcd data encoding %q", values[0])
		}
		header.hasData = true
	default:
		return errors.Errorf("unsupported pcd header line %q", name)
	}
	return nil
}

// finishPCDHeader validates the collected lines and derives the x/y/z
// locations within a point record.
func finishPCDHeader(header *pcdHeader) error {
	n := len(header.fields)
	if n == 0 {
		return errors.New("pcd header is missing a FIELDS line")
	}
	if len(header.sizes) != n || len(header.types) != n {
		return errors.New("pcd SIZE and TYPE lines must match FIELDS")
	}
	if header.counts == nil {
		header.counts = make([]int, n)
		for i := range header.counts {
			header.counts[i] = 1
		}
	}
	if len(header.counts) != n {
		return errors.New("pcd COUNT line must match FIELDS")
	}
	switch {
	case header.points < 0 && header.width >= 0 && header.height >= 0:
		header.points = header.width * header.height
	case header.points < 0:
		return errors.New("pcd header is missing POINTS or WIDTH/HEIGHT lines")
	case header.width >= 0 && header.height >= 0 && header.points != header.width*header.height:
		return errors.Errorf("pcd POINTS %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
	}

	found := 0
	for i, name := range header.fields {
		if header.sizes[i] <= 0 || header.counts[i] <= 0 {
			return errors.Errorf("pcd field %q has invalid size or count", name)
		}
		if name == "x" || name == "y" || name == "z" {
			if header.types[i] != "F" || header.sizes[i] != 4 || header.counts[i] != 1 {
				return errors.Errorf("pcd field %q must be a single 4-byte float", name)
			}
			loc := pcdField{column: header.columns, offset: header.stride}
			switch name {
			case "x":
				header.x = loc
			case "y":
				header.y = loc
			case "z":
				header.z = loc
			}
			found++
		}
		header.columns += header.counts[i]
		header.stride += header.sizes[i] * header.counts[i]
	}
	if found != 3 {
		return errors.New("pcd must carry x, y and z fields")
	}
	return nil
}

func atoiAll(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readPCDAscii(in *bufio.Reader, header *pcdHeader) (*Cloud, error) {
	cloud := NewWithPrealloc(header.points)
	for i := 0; i < header.points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return nil, errors.Wrapf(err, "reading pcd point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != header.columns {
			return nil, errors.Errorf("pcd point %d has %d fields, want %d", i, len(tokens), header.columns)
		}
		var p r3.Vector
		if p.X, err = strconv.ParseFloat(tokens[header.x.column], 64); err != nil {
			return nil, errors.Wrapf(err, "pcd point %d", i)
		}
		if p.Y, err = strconv.ParseFloat(tokens[header.y.column], 64); err != nil {
			return nil, errors.Wrapf(err, "pcd point %d", i)
		}
		if p.Z, err = strconv.ParseFloat(tokens[header.z.column], 64); err != nil {
			return nil, errors.Wrapf(err, "pcd point %d", i)
		}
		cloud.Append(p)
	}
	return cloud, nil
}

func readPCDBinary(in *bufio.Reader, header *pcdHeader) (*Cloud, error) {
	cloud := NewWithPrealloc(header.points)
	buf := make([]byte, header.stride)
	for i := 0; i < header.points; i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, errors.Wrapf(err, "reading pcd point %d", i)
		}
		cloud.Append(r3.Vector{
			X: float32At(buf, header.x.offset),
			Y: float32At(buf, header.y.offset),
			Z: float32At(buf, header.z.offset),
		})
	}
	return cloud, nil
}

// readPCDCompressed inflates the LZF block and walks its field-major
// layout: all of field 0 for every point, then all of field 1, and so on.
func readPCDCompressed(in *bufio.Reader, header *pcdHeader) (*Cloud, error) {
	var lengths [8]byte
	if _, err := io.ReadFull(in, lengths[:]); err != nil {
		return nil, errors.Wrap(err, "reading compressed pcd block lengths")
	}
	nCompressed := int(binary.LittleEndian.Uint32(lengths[:4]))
	nUncompressed := int(binary.LittleEndian.Uint32(lengths[4:]))

	compressed := make([]byte, nCompressed)
	if _, err := io.ReadFull(in, compressed); err != nil {
		return nil, errors.Wrap(err, "reading compressed pcd data")
	}
	data := make([]byte, nUncompressed)
	n, err := lzf.Decompress(compressed, data)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing pcd data")
	}
	if n != nUncompressed {
		return nil, errors.Errorf("compressed pcd inflated to %d bytes, want %d", n, nUncompressed)
	}
	if need := header.stride * header.points; nUncompressed < need {
		return nil, errors.Errorf("compressed pcd holds %d bytes, want %d", nUncompressed, need)
	}

	// Byte offset of each field's block within the field-major data.
	blockAt := func(f pcdField) int {
		return f.offset * header.points
	}
	xBlock, yBlock, zBlock := blockAt(header.x), blockAt(header.y), blockAt(header.z)

	cloud := NewWithPrealloc(header.points)
	for i := 0; i < header.points; i++ {
		cloud.Append(r3.Vector{
			X: float32At(data, xBlock+4*i),
			Y: float32At(data, yBlock+4*i),
			Z: float32At(data, zBlock+4*i),
		})
	}
	return cloud, nil
}

func float32At(buf []byte, off int) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4])))
}

// WritePCD writes the cloud's coordinates as an x y z pcd in the given
// encoding. PCDCompressed output is not supported.
func WritePCD(cloud *Cloud, out io.Writer, enc PCDType) error {
	var data string
	switch enc {
	case PCDAscii:
		data = "ascii"
	case PCDBinary:
		data = "binary"
	case PCDCompressed:
		return errors.New("writing compressed pcd is not supported")
	default:
		return errors.Errorf("unsupported pcd data encoding %d", enc)
	}
	_, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		cloud.Size(), cloud.Size(), data)
	if err != nil {
		return err
	}

	if enc == PCDAscii {
		w := bufio.NewWriter(out)
		for _, p := range cloud.Points {
			if _, err := fmt.Fprintf(w, "%s %s %s\n",
				formatPCDFloat(p.X), formatPCDFloat(p.Y), formatPCDFloat(p.Z)); err != nil {
				return err
			}
		}
		return w.Flush()
	}

	buf := make([]byte, 12)
	for _, p := range cloud.Points {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
		if _, err := out.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// formatPCDFloat prints the shortest decimal that reparses to the same
// float32, keeping ascii round trips exact.
func formatPCDFloat(v float64) string {
	return strconv.FormatFloat(float64(float32(v)), 'g', -1, 32)
}
