package dataconnector

import (
	"bufio"
	"bytes"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/rthomas/spiceai/dataupdate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnsupportedFormat is returned for files no decoder handles
var ErrUnsupportedFormat = stderrors.New("unsupported file format")

// Supported file formats
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
	FormatJSON    = "json"
)

const zstdExt = ".zst"

// formatOf returns the decoder for key, preferring an explicit format param.
// compressed reports a trailing .zst.
func formatOf(key, param string) (format string, compressed bool) {
	name := strings.ToLower(key)
	if strings.HasSuffix(name, zstdExt) {
		compressed = true
		name = strings.TrimSuffix(name, zstdExt)
	}
	if param != "" {
		return strings.ToLower(param), compressed
	}
	switch path.Ext(name) {
	case ".parquet":
		return FormatParquet, compressed
	case ".csv":
		return FormatCSV, compressed
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, compressed
	default:
		return "", compressed
	}
}

// supported reports whether key would decode under the format param
func supported(key, param string) bool {
	format, _ := formatOf(key, param)
	return format == FormatParquet || format == FormatCSV || format == FormatJSON
}

// decodeObject decodes one file's rows
func decodeObject(r io.Reader, key, formatParam string) ([]dataupdate.Row, error) {
	format, compressed := formatOf(key, formatParam)
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", key, err)
		}
		defer dec.Close()
		r = dec
	}

	var (
		rows []dataupdate.Row
		err  error
	)
	switch format {
	case FormatParquet:
		rows, err = decodeParquet(r)
	case FormatCSV:
		rows, err = decodeCSV(r)
	case FormatJSON:
		rows, err = decodeJSONLines(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, key)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return rows, nil
}

func decodeParquet(r io.Reader) ([]dataupdate.Row, error) {
	// parquet needs random access
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	columns := file.Schema().Columns()
	if file.NumRows() == 0 {
		return nil, nil
	}

	reader := parquet.NewReader(file)
	defer func() { _ = reader.Close() }()

	out := make([]dataupdate.Row, 0, file.NumRows())
	buf := make([]parquet.Row, 128)
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			rec := make(dataupdate.Row, len(columns))
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(columns) {
					continue
				}
				rec[strings.Join(columns[col], ".")] = parquetValue(v)
			}
			out = append(out, rec)
		}
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
	}
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

// decodeCSV treats the first record as the header; values stay strings
func decodeCSV(r io.Reader) ([]dataupdate.Row, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	var out []dataupdate.Row
	for {
		rec, err := cr.Read()
		if stderrors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		row := make(dataupdate.Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		out = append(out, row)
	}
}

func decodeJSONLines(r io.Reader) ([]dataupdate.Row, error) {
	var out []dataupdate.Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row dataupdate.Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, scanner.Err()
}
