package filters

import (
	"fmt"

	"github.com/wudi/pdfshrink/ir/raw"
)

// applyPredictor undoes TIFF (2) and PNG (10-15) predictors described by
// DecodeParms. Predictor 1 or no parameters return data unchanged.
func applyPredictor(data []byte, params *raw.DictObj) ([]byte, error) {
	predictor := intParam(params, "Predictor", 1)
	if predictor <= 1 {
		return data, nil
	}
	columns := intParam(params, "Columns", 1)
	colors := intParam(params, "Colors", 1)
	bpc := intParam(params, "BitsPerComponent", 8)
	if columns <= 0 || colors <= 0 || bpc <= 0 {
		return nil, fmt.Errorf("invalid predictor parameters columns=%d colors=%d bpc=%d", columns, colors, bpc)
	}
	bpp := (colors*bpc + 7) / 8
	rowBytes := (columns*colors*bpc + 7) / 8
	switch {
	case predictor == 2:
		return tiffPredictor(data, bpc, colors, rowBytes)
	case predictor >= 10 && predictor <= 15:
		return pngPredictor(data, bpp, rowBytes)
	}
	return nil, fmt.Errorf("unsupported predictor: %d", predictor)
}

func tiffPredictor(data []byte, bpc, colors, rowBytes int) ([]byte, error) {
	if bpc != 8 {
		return nil, fmt.Errorf("TIFF predictor only supports 8 bits per component, got %d", bpc)
	}
	out := append([]byte(nil), data...)
	for start := 0; start+rowBytes <= len(out); start += rowBytes {
		row := out[start : start+rowBytes]
		for i := colors; i < len(row); i++ {
			row[i] += row[i-colors]
		}
	}
	return out, nil
}

func pngPredictor(data []byte, bpp, rowBytes int) ([]byte, error) {
	stride := rowBytes + 1
	rows := len(data) / stride
	if rows == 0 && len(data) > 0 {
		return nil, fmt.Errorf("data size %d is smaller than one predicted row (%d)", len(data), stride)
	}
	out := make([]byte, rows*rowBytes)
	prev := make([]byte, rowBytes)
	for r := 0; r < rows; r++ {
		in := data[r*stride : (r+1)*stride]
		cur := out[r*rowBytes : (r+1)*rowBytes]
		copy(cur, in[1:])
		switch in[0] {
		case 0:
		case 1:
			for i := bpp; i < rowBytes; i++ {
				cur[i] += cur[i-bpp]
			}
		case 2:
			for i := 0; i < rowBytes; i++ {
				cur[i] += prev[i]
			}
		case 3:
			for i := 0; i < rowBytes; i++ {
				var left int
				if i >= bpp {
					left = int(cur[i-bpp])
				}
				cur[i] += byte((left + int(prev[i])) / 2)
			}
		case 4:
			for i := 0; i < rowBytes; i++ {
				var left, upLeft byte
				if i >= bpp {
					left = cur[i-bpp]
					upLeft = prev[i-bpp]
				}
				cur[i] += paeth(left, prev[i], upLeft)
			}
		default:
			return nil, fmt.Errorf("invalid PNG filter type %d in row %d", in[0], r)
		}
		prev = cur
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
