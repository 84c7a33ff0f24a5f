package dataset

import (
	"bytes"
	"fmt"
	"image"

	// Registered decoders. ImageNet ships JPEG; the rest cover synthetic
	// and test corpora.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	xdraw "golang.org/x/image/draw"
)

// DecodeError indicates that a single sample could not be decoded.
// It is contained: the sample is logged and skipped, the batch continues.
type DecodeError struct {
	Sample Sample
	cause  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode sample %q: %v", e.Sample.ID, e.cause)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// decodeImage decodes raw and scales it to size x size, returning the
// image as a CHW float32 tensor with values in [-1, 1].
func decodeImage(raw []byte, sample Sample, size int) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Sample: sample, cause: err}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	return imageToTensor(dst, size), nil
}

// imageToTensor converts an NRGBA image to CHW float32 in [-1, 1].
func imageToTensor(img *image.NRGBA, size int) []float32 {
	t := make([]float32, 3*size*size)
	plane := size * size

	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			off := y*size + x
			t[off] = float32(px[0])/127.5 - 1
			t[plane+off] = float32(px[1])/127.5 - 1
			t[2*plane+off] = float32(px[2])/127.5 - 1
		}
	}
	return t
}
