// Package preprocess turns an encoded fundus image into the normalized
// 1x3x224x224 tensor the classifier expects.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/gif"  // registers GIF decoding
	_ "image/jpeg" // registers JPEG decoding
	_ "image/png"  // registers PNG decoding
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // registers BMP decoding
	_ "golang.org/x/image/tiff" // registers TIFF decoding
	_ "golang.org/x/image/webp" // registers WebP decoding
	"gorgonia.org/tensor"
)

// ImageSize is the square input resolution of the network.
const ImageSize = 224

// ImageNet channel statistics the network was trained with.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Encoding tells how an image payload is encoded.
type Encoding int

const (
	// EncodingBase64 is base64 text, optionally behind a data URL header.
	EncodingBase64 Encoding = iota
	// EncodingRaw is the image file bytes.
	EncodingRaw
)

func (e Encoding) String() string {
	if e == EncodingRaw {
		return "raw"
	}
	return "base64"
}

// ErrEmptyPayload is returned for a payload with no image data.
var ErrEmptyPayload = errors.New("empty image payload")

// StripDataURL drops a "data:image/...;base64," style header: everything up
// to and including the first comma.
func StripDataURL(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}

// DecodeBase64 strips a data URL header and whitespace and decodes the rest.
func DecodeBase64(text string) ([]byte, error) {
	text = strings.Join(strings.Fields(StripDataURL(text)), "")
	if text == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64 image")
	}
	return raw, nil
}

// Decode parses payload into an image.
func Decode(payload []byte, enc Encoding) (image.Image, error) {
	raw := payload
	if enc == EncodingBase64 {
		var err error
		if raw, err = DecodeBase64(string(payload)); err != nil {
			return nil, err
		}
	}
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}
	return img, nil
}

// ToRGB copies img into an opaque NRGBA image. Alpha is discarded without
// compositing and gray or paletted images are expanded to three channels.
func ToRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// Resize scales img to ImageSize x ImageSize without preserving the aspect ratio.
func Resize(img image.Image) image.Image {
	return resize.Resize(ImageSize, ImageSize, img, resize.Bilinear)
}

// ToTensor normalizes an ImageSize x ImageSize image into an NCHW float32
// tensor of shape 1x3xImageSizexImageSize.
func ToTensor(img image.Image) (*tensor.Dense, error) {
	b := img.Bounds()
	if b.Dx() != ImageSize || b.Dy() != ImageSize {
		return nil, errors.Errorf("image must be %dx%d, got %dx%d", ImageSize, ImageSize, b.Dx(), b.Dy())
	}

	plane := ImageSize * ImageSize
	data := make([]float32, 3*plane)
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*ImageSize + x
			data[i] = (float32(c.R)/255 - Mean[0]) / Std[0]
			data[plane+i] = (float32(c.G)/255 - Mean[1]) / Std[1]
			data[2*plane+i] = (float32(c.B)/255 - Mean[2]) / Std[2]
		}
	}
	return tensor.New(tensor.WithShape(1, 3, ImageSize, ImageSize), tensor.WithBacking(data)), nil
}

// Image runs the full pipeline on payload.
func Image(payload []byte, enc Encoding) (*tensor.Dense, error) {
	img, err := Decode(payload, enc)
	if err != nil {
		return nil, err
	}
	return ToTensor(Resize(ToRGB(img)))
}
