package ai

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func createTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// --- ResizeImage tests ---

func TestResizeImage_NoResizeNeeded(t *testing.T) {
	img := createTestImage(100, 100, color.White)
	data := encodeJPEG(img)

	resized, err := ResizeImage(data, 200)
	if err != nil {
		t.Fatalf("ResizeImage failed: %v", err)
	}

	if len(resized) == 0 {
		t.Error("expected non-empty result")
	}

	// Verify it's a valid JPEG
	_, format, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}

	if format != "jpeg" {
		t.Errorf("expected jpeg format, got %s", format)
	}
}

func TestResizeImage_NeedsResize_Landscape(t *testing.T) {
	img := createTestImage(2000, 1000, color.White)
	data := encodeJPEG(img)

	resized, err := ResizeImage(data, 500)
	if err != nil {
		t.Fatalf("ResizeImage failed: %v", err)
	}

	decodedImg, _, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("failed to decode resized image: %v", err)
	}

	bounds := decodedImg.Bounds()

	// Width should be maxSize
	if bounds.Dx() != 500 {
		t.Errorf("expected width 500, got %d", bounds.Dx())
	}

	// Height should maintain aspect ratio (2000/1000 = 2:1)
	if bounds.Dy() != 250 {
		t.Errorf("expected height 250, got %d", bounds.Dy())
	}
}

func TestResizeImage_NeedsResize_Portrait(t *testing.T) {
	img := createTestImage(1000, 2000, color.White)
	data := encodeJPEG(img)

	resized, err := ResizeImage(data, 500)
	if err != nil {
		t.Fatalf("ResizeImage failed: %v", err)
	}

	decodedImg, _, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("failed to decode resized image: %v", err)
	}

	bounds := decodedImg.Bounds()

	// Height should be maxSize
	if bounds.Dy() != 500 {
		t.Errorf("expected height 500, got %d", bounds.Dy())
	}

	// Width should maintain aspect ratio
	if bounds.Dx() != 250 {
		t.Errorf("expected width 250, got %d", bounds.Dx())
	}
}

func TestResizeImage_InvalidData(t *testing.T) {
	invalidData := []byte("not an image")

	_, err := ResizeImage(invalidData, 500)
	if err == nil {
		t.Error("expected error for invalid image data")
	}
}

func TestResizeImage_EmptyData(t *testing.T) {
	_, err := ResizeImage([]byte{}, 500)
	if err == nil {
		t.Error("expected error for empty data")
	}
}

func TestResizeImage_PNGInput(t *testing.T) {
	img := createTestImage(100, 100, color.White)
	data := encodePNG(img)

	resized, err := ResizeImage(data, 200)
	if err != nil {
		t.Fatalf("ResizeImage failed for PNG: %v", err)
	}

	// Should convert to JPEG
	_, format, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}

	if format != "jpeg" {
		t.Errorf("expected jpeg output format, got %s", format)
	}
}

func TestResizeImage_OneDimensionAtMax(t *testing.T) {
	// Image with one dimension at max, other smaller
	img := createTestImage(500, 300, color.White)
	data := encodeJPEG(img)

	resized, err := ResizeImage(data, 500)
	if err != nil {
		t.Fatalf("ResizeImage failed: %v", err)
	}

	// Should not resize
	decodedImg, _, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}

	bounds := decodedImg.Bounds()
	if bounds.Dx() != 500 || bounds.Dy() != 300 {
		t.Errorf("expected 500x300, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestResizeImage_ZeroMaxSizeKeepsDimensions(t *testing.T) {
	img := createTestImage(1200, 900, color.White)

	resized, err := ResizeImage(encodePNG(img), 0)
	if err != nil {
		t.Fatalf("ResizeImage failed: %v", err)
	}

	decodedImg, format, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("expected jpeg output format, got %s", format)
	}
	if b := decodedImg.Bounds(); b.Dx() != 1200 || b.Dy() != 900 {
		t.Errorf("expected 1200x900, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestResizeImage_ThinStripKeepsOnePixel(t *testing.T) {
	img := createTestImage(3000, 2, color.Black)

	resized, err := ResizeImage(encodeJPEG(img), 300)
	if err != nil {
		t.Fatalf("ResizeImage failed: %v", err)
	}

	decodedImg, _, err := image.Decode(bytes.NewReader(resized))
	if err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if b := decodedImg.Bounds(); b.Dx() != 300 || b.Dy() != 1 {
		t.Errorf("expected 300x1, got %dx%d", b.Dx(), b.Dy())
	}
}
