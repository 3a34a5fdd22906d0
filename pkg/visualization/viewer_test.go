package visualization

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"skysynth/internal/models"
)

func newTestImage(t *testing.T, nchan, ny, nx int) *models.Image {
	t.Helper()
	im, err := models.NewImage(models.Shape{NChan: nchan, NPol: 1, NY: ny, NX: nx},
		models.NewCentredWCS(ny, nx, 1e-3, make([]float64, nchan)), models.StokesI)
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	return im
}

// TestExtractPlane verifies dimensions, orientation and min/max scaling
func TestExtractPlane(t *testing.T) {
	width, height := 8, 6
	im := newTestImage(t, 2, height, width)

	// Gradient along y in channel 1, constant in channel 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			im.Set(1, 0, y, x, float64(y))
			im.Set(0, 0, y, x, 3)
		}
	}

	viewer := NewViewer(im, ScaleMinMax)
	img, err := viewer.ExtractPlane(1, 0)
	if err != nil {
		t.Fatalf("Failed to extract plane: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		t.Errorf("Expected plane dimensions %dx%d, got %dx%d", width, height, bounds.Dx(), bounds.Dy())
	}

	// Row 0 is drawn at the bottom
	if got := img.Gray16At(0, height-1).Y; got != 0 {
		t.Errorf("Expected 0 at bottom row, got %d", got)
	}
	if got := img.Gray16At(0, 0).Y; got != 65535 {
		t.Errorf("Expected 65535 at top row, got %d", got)
	}

	// A constant plane renders black
	flat, err := viewer.ExtractPlane(0, 0)
	if err != nil {
		t.Fatalf("Failed to extract constant plane: %v", err)
	}
	if got := flat.Gray16At(3, 3).Y; got != 0 {
		t.Errorf("Expected 0 for a constant plane, got %d", got)
	}

	if _, err := viewer.ExtractPlane(2, 0); err == nil {
		t.Error("Expected error for out of range channel, got nil")
	}
	if _, err := viewer.ExtractPlane(0, 1); err == nil {
		t.Error("Expected error for out of range polarisation, got nil")
	}
}

// TestSymmetricScaling verifies that zero maps to mid grey
func TestSymmetricScaling(t *testing.T) {
	im := newTestImage(t, 1, 4, 4)
	im.Set(0, 0, 0, 0, -2)
	im.Set(0, 0, 0, 1, 1)

	img, err := NewViewer(im, ScaleSymmetric).ExtractPlane(0, 0)
	if err != nil {
		t.Fatalf("Failed to extract plane: %v", err)
	}
	mid := img.Gray16At(2, 1).Y
	if mid < 32766 || mid > 32768 {
		t.Errorf("Expected zero to map to ~32767, got %d", mid)
	}
	if got := img.Gray16At(0, 3).Y; got != 0 {
		t.Errorf("Expected -maxabs to map to 0, got %d", got)
	}
}

// TestSaveAllPlanes verifies that every plane is written as a readable PNG
func TestSaveAllPlanes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	im := newTestImage(t, 3, 5, 5)
	for i := range im.Data {
		im.Data[i] = float64(i % 7)
	}

	outputDir := filepath.Join(t.TempDir(), "planes")
	if err := NewViewer(im, ScaleMinMax).SaveAllPlanes("restored", outputDir); err != nil {
		t.Fatalf("Failed to save planes: %v", err)
	}

	for c := 0; c < 3; c++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("restored_c%03d_p0.png", c))
		f, err := os.Open(filename)
		if err != nil {
			t.Fatalf("Expected plane file %s: %v", filename, err)
		}
		cfg, err := png.DecodeConfig(f)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", filename, err)
		}
		if cfg.Width != 5 || cfg.Height != 5 {
			t.Errorf("Expected 5x5 PNG, got %dx%d", cfg.Width, cfg.Height)
		}
	}
}
