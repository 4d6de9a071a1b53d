// Package raster converts PDF documents to page images using go-fitz.
package raster

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// Converter rasterizes PDFs to JPEG page images. Safe for concurrent
// use; each call opens its own document handle.
type Converter struct{}

// NewConverter creates a PDF converter.
func NewConverter() *Converter {
	return &Converter{}
}

// Rasterize converts every page of the PDF into a JPEG under outDir, in
// page order. Cancellation is checked between pages; pages already
// written stay on disk for the caller's scoped cleanup.
func (c *Converter) Rasterize(ctx context.Context, pdfPath, outDir string, quality int) ([]pipeline.PageImage, error) {
	if err := validate(pdfPath, quality); err != nil {
		return nil, err
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	pages := make([]pipeline.PageImage, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		default:
		}

		img, err := doc.Image(pageNum)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", pageNum+1, err)
		}

		outputPath := filepath.Join(outDir, fmt.Sprintf("page_%04d.jpg", pageNum+1))
		outputFile, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("create image file for page %d: %w", pageNum+1, err)
		}

		err = jpeg.Encode(outputFile, img, &jpeg.Options{Quality: quality})
		outputFile.Close()
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", pageNum+1, err)
		}

		bounds := img.Bounds()
		pages = append(pages, pipeline.PageImage{
			PageNumber: pageNum + 1,
			Path:       outputPath,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
		})
	}

	return pages, nil
}

func validate(pdfPath string, quality int) error {
	if !strings.EqualFold(filepath.Ext(pdfPath), ".pdf") {
		return fmt.Errorf("not a PDF file: %s", pdfPath)
	}
	fi, err := os.Stat(pdfPath)
	if err != nil {
		return fmt.Errorf("stat PDF: %w", err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("PDF file is empty: %s", pdfPath)
	}
	if quality < 1 || quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100, got %d", quality)
	}
	return nil
}

var _ pipeline.Rasterizer = (*Converter)(nil)
