package export

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// bundle carries the materials one export run packages up.
type bundle struct {
	job      *ExportJob
	dir      string
	images   []ImageRef
	polygons map[string][]Polygon
}

// copyOriginals copies the project's image files into originals/. Items run
// concurrently up to the processor's limit.
func (p *Processor) copyOriginals(ctx context.Context, b *bundle, report func()) error {
	destDir := filepath.Join(b.dir, "originals")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create originals dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, img := range b.images {
		img := img
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := copyFile(img.FilePath, filepath.Join(destDir, img.Name)); err != nil {
				return fmt.Errorf("failed to copy %s: %w", img.Name, err)
			}
			report()
			return nil
		})
	}

	return g.Wait()
}

// renderVisualizations draws each image's polygon set as a PNG overlay in
// visualizations/. Images without committed polygons are skipped but still
// counted, so progress weighting stays uniform across items.
func (p *Processor) renderVisualizations(ctx context.Context, b *bundle, report func()) error {
	destDir := filepath.Join(b.dir, "visualizations")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create visualizations dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, img := range b.images {
		img := img
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			polygons := b.polygons[img.ImageID]
			if len(polygons) > 0 {
				dest := filepath.Join(destDir, baseName(img.Name)+".png")
				if err := renderOverlay(polygons, dest); err != nil {
					return fmt.Errorf("failed to render %s: %w", img.Name, err)
				}
			}
			report()
			return nil
		})
	}

	return g.Wait()
}

type cocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
}

type cocoAnnotation struct {
	ID           int         `json:"id"`
	ImageID      int         `json:"image_id"`
	CategoryID   int         `json:"category_id"`
	Segmentation [][]float64 `json:"segmentation"`
	Area         float64     `json:"area"`
	BBox         []float64   `json:"bbox"`
}

type cocoCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type cocoFile struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

// emitAnnotations writes one COCO-style annotations file for the project.
func (p *Processor) emitAnnotations(ctx context.Context, b *bundle, report func()) error {
	destDir := filepath.Join(b.dir, "annotations")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create annotations dir: %w", err)
	}

	doc := cocoFile{
		Images:      []cocoImage{},
		Annotations: []cocoAnnotation{},
		Categories:  []cocoCategory{{ID: 1, Name: "cell"}},
	}

	annotationID := 1
	for i, img := range b.images {
		if err := ctx.Err(); err != nil {
			return err
		}

		imageID := i + 1
		doc.Images = append(doc.Images, cocoImage{ID: imageID, FileName: img.Name})

		for _, polygon := range b.polygons[img.ImageID] {
			flat := make([]float64, 0, len(polygon.Points)*2)
			for _, pt := range polygon.Points {
				flat = append(flat, pt.X, pt.Y)
			}
			minX, minY, maxX, maxY := boundingBox(polygon.Points)

			doc.Annotations = append(doc.Annotations, cocoAnnotation{
				ID:           annotationID,
				ImageID:      imageID,
				CategoryID:   1,
				Segmentation: [][]float64{flat},
				Area:         polygonArea(polygon.Points),
				BBox:         []float64{minX, minY, maxX - minX, maxY - minY},
			})
			annotationID++
		}
		report()
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode annotations: %w", err)
	}

	return os.WriteFile(filepath.Join(destDir, "annotations.json"), payload, 0o644)
}

// computeMetricsPhase writes the per-polygon morphology table as CSV.
func (p *Processor) computeMetricsPhase(ctx context.Context, b *bundle, report func()) error {
	destDir := filepath.Join(b.dir, "metrics")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create metrics dir: %w", err)
	}

	f, err := os.Create(filepath.Join(destDir, "metrics.csv"))
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"image", "object", "area", "perimeter", "equivalent_diameter",
		"circularity", "compactness", "extent", "solidity", "convexity",
		"bbox_width", "bbox_height",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write metrics header: %w", err)
	}

	for _, img := range b.images {
		if err := ctx.Err(); err != nil {
			return err
		}

		for idx, polygon := range b.polygons[img.ImageID] {
			m := ComputeMetrics(polygon)
			row := []string{
				img.Name,
				strconv.Itoa(idx + 1),
				formatFloat(m.Area),
				formatFloat(m.Perimeter),
				formatFloat(m.EquivalentDiameter),
				formatFloat(m.Circularity),
				formatFloat(m.Compactness),
				formatFloat(m.Extent),
				formatFloat(m.Solidity),
				formatFloat(m.Convexity),
				formatFloat(m.BBoxWidth),
				formatFloat(m.BBoxHeight),
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("failed to write metrics row: %w", err)
			}
		}
		report()
	}

	w.Flush()
	return w.Error()
}

// writeDocumentation emits a README describing the package layout.
func (p *Processor) writeDocumentation(ctx context.Context, b *bundle, report func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	objects := 0
	for _, polygons := range b.polygons {
		objects += len(polygons)
	}

	content := fmt.Sprintf(`Segmentation export
===================

Project:   %s
Generated: %s
Images:    %d
Objects:   %d

Contents
--------
originals/        source image files
visualizations/   polygon overlays rendered as PNG
annotations/      COCO-format polygon annotations
metrics/          per-object morphology table (CSV)

Metrics columns: area (px^2), perimeter (px), equivalent diameter,
circularity (4*pi*A/P^2), compactness (P^2/(4*pi*A)), extent, solidity,
convexity, bounding box width and height.
`,
		b.job.ProjectID,
		time.Now().UTC().Format(time.RFC3339),
		len(b.images),
		objects,
	)

	if err := os.WriteFile(filepath.Join(b.dir, "README.txt"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write documentation: %w", err)
	}

	report()
	return nil
}

// buildArchive packages the work directory into a zip at destPath.
func buildArchive(srcDir, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return f.Close()
}

// renderOverlay rasterizes polygon outlines onto a white canvas sized to the
// polygons' joint bounding box.
func renderOverlay(polygons []Polygon, destPath string) error {
	minX, minY := math.MaxFloat64, math.MaxFloat64
	maxX, maxY := -math.MaxFloat64, -math.MaxFloat64
	for _, polygon := range polygons {
		if len(polygon.Points) == 0 {
			continue
		}
		pMinX, pMinY, pMaxX, pMaxY := boundingBox(polygon.Points)
		minX = math.Min(minX, pMinX)
		minY = math.Min(minY, pMinY)
		maxX = math.Max(maxX, pMaxX)
		maxY = math.Max(maxY, pMaxY)
	}
	if minX > maxX {
		return fmt.Errorf("no drawable polygons")
	}

	const pad = 10
	width := int(maxX-minX) + 2*pad
	height := int(maxY-minY) + 2*pad
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range canvas.Pix {
		canvas.Pix[i] = 0xff
	}

	outline := color.RGBA{R: 0xd6, G: 0x2c, B: 0x2c, A: 0xff}
	for _, polygon := range polygons {
		n := len(polygon.Points)
		for i := 0; i < n; i++ {
			a := polygon.Points[i]
			b := polygon.Points[(i+1)%n]
			drawLine(canvas,
				int(a.X-minX)+pad, int(a.Y-minY)+pad,
				int(b.X-minX)+pad, int(b.Y-minY)+pad,
				outline,
			)
		}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := png.Encode(f, canvas); err != nil {
		return err
	}
	return f.Close()
}

// drawLine is Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy

	for {
		img.SetRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func baseName(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
