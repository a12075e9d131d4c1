package infer

// ModelSpec describes the execution profile of one segmentation model. The
// memory figures are per-worker peaks measured on the reference accelerator
// and drive the dynamic batch sizing.
type ModelSpec struct {
	Name         string
	OptimalBatch int
	MaxSafeBatch int

	// BaseMemoryMB is the resident footprint of the loaded weights plus
	// activation overhead for a batch of one.
	BaseMemoryMB float64

	// PerItemMB is the marginal activation cost of each additional batch item.
	PerItemMB float64
}

// builtinSpecs covers the supported model set.
var builtinSpecs = map[string]ModelSpec{
	"hrnet": {
		Name:         "hrnet",
		OptimalBatch: 8,
		MaxSafeBatch: 12,
		BaseMemoryMB: 1800,
		PerItemMB:    350,
	},
	"cbam_resunet": {
		Name:         "cbam_resunet",
		OptimalBatch: 4,
		MaxSafeBatch: 6,
		BaseMemoryMB: 2200,
		PerItemMB:    520,
	},
	"unet": {
		Name:         "unet",
		OptimalBatch: 4,
		MaxSafeBatch: 8,
		BaseMemoryMB: 1200,
		PerItemMB:    260,
	},
}

// SpecFor returns the execution profile for a model identifier.
func SpecFor(model string) (ModelSpec, bool) {
	spec, ok := builtinSpecs[model]
	return spec, ok
}

// SupportedModels lists the model identifiers enqueue requests may use.
func SupportedModels() []string {
	return []string{"hrnet", "cbam_resunet", "unet"}
}

// PeakMemoryMB estimates the per-worker device memory needed to run one
// forward pass of the given batch size.
func (s ModelSpec) PeakMemoryMB(batch int) float64 {
	if batch < 1 {
		batch = 1
	}
	return s.BaseMemoryMB + float64(batch)*s.PerItemMB
}

// FitBatchSize picks the largest batch size not above the model's optimum
// such that all workers running it concurrently stay within the device budget
// (total minus reserved). Never returns less than 1: a batch of one must be
// attempted even on a tight budget, and the OOM path handles the rest.
func FitBatchSize(spec ModelSpec, workers int, deviceMB, reservedMB float64) int {
	if workers < 1 {
		workers = 1
	}

	limit := spec.OptimalBatch
	if limit > spec.MaxSafeBatch {
		limit = spec.MaxSafeBatch
	}

	budget := deviceMB - reservedMB
	for b := limit; b > 1; b-- {
		if float64(workers)*spec.PeakMemoryMB(b) <= budget {
			return b
		}
	}
	return 1
}

// HalveBatch is the OOM backoff step. Floor is 1.
func HalveBatch(batch int) int {
	if batch <= 1 {
		return 1
	}
	return batch / 2
}
