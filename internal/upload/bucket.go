// Package upload counts git objects of source repositories and pushes them
// into their on-chain counterparts through the upload script.
package upload

// Size is the object-count bucket of a repository
type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

// QueuePrefix prefixes the per-bucket repository queues
const QueuePrefix = "create-gosh-repo-"

// Sizes lists every bucket from smallest to largest
var Sizes = []Size{SizeSmall, SizeMedium, SizeLarge}

// Thresholds are the exclusive upper bounds of the small and medium buckets
type Thresholds struct {
	Small  int
	Medium int
}

// DefaultThresholds splits at 1500 and 15000 objects
var DefaultThresholds = Thresholds{Small: 1500, Medium: 15000}

// Bucket classifies a repository by its object count
func Bucket(objects int, t Thresholds) Size {
	switch {
	case objects < t.Small:
		return SizeSmall
	case objects < t.Medium:
		return SizeMedium
	default:
		return SizeLarge
	}
}

// Queue returns the repository queue serving this bucket
func (s Size) Queue() string {
	return QueuePrefix + string(s)
}
