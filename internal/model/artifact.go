package model

// ArtifactKind names one of the files that make up a course model.
type ArtifactKind string

const (
	ArtifactWeights  ArtifactKind = "weights"
	ArtifactLabelMap ArtifactKind = "label_map"
)

// ModelArtifact identifies the locally cached recognition model of a course.
type ModelArtifact struct {
	CourseID          int64
	Version           int
	WeightsPath       string
	LabelMapPath      string
	VersionMarkerPath string
}

// LabelMap maps classifier output indexes (as strings) to student labels.
type LabelMap map[string]string
