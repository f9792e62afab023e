package registry

// PackageTypeWheel is the artifact kind eligible for installation.
const PackageTypeWheel = "bdist_wheel"

// Artifact is one downloadable file of a release.
type Artifact struct {
	URL         string  `json:"url"`
	Filename    string  `json:"filename"`
	PackageType string  `json:"packagetype"`
	Size        int64   `json:"size"`
	Digests     Digests `json:"digests"`
	Yanked      bool    `json:"yanked"`
}

// Digests carries the registry-declared checksums of an artifact.
type Digests struct {
	SHA256 string `json:"sha256"`
}

// IsWheel reports whether the artifact is an install candidate.
func (a Artifact) IsWheel() bool { return a.PackageType == PackageTypeWheel }

// Info is the "info" object of the registry document.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PackageMetadata is an immutable snapshot of a package's registry document.
type PackageMetadata struct {
	Info     Info                  `json:"info"`
	Releases map[string][]Artifact `json:"releases"`
}

// Name returns the package name reported by the registry.
func (m PackageMetadata) Name() string { return m.Info.Name }

// LatestVersion returns the raw latest version string.
func (m PackageMetadata) LatestVersion() string { return m.Info.Version }
