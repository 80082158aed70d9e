package main

// DeployRequest is the input of the deploy FSM.
type DeployRequest struct {
	BundleDir string `json:"bundle_dir"`
}

// DeployResponse accumulates what each phase produced.
type DeployResponse struct {
	Bundle  *Bundle        `json:"bundle,omitempty"`
	Install *InstallReport `json:"install,omitempty"`
	Load    *LoadReport    `json:"load,omitempty"`
	Harden  *HardenReport  `json:"harden,omitempty"`
}

// BundleMetadata is the build record the CI pipeline writes next to the bundle.
type BundleMetadata struct {
	Version     string    `yaml:"version" json:"version"`
	Models      ModelList `yaml:"models" json:"models"`
	Timestamp   string    `yaml:"timestamp" json:"timestamp"`
	Commit      string    `yaml:"commit" json:"commit"`
	TriggeredBy string    `yaml:"triggered_by" json:"triggered_by"`
}

// States for the deploy FSM
const (
	StateVerifying  = "Verifying"
	StateInstalling = "Installing"
	StateLoading    = "Loading"
	StateHardening  = "Hardening"
	StateRunning    = "Running"

	StateFailedVerification = "FailedVerification"
	StateFailedInstallation = "FailedInstallation"
	StateFailedLoading      = "FailedLoading"
	StateFailedHardening    = "FailedHardening"
)

// Bundle layout
const (
	BundleInstallersDir = "installers"
	BundleModelsDir     = "models"
	BundleScriptsDir    = "scripts"
	BundleConfigDir     = "config"
)

var bundleMetadataFiles = []string{"metadata.json", "metadata.yaml", "metadata.yml"}

// Content-addressed model store layout
const (
	StoreBlobsDir     = "blobs"
	StoreManifestsDir = "manifests"
)
