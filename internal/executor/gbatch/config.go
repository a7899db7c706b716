package gbatch

// VolumeConfig describes one volume mounted into every task container.
// Exactly one of Bucket or Server+Path should be set.
type VolumeConfig struct {
	// Bucket mounts a GCS bucket when set.
	Bucket string

	// Server and Path mount an NFS export when set.
	Server string
	Path   string

	// MountPath is where the volume appears on the VM and in the container.
	MountPath string

	// ReadOnly mounts the volume without write access.
	ReadOnly bool
}

// Config holds the settings of the Cloud Batch backend.
type Config struct {
	// Project is the Google Cloud project jobs are created in. Required.
	Project string

	// Location is the region jobs run in, such as "europe-west4". Required.
	Location string

	// Spot requests preemptible capacity for worker VMs.
	Spot bool

	// MaxSpotAttempts bounds provider-level retries after a preemption.
	// Zero leaves preempted tasks failed.
	MaxSpotAttempts int64

	// MachineFamilies restricts machine selection to matching families or
	// concrete types; entries may end in '*' for prefix matching. Empty
	// considers the whole catalog.
	MachineFamilies []string

	// BootDiskMB sizes the worker boot disk; zero keeps the provider default.
	BootDiskMB int64

	// InstallGPUDrivers asks Batch to install accelerator drivers on the VM.
	InstallGPUDrivers bool

	// Network and Subnetwork place worker VMs on a specific VPC, given as
	// full resource names.
	Network    string
	Subnetwork string

	// NoExternalIP keeps worker VMs off the public internet.
	NoExternalIP bool

	// ServiceAccount runs worker VMs under a specific identity.
	ServiceAccount string

	// Volumes are mounted into every task container. The task work root
	// must be reachable through one of them so exit files land on shared
	// storage.
	Volumes []VolumeConfig

	// RequestsPerSecond, Burst and MaxRetries tune the API throttle; zero
	// values take the throttle package defaults.
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

// parent returns the resource name jobs are created under.
func (c Config) parent() string {
	return "projects/" + c.Project + "/locations/" + c.Location
}
