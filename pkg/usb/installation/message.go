package installation

type clientOptions struct {
	PackageType string `plist:"PackageType,omitempty"`
}

type installRequest struct {
	Command       string         `plist:"Command"`
	PackagePath   string         `plist:"PackagePath"`
	ClientOptions *clientOptions `plist:"ClientOptions,omitempty"`
}

// ProgressEvent is one installation_proxy status message
type ProgressEvent struct {
	Status           string `plist:"Status"`
	PercentComplete  int    `plist:"PercentComplete"`
	Error            string `plist:"Error"`
	ErrorDescription string `plist:"ErrorDescription"`
}
