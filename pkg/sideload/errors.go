package sideload

import "fmt"

// Step names an orchestration stage
type Step string

const (
	StepValidate    Step = "validate"
	StepDevice      Step = "device"
	StepCertificate Step = "certificate"
	StepAppIDs      Step = "appids"
	StepAppGroups   Step = "appgroups"
	StepProfile     Step = "profile"
	StepFinalize    Step = "finalize"
)

// ProvisionError is the failure of one step; earlier steps are not rolled back
type ProvisionError struct {
	Step Step
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// QuotaExceededError means the team cannot register the App IDs the bundle needs
type QuotaExceededError struct {
	Required  int
	Available int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("this app requires %d new App IDs, but only %d are available", e.Required, e.Available)
}

// ConflictError is an app extension whose bundle identifier is not nested
// under the main app's identifier.
type ConflictError struct {
	Extension      string
	Identifier     string
	MainIdentifier string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("extension %s (%q) is not part of the main app bundle identifier %s", e.Extension, e.Identifier, e.MainIdentifier)
}
