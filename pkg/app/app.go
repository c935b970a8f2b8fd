// Package app holds the contract between cmd binaries and the components
// they start.
package app

// Runner is a long-running process component. Run blocks until the process
// should exit.
type Runner interface {
	Run() error
}
