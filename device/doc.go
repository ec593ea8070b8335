// Package device holds the configuration types consumed by the communication core.
//
// A Config describes one device: its name, exactly one link (Serial or TCP), and a list of
// reusable command templates. GlobalConfig carries the process wide limits such as the
// session ceiling and the default operation timeout.
//
// The core treats these values as already loaded and merged by an external configuration
// layer; Validate only checks the invariants the core depends on.
package device
