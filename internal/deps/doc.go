// Package deps checks that the executables each stage launches resolve on
// this host. The daemon logs the result at boot and `mediaflow config
// validate` prints it.
package deps
