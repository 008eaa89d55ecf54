// Package testsupport holds helpers shared by package tests: temp-dir
// configurations, stub stage binaries, store setup, and a recording event
// publisher.
package testsupport
