//go:build mage
// +build mage

package main

import (
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Default = Build

func Build() error {
	return sh.Run(mg.GoCmd(), "build", "./...")
}

func Vet() error {
	return sh.Run(mg.GoCmd(), "vet", "./...")
}

func Test() error {
	args := []string{"test"}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	args = append(args, "./...")
	return sh.Run(mg.GoCmd(), args...)
}

// Check runs vet and then the tests with the race detector.
func Check() error {
	mg.SerialDeps(Vet)
	return sh.Run(mg.GoCmd(), "test", "-race", "./...")
}
