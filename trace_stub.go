//go:build !linux

package main

import "github.com/saworbit/ringtap/pkg/loader"

func runLoad(string) error {
	return loader.ErrUnsupported
}

func runTrace(string, string) error {
	return loader.ErrUnsupported
}
