//go:build !linux

package fancontrol

func unameInfo() (kernel, machine string) {
	return "", ""
}
