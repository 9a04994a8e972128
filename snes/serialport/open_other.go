//go:build !linux && !darwin

package serialport

func openNative(path string, cfg Config) (Port, error) {
	return openPortable(path, cfg)
}
