package pyrepl

import (
	_ "embed"
	"os"
)

//go:embed runtime.py
var runtimeScript []byte

// writeRuntimeScript materializes the embedded interpreter runtime to a
// temp file so it can be handed to the Python binary. The caller removes
// the file on shutdown.
func writeRuntimeScript() (string, error) {
	f, err := os.CreateTemp("", "rlm-runtime-*.py")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(runtimeScript); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
