package service

import (
	"fmt"
	"os"
	"strings"

	"github.com/objectfuse/objectfuse/pkg/errors"
)

// ReadPrivateFile returns the first line of a file that must be readable
// and writable by the owner only; anything looser fails hard.
func ReadPrivateFile(path string) (string, error) {
	if path == "" {
		return "", errors.Wrap(errors.KindDenied, "service.private_file", "", fmt.Errorf("no file configured"))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(errors.KindDenied, "service.private_file", path, err)
	}

	if info.Mode().Perm() != 0600 {
		return "", errors.Wrap(errors.KindDenied, "service.private_file", path,
			fmt.Errorf("private file must have mode 0600, has %04o", info.Mode().Perm()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(errors.KindDenied, "service.private_file", path, err)
	}

	line := string(data)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	return line, nil
}

// LoadCredentials reads "<access-key> <secret-key>" from the first line of a
// private (0600) file.
func LoadCredentials(path string) (string, string, error) {
	line, err := ReadPrivateFile(path)
	if err != nil {
		return "", "", err
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", "", errors.Wrap(errors.KindDenied, "service.credentials", path,
			fmt.Errorf("expected 2 fields in secret file, found %d", len(fields)))
	}

	return fields[0], fields[1], nil
}
