package fs

import (
	"strings"

	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// readSymlink downloads a symlink body and returns the trimmed target.
func readSymlink(obj *Object, r *request.Request) (string, error) {
	if obj.Type() != TypeSymlink {
		return "", errors.New(errors.KindInvalidArgument, "fs.readlink", obj.Path())
	}

	if err := r.Init(request.MethodGet); err != nil {
		return "", err
	}

	r.SetURL(obj.URL(), "")

	if err := r.Run(request.DefaultTimeout); err != nil {
		return "", err
	}

	if r.ResponseCode() != request.StatusOK {
		return "", errors.FromHTTPStatus("fs.readlink", obj.Path(), r.ResponseCode())
	}

	if ct := r.GetResponseHeader("Content-Type"); ct != "" && ct != symlinkContentType {
		return "", errors.New(errors.KindInvalidArgument, "fs.readlink", obj.Path())
	}

	target := strings.TrimSpace(r.OutputString())
	if target == "" {
		return "", errors.Errorf("fs.readlink", obj.Path(), "empty symlink body")
	}

	return target, nil
}

// writeSymlink persists a fresh symlink object with the target as its body.
func writeSymlink(obj *Object, r *request.Request, target string) error {
	if err := r.Init(request.MethodPut); err != nil {
		return err
	}

	r.SetURL(obj.URL(), "")
	obj.SetRequestHeaders(r)
	r.SetInputBuffer([]byte(target))

	if err := r.Run(request.DefaultTimeout); err != nil {
		return err
	}

	if r.ResponseCode() != request.StatusOK {
		return errors.FromHTTPStatus("fs.symlink", obj.Path(), r.ResponseCode())
	}

	return nil
}
