package pluginconfig

import (
	"fmt"
	"strings"
)

// Secret fields are addressed by dot paths into the JSON document
// ("smtp.password", "webhooks.token"). A path step that crosses an
// array applies to every element.

// transformPaths applies fn to the string value at each path. Missing
// paths are ignored; a non-string value at a path is an error.
func transformPaths(doc map[string]any, paths []string, fn func(string) (string, error)) error {
	for _, path := range paths {
		if err := transformPath(doc, strings.Split(path, "."), fn); err != nil {
			return fmt.Errorf("secret path %q: %w", path, err)
		}
	}
	return nil
}

func transformPath(node any, steps []string, fn func(string) (string, error)) error {
	if len(steps) == 0 {
		return nil
	}
	switch v := node.(type) {
	case map[string]any:
		child, ok := v[steps[0]]
		if !ok {
			return nil
		}
		if len(steps) == 1 {
			s, ok := child.(string)
			if !ok {
				return fmt.Errorf("value at %q is not a string", steps[0])
			}
			out, err := fn(s)
			if err != nil {
				return err
			}
			v[steps[0]] = out
			return nil
		}
		return transformPath(child, steps[1:], fn)
	case []any:
		for _, item := range v {
			if err := transformPath(item, steps, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
