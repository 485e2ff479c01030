package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"ripple/internal/bytecode"
)

// loadImage reads, decodes and validates one image file.
func loadImage(path string) (*bytecode.Image, *bytecode.Analysis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	img, err := bytecode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	analysis, err := bytecode.Validate(img)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, analysis, nil
}

// isImagePath reports whether the argument names an image file rather
// than a module name.
func isImagePath(arg string) bool {
	return strings.HasSuffix(arg, bytecode.FileExtension)
}
